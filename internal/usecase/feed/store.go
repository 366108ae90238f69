package feed

import (
	"feedsync/internal/domain"
)

// Store — нормализованное представление ленты в памяти, единственный
// источник правды для рендера. Store не синхронизирован: все мутации
// идут через движок, который и является единственным логическим
// потребителем. Наблюдатели сравнивают снимки по Version.
type Store struct {
	order   []string
	posts   map[string]*domain.Post
	version uint64
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{posts: make(map[string]*domain.Post)}
}

// Version растёт на каждой видимой мутации.
func (s *Store) Version() uint64 { return s.version }

// Len возвращает количество постов верхнего уровня.
func (s *Store) Len() int { return len(s.order) }

// Snapshot возвращает глубокую копию верхнего уровня в текущем порядке.
func (s *Store) Snapshot() []domain.Post {
	out := make([]domain.Post, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.posts[id].Clone())
	}
	return out
}

// Get возвращает копию поста по id, включая загруженные ответы.
func (s *Store) Get(id string) (domain.Post, bool) {
	p := s.find(id)
	if p == nil {
		return domain.Post{}, false
	}
	return p.Clone(), true
}

// ResetTopLevel целиком заменяет верхний уровень страницей из кэша.
// Счётчики и флаг зрителя берутся из страницы (кэш авторитетен),
// загруженные ответы и раскрытие веток переживают обновление.
func (s *Store) ResetTopLevel(page []domain.Post) {
	order := make([]string, 0, len(page))
	posts := make(map[string]*domain.Post, len(page))
	for _, in := range page {
		if in.ID == "" {
			continue
		}
		if _, dup := posts[in.ID]; dup {
			continue
		}
		merged := s.mergeFromCache(in)
		posts[in.ID] = merged
		order = append(order, in.ID)
	}
	s.order = order
	s.posts = posts
	s.version++
}

// AppendPage добавляет следующую страницу, не дублируя уже показанные
// посты: совпавшие по id сливаются на месте, новые встают в хвост.
func (s *Store) AppendPage(page []domain.Post) {
	changed := false
	for _, in := range page {
		if in.ID == "" {
			continue
		}
		if _, ok := s.posts[in.ID]; ok {
			s.posts[in.ID] = s.mergeFromCache(in)
			changed = true
			continue
		}
		s.posts[in.ID] = s.mergeFromCache(in)
		s.order = append(s.order, in.ID)
		changed = true
	}
	if changed {
		s.version++
	}
}

// Prepend вставляет локально подтверждённый пост в начало ленты.
// Возвращает false, если пост с таким id уже есть.
func (s *Store) Prepend(post domain.Post) bool {
	if post.ID == "" {
		return false
	}
	if s.find(post.ID) != nil {
		return false
	}
	p := post.Clone()
	s.posts[post.ID] = &p
	s.order = append([]string{post.ID}, s.order...)
	s.version++
	return true
}

// InsertReply добавляет ответ в хвост загруженной ветки родителя,
// увеличивает reply_count и принудительно раскрывает ветку.
func (s *Store) InsertReply(parentID string, reply domain.Post) bool {
	parent := s.find(parentID)
	if parent == nil || reply.ID == "" {
		return false
	}
	for i := range parent.Replies {
		if parent.Replies[i].ID == reply.ID {
			return false
		}
	}
	parent.Replies = append(parent.Replies, reply.Clone())
	parent.ReplyCount++
	parent.IsExpanded = true
	s.version++
	return true
}

// AttachReplies прикрепляет загруженную ветку ответов и раскрывает её.
func (s *Store) AttachReplies(parentID string, replies []domain.Post) bool {
	parent := s.find(parentID)
	if parent == nil {
		return false
	}
	loaded := make([]domain.Post, 0, len(replies))
	for _, r := range replies {
		loaded = append(loaded, r.Clone())
	}
	parent.Replies = loaded
	parent.IsExpanded = true
	if parent.ReplyCount < len(loaded) {
		parent.ReplyCount = len(loaded)
	}
	s.version++
	return true
}

// SetExpanded управляет раскрытием ветки без перезагрузки ответов.
func (s *Store) SetExpanded(id string, expanded bool) bool {
	p := s.find(id)
	if p == nil {
		return false
	}
	if p.IsExpanded != expanded {
		p.IsExpanded = expanded
		s.version++
	}
	return true
}

// PatchCounters применяет коммутативную поправку счётчиков. Значения
// не опускаются ниже нуля. Ищет пост и на верхнем уровне, и среди
// загруженных ответов.
func (s *Store) PatchCounters(id string, delta domain.CounterDelta) bool {
	p := s.find(id)
	if p == nil {
		return false
	}
	p.LikeCount += delta.LikeDelta
	if p.LikeCount < 0 {
		p.LikeCount = 0
	}
	p.ReplyCount += delta.ReplyDelta
	if p.ReplyCount < 0 {
		p.ReplyCount = 0
	}
	if delta.SetUserLiked != nil {
		p.UserHasLiked = *delta.SetUserLiked
	}
	s.version++
	return true
}

// SetLikeState восстанавливает точное состояние лайка — используется
// при откате оптимистичной мутации.
func (s *Store) SetLikeState(id string, likeCount int, liked bool) bool {
	p := s.find(id)
	if p == nil {
		return false
	}
	p.LikeCount = likeCount
	p.UserHasLiked = liked
	s.version++
	return true
}

// mergeFromCache сливает пост страницы кэша с уже загруженным: счётчики
// и флаг зрителя приходят с сервера, локально загруженная ветка и её
// раскрытие сохраняются.
func (s *Store) mergeFromCache(in domain.Post) *domain.Post {
	merged := in.Clone()
	if existing, ok := s.posts[in.ID]; ok {
		merged.Replies = existing.Replies
		merged.IsExpanded = existing.IsExpanded
		if merged.ReplyCount < len(merged.Replies) {
			merged.ReplyCount = len(merged.Replies)
		}
	}
	return &merged
}

func (s *Store) find(id string) *domain.Post {
	if p, ok := s.posts[id]; ok {
		return p
	}
	for _, rootID := range s.order {
		if p := findReply(s.posts[rootID], id); p != nil {
			return p
		}
	}
	return nil
}

func findReply(p *domain.Post, id string) *domain.Post {
	for i := range p.Replies {
		if p.Replies[i].ID == id {
			return &p.Replies[i]
		}
		if found := findReply(&p.Replies[i], id); found != nil {
			return found
		}
	}
	return nil
}
