package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feedsync/internal/domain"
	"feedsync/internal/infra/metrics"
)

// ErrLikeInFlight возвращается на повторный тоггл, пока запись лайка по
// тому же посту ещё в полёте. Повтор не ставится в очередь: двойной
// клик даёт один тоггл.
var ErrLikeInFlight = errors.New("лайк по этому посту ещё не подтверждён")

// ErrPostNotFound возвращается, если пост не загружен в хранилище.
var ErrPostNotFound = errors.New("пост не найден в ленте")

// ErrEmptyContent возвращается на создание поста без текста.
var ErrEmptyContent = errors.New("пустой текст поста")

// ErrEngineClosed возвращается после останова движка.
var ErrEngineClosed = errors.New("движок ленты остановлен")

const (
	defaultPageSize       = 20
	defaultThreadPageSize = 50
	defaultRefreshDelay   = 5 * time.Second
	receiveRetryDelay     = time.Second
	refreshTimeout        = 15 * time.Second
)

// Config описывает зависимости и настройки движка одного зрителя.
type Config struct {
	Reader  domain.FeedReader
	Threads domain.ThreadReader
	Likes   domain.LikeWriter
	Writer  domain.PostWriter
	Source  domain.RealtimeSource
	Perf    domain.PerfSink

	Viewer domain.Viewer

	PageSize       int
	ThreadPageSize int
	SortBy         domain.SortMode
	// RefreshDelay — окно склейки чужих post-created в одно обновление.
	RefreshDelay time.Duration

	Logger zerolog.Logger
}

type mutationKind string

const (
	mutationLikeAdd    mutationKind = "like-add"
	mutationLikeRemove mutationKind = "like-remove"
)

// pendingMutation — эфемерная запись оптимистичной мутации, хранится
// под id поста: что было применено и как это в точности откатить.
// Уничтожается при подтверждении либо сразу после отката.
type pendingMutation struct {
	kind      mutationKind
	prevCount int
	prevLiked bool
}

// Service — движок синхронизации ленты: сводит оптимистичные мутации
// зрителя, страницы серверного кэша и push-события в одно согласованное
// представление. Все мутации хранилища сериализуются одним мьютексом.
type Service struct {
	reader  domain.FeedReader
	threads domain.ThreadReader
	likes   domain.LikeWriter
	writer  domain.PostWriter
	source  domain.RealtimeSource
	perf    domain.PerfSink

	viewer         domain.Viewer
	pageSize       int
	threadPageSize int
	sortBy         domain.SortMode
	refreshDelay   time.Duration
	retryDelay     time.Duration
	log            zerolog.Logger

	mu      sync.Mutex
	store   *Store
	cursor  domain.PageCursor
	// resetGen растёт на каждом полном обновлении: результат более
	// ранней загрузки верхнего уровня отбрасывается как устаревший.
	resetGen     uint64
	pending      map[string]*pendingMutation
	seen         *seenSet
	refreshTimer *time.Timer
	closed       bool
}

// FeedState — снимок ленты для рендера.
type FeedState struct {
	Posts   []domain.Post `json:"posts"`
	HasMore bool          `json:"has_more"`
	Version uint64        `json:"version"`
}

// NewService создаёт движок.
func NewService(cfg Config) *Service {
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ThreadPageSize == 0 {
		cfg.ThreadPageSize = defaultThreadPageSize
	}
	if cfg.SortBy == "" {
		cfg.SortBy = domain.SortRecent
	}
	if cfg.RefreshDelay == 0 {
		cfg.RefreshDelay = defaultRefreshDelay
	}
	return &Service{
		reader:         cfg.Reader,
		threads:        cfg.Threads,
		likes:          cfg.Likes,
		writer:         cfg.Writer,
		source:         cfg.Source,
		perf:           cfg.Perf,
		viewer:         cfg.Viewer,
		pageSize:       cfg.PageSize,
		threadPageSize: cfg.ThreadPageSize,
		sortBy:         cfg.SortBy,
		refreshDelay:   cfg.RefreshDelay,
		retryDelay:     receiveRetryDelay,
		log:            cfg.Logger,
		store:          NewStore(),
		cursor:         domain.PageCursor{PageSize: cfg.PageSize, SortBy: cfg.SortBy},
		pending:        make(map[string]*pendingMutation),
		seen:           newSeenSet(seenSetCapacity),
	}
}

// State возвращает снимок ленты.
func (s *Service) State() FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FeedState{
		Posts:   s.store.Snapshot(),
		HasMore: s.cursor.HasMore,
		Version: s.store.Version(),
	}
}

// Refresh целиком перечитывает первую страницу. Более ранние загрузки
// верхнего уровня, ещё висящие в полёте, перестают влиять на ленту.
// При ошибке чтения уже показанная лента остаётся нетронутой.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrEngineClosed
	}
	s.resetGen++
	gen := s.resetGen
	cursor := domain.PageCursor{PageSize: s.pageSize, SortBy: s.sortBy}
	s.mu.Unlock()

	page, err := s.loadPage(ctx, cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.resetGen || s.closed {
		// пришло позже следующего обновления — отбрасываем
		return nil
	}
	s.store.ResetTopLevel(page)
	cursor.HasMore = len(page) == cursor.PageSize
	s.cursor = cursor
	return nil
}

// LoadMore дочитывает следующую страницу и дописывает её в хвост.
func (s *Service) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrEngineClosed
	}
	gen := s.resetGen
	cursor := s.cursor.Next()
	s.mu.Unlock()

	page, err := s.loadPage(ctx, cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.resetGen || s.closed {
		return nil
	}
	s.store.AppendPage(page)
	cursor.HasMore = len(page) == cursor.PageSize
	s.cursor = cursor
	return nil
}

func (s *Service) loadPage(ctx context.Context, cursor domain.PageCursor) ([]domain.Post, error) {
	if err := cursor.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	page, err := s.reader.LoadPage(ctx, s.viewer.ID, cursor)
	s.observe("feed_page_load", start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("загрузка страницы ленты: %w", err)
	}
	return page, nil
}

// ToggleLike переключает лайк зрителя на посте. Поправка счётчика и
// флага применяется до сетевого вызова; при ошибке записи она
// откатывается в точности до прежнего состояния.
func (s *Service) ToggleLike(ctx context.Context, postID string) error {
	return s.writeLike(ctx, postID, nil)
}

// SetLike приводит лайк зрителя на посте к желаемому состоянию.
// Повторный вызов с тем же состоянием — no-op.
func (s *Service) SetLike(ctx context.Context, postID string, liked bool) error {
	return s.writeLike(ctx, postID, &liked)
}

// writeLike — общий путь записи лайка. want == nil переключает текущее
// состояние, иначе приводит флаг к want. Проверка "уже в нужном
// состоянии" атомарна с оптимистичной поправкой: направление записи
// выбирается под тем же захватом мьютекса, так что параллельный
// повторный PUT не превратится в снятие лайка.
func (s *Service) writeLike(ctx context.Context, postID string, want *bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrEngineClosed
	}
	if _, busy := s.pending[postID]; busy {
		s.mu.Unlock()
		return ErrLikeInFlight
	}
	post, ok := s.store.Get(postID)
	if !ok {
		s.mu.Unlock()
		return ErrPostNotFound
	}
	if want != nil && post.UserHasLiked == *want {
		s.mu.Unlock()
		return nil
	}

	adding := !post.UserHasLiked
	pm := &pendingMutation{
		kind:      mutationLikeRemove,
		prevCount: post.LikeCount,
		prevLiked: post.UserHasLiked,
	}
	delta := domain.CounterDelta{LikeDelta: -1, SetUserLiked: boolPtr(false)}
	if adding {
		pm.kind = mutationLikeAdd
		delta = domain.CounterDelta{LikeDelta: 1, SetUserLiked: boolPtr(true)}
	}
	s.store.PatchCounters(postID, delta)
	s.pending[postID] = pm
	s.mu.Unlock()

	start := time.Now()
	var err error
	if adding {
		err = s.likes.AddLike(ctx, s.viewer.ID, postID)
	} else {
		err = s.likes.RemoveLike(ctx, s.viewer.ID, postID)
	}
	s.observe("like_toggle", start, err == nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, postID)
	if err != nil {
		s.store.SetLikeState(postID, pm.prevCount, pm.prevLiked)
		metrics.OptimisticRollbacksTotal.Inc()
		s.log.Warn().Err(err).Str("post_id", postID).Str("op", string(pm.kind)).Msg("feed: запись лайка откатилась")
		return fmt.Errorf("запись лайка: %w", err)
	}
	return nil
}

// CreatePost создаёт пост верхнего уровня. Идентификатор назначает
// сервер; локальный пост синтезируется только после подтверждения и
// встаёт первым в ленте. При ошибке локальное состояние не трогается,
// набранный текст остаётся у вызывающего.
func (s *Service) CreatePost(ctx context.Context, content string, celebration *domain.Celebration) (domain.Post, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Post{}, ErrEmptyContent
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Post{}, ErrEngineClosed
	}
	s.mu.Unlock()

	start := time.Now()
	created, err := s.writer.CreatePost(ctx, s.viewer.ID, "", content, celebration)
	s.observe("create_post", start, err == nil)
	if err != nil {
		return domain.Post{}, fmt.Errorf("создание поста: %w", err)
	}

	post := s.materialize(created, "", content, celebration)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return post, nil
	}
	s.store.Prepend(post)
	return post, nil
}

// CreateReply создаёт ответ под родительским постом: после
// подтверждения сервером ответ дописывается в загруженную ветку,
// reply_count растёт на единицу, ветка принудительно раскрывается.
func (s *Service) CreateReply(ctx context.Context, parentID, content string) (domain.Post, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Post{}, ErrEmptyContent
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Post{}, ErrEngineClosed
	}
	if _, ok := s.store.Get(parentID); !ok {
		s.mu.Unlock()
		return domain.Post{}, ErrPostNotFound
	}
	s.mu.Unlock()

	start := time.Now()
	created, err := s.writer.CreatePost(ctx, s.viewer.ID, parentID, content, nil)
	s.observe("create_reply", start, err == nil)
	if err != nil {
		return domain.Post{}, fmt.Errorf("создание ответа: %w", err)
	}

	reply := s.materialize(created, parentID, content, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reply, nil
	}
	s.store.InsertReply(parentID, reply)
	return reply, nil
}

// ExpandThread раскрывает ветку ответов. Если ответы ещё не загружены,
// они дочитываются у сервера; повторный вызов на раскрытой ветке
// сворачивает её без перезагрузки.
func (s *Service) ExpandThread(ctx context.Context, postID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrEngineClosed
	}
	post, ok := s.store.Get(postID)
	if !ok {
		s.mu.Unlock()
		return ErrPostNotFound
	}
	if post.IsExpanded {
		s.store.SetExpanded(postID, false)
		s.mu.Unlock()
		return nil
	}
	if len(post.Replies) > 0 || post.ReplyCount == 0 {
		s.store.SetExpanded(postID, true)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	start := time.Now()
	replies, err := s.threads.LoadThread(ctx, s.viewer.ID, postID, s.threadPageSize, 0)
	s.observe("thread_load", start, err == nil)
	if err != nil {
		return fmt.Errorf("загрузка ветки: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.store.AttachReplies(postID, replies)
	return nil
}

// Close останавливает движок: гасит отложенное обновление и
// освобождает подписку на push-канал.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.mu.Unlock()

	if s.source != nil {
		return s.source.Close()
	}
	return nil
}

// materialize синтезирует локальный пост из авторитетного ответа
// сервера и известной личности зрителя.
func (s *Service) materialize(created domain.CreatedPost, parentID, content string, celebration *domain.Celebration) domain.Post {
	createdAt := created.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return domain.Post{
		ID:          created.ID,
		ParentID:    parentID,
		Content:     content,
		Author:      s.viewer.Identity(),
		Celebration: celebration,
		CreatedAt:   createdAt,
	}
}

func (s *Service) observe(operation string, start time.Time, success bool) {
	if s.perf == nil {
		return
	}
	s.perf.Observe(operation, time.Since(start), success, map[string]string{
		"viewer": s.viewer.ID,
		"sort":   string(s.sortBy),
	})
}

func boolPtr(v bool) *bool { return &v }
