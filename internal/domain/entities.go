package domain

import (
	"errors"
	"fmt"
	"time"
)

// SortMode — режим сортировки верхнего уровня ленты.
type SortMode string

const (
	// SortRecent — по времени публикации.
	SortRecent SortMode = "recent"
	// SortPopular — по количеству лайков.
	SortPopular SortMode = "popular"
	// SortTrending — по рейтингу вовлечённости, который считает сервер.
	SortTrending SortMode = "trending"
)

// Valid сообщает, поддерживается ли режим сортировки.
func (m SortMode) Valid() bool {
	switch m {
	case SortRecent, SortPopular, SortTrending:
		return true
	}
	return false
}

// Badge — значок автора. Rank задаёт порог, по которому выбирается
// "лучший" значок для отображения.
type Badge struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
	Rank     int    `json:"rank"`
}

// Author описывает отображаемую личность автора поста.
type Author struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Organization string  `json:"organization,omitempty"`
	Region       string  `json:"region,omitempty"`
	Badges       []Badge `json:"badges,omitempty"`
}

// BestBadge возвращает значок с наибольшим рангом.
func (a Author) BestBadge() (Badge, bool) {
	if len(a.Badges) == 0 {
		return Badge{}, false
	}
	best := a.Badges[0]
	for _, b := range a.Badges[1:] {
		if b.Rank > best.Rank {
			best = b
		}
	}
	return best, true
}

// Celebration — денормализованное вложение о достижении. Прикрепляется
// при создании поста и дальше не меняется.
type Celebration struct {
	AchievementCount int       `json:"achievement_count"`
	Platform         string    `json:"platform"`
	AchievedAt       time.Time `json:"achieved_at"`
}

// Post — центральная сущность ленты. Replies хранит загруженную часть
// дерева ответов: len(Replies) <= ReplyCount, расхождение допустимо,
// пока ветка не раскрыта.
type Post struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Content  string `json:"content"`
	Author   Author `json:"author"`

	LikeCount  int `json:"like_count"`
	ReplyCount int `json:"reply_count"`
	// EngagementScore считается сервером, локально не пересчитывается.
	EngagementScore float64 `json:"engagement_score"`

	// UserHasLiked — флаг текущего зрителя, между зрителями не разделяется.
	UserHasLiked bool `json:"user_has_liked"`

	Celebration *Celebration `json:"celebration,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`

	Replies    []Post `json:"replies,omitempty"`
	IsExpanded bool   `json:"is_expanded"`
}

// Clone возвращает глубокую копию поста вместе с загруженными ответами.
func (p Post) Clone() Post {
	out := p
	if p.Celebration != nil {
		c := *p.Celebration
		out.Celebration = &c
	}
	if len(p.Author.Badges) > 0 {
		out.Author.Badges = append([]Badge(nil), p.Author.Badges...)
	}
	if len(p.Replies) > 0 {
		out.Replies = make([]Post, 0, len(p.Replies))
		for _, r := range p.Replies {
			out.Replies = append(out.Replies, r.Clone())
		}
	}
	return out
}

// Viewer — аутентифицированный зритель, от имени которого работает движок.
type Viewer struct {
	ID           string
	Name         string
	Organization string
	Region       string
	Badges       []Badge
}

// Identity возвращает данные зрителя в виде автора поста.
func (v Viewer) Identity() Author {
	return Author{
		ID:           v.ID,
		Name:         v.Name,
		Organization: v.Organization,
		Region:       v.Region,
		Badges:       append([]Badge(nil), v.Badges...),
	}
}

const (
	// MinPageSize и MaxPageSize ограничивают размер страницы ленты.
	MinPageSize = 1
	MaxPageSize = 100
)

// ErrInvalidCursor возвращается при некорректных параметрах страницы.
var ErrInvalidCursor = errors.New("некорректный курсор страницы")

// PageCursor описывает позицию пагинации кэширующего чтения.
// HasMore заполняется эвристически: страница пришла полной.
type PageCursor struct {
	Offset   int
	PageSize int
	SortBy   SortMode
	HasMore  bool
}

// Validate проверяет ограничения курсора.
func (c PageCursor) Validate() error {
	if c.Offset < 0 {
		return fmt.Errorf("%w: offset %d", ErrInvalidCursor, c.Offset)
	}
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize {
		return fmt.Errorf("%w: размер страницы %d", ErrInvalidCursor, c.PageSize)
	}
	if !c.SortBy.Valid() {
		return fmt.Errorf("%w: сортировка %q", ErrInvalidCursor, c.SortBy)
	}
	return nil
}

// Next возвращает курсор следующей страницы.
func (c PageCursor) Next() PageCursor {
	c.Offset += c.PageSize
	return c
}

// CounterDelta — коммутативная поправка счётчиков поста. Счётчики не
// уходят ниже нуля; SetUserLiked применяет флаг зрителя по принципу
// last-writer-wins.
type CounterDelta struct {
	LikeDelta    int
	ReplyDelta   int
	SetUserLiked *bool
}
