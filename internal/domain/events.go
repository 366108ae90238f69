package domain

import (
	"errors"
	"fmt"
	"time"
)

// EventKind — тип низкоуровневого события push-канала.
type EventKind string

const (
	// EventPostCreated — появился новый пост или ответ.
	EventPostCreated EventKind = "post-created"
	// EventLikeAdded — поставлен лайк.
	EventLikeAdded EventKind = "like-added"
	// EventLikeRemoved — лайк снят.
	EventLikeRemoved EventKind = "like-removed"
)

// ErrMalformedEvent возвращается для событий, которые нельзя применить.
var ErrMalformedEvent = errors.New("некорректное событие push-канала")

// RealtimeEvent — событие изменения строки, доставленное push-каналом.
// Доставка at-least-once и без гарантий порядка относительно чтений кэша.
type RealtimeEvent struct {
	ID   string    `json:"id,omitempty"`
	Kind EventKind `json:"kind"`

	PostID   string `json:"post_id"`
	ParentID string `json:"parent_id,omitempty"`

	// ActorID — кто поставил или снял лайк.
	ActorID string `json:"actor_id,omitempty"`
	// AuthorID — автор созданного поста.
	AuthorID string `json:"author_id,omitempty"`

	OccurredAt time.Time `json:"occurred_at,omitzero"`
}

// Validate проверяет, достаточно ли в событии данных для применения.
func (e RealtimeEvent) Validate() error {
	if e.PostID == "" {
		return fmt.Errorf("%w: пустой post_id", ErrMalformedEvent)
	}
	switch e.Kind {
	case EventPostCreated:
		if e.AuthorID == "" {
			return fmt.Errorf("%w: post-created без author_id", ErrMalformedEvent)
		}
	case EventLikeAdded, EventLikeRemoved:
		if e.ActorID == "" {
			return fmt.Errorf("%w: %s без actor_id", ErrMalformedEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: неизвестный тип %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}
