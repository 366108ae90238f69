package domain

import (
	"context"
	"time"
)

// FeedReader — пагинированное чтение верхнего уровня ленты из
// серверного кэша. Идемпотентно и без побочных эффектов.
type FeedReader interface {
	LoadPage(ctx context.Context, viewerID string, cursor PageCursor) ([]Post, error)
}

// ThreadReader — чтение ветки ответов под конкретным постом.
type ThreadReader interface {
	LoadThread(ctx context.Context, viewerID, parentID string, limit, offset int) ([]Post, error)
}

// LikeWriter — идемпотентное членство лайка (viewer, post).
type LikeWriter interface {
	AddLike(ctx context.Context, viewerID, postID string) error
	RemoveLike(ctx context.Context, viewerID, postID string) error
}

// CreatedPost — авторитетный результат создания поста на сервере.
type CreatedPost struct {
	ID        string
	CreatedAt time.Time
}

// PostWriter создаёт пост или ответ. Идентификатор назначает только
// сервер; при ошибке ничего не создаётся.
type PostWriter interface {
	CreatePost(ctx context.Context, viewerID, parentID, content string, celebration *Celebration) (CreatedPost, error)
}

// RealtimeSource — push-канал событий изменения. Receive блокируется до
// события или отмены контекста; Close освобождает подписку.
type RealtimeSource interface {
	Receive(ctx context.Context) (RealtimeEvent, error)
	Close() error
}

// RealtimePublisher публикует события для других активных сессий.
type RealtimePublisher interface {
	Publish(ctx context.Context, event RealtimeEvent) error
}

// PerfSink — сток перформанс-логов, fire-and-forget. Сбои стока не
// должны влиять на поведение ленты.
type PerfSink interface {
	Observe(operation string, duration time.Duration, success bool, metadata map[string]string)
}

// ViewerDirectory возвращает профиль зрителя для синтеза локальных постов.
type ViewerDirectory interface {
	GetViewer(ctx context.Context, viewerID string) (Viewer, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
