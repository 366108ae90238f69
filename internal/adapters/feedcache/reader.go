package feedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"feedsync/internal/domain"
)

const defaultTTL = 2 * time.Minute

// Reader декорирует FeedReader TTL-кэшем страниц: повторное чтение той
// же страницы внутри окна устаревания не ходит к бэкенду. Ключ включает
// id зрителя, поэтому флаг user_has_liked между зрителями не утекает.
type Reader struct {
	next  domain.FeedReader
	cache domain.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

var _ domain.FeedReader = (*Reader)(nil)

// NewReader создаёт кэширующее чтение. ttl == 0 даёт окно в две минуты.
func NewReader(next domain.FeedReader, cache domain.Cache, ttl time.Duration, logger zerolog.Logger) *Reader {
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &Reader{next: next, cache: cache, ttl: ttl, log: logger}
}

// LoadPage реализует domain.FeedReader.
func (r *Reader) LoadPage(ctx context.Context, viewerID string, cursor domain.PageCursor) ([]domain.Post, error) {
	key := pageKey(viewerID, cursor)
	if data, err := r.cache.Get(key); err == nil && len(data) > 0 {
		var posts []domain.Post
		if err := json.Unmarshal(data, &posts); err == nil {
			return posts, nil
		}
		r.log.Debug().Str("key", key).Msg("feedcache: битая запись, читаем бэкенд")
	}

	posts, err := r.next.LoadPage(ctx, viewerID, cursor)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(posts); err == nil {
		if err := r.cache.Set(key, data, r.ttl); err != nil {
			r.log.Debug().Err(err).Str("key", key).Msg("feedcache: запись в кэш не удалась")
		}
	}
	return posts, nil
}

func pageKey(viewerID string, cursor domain.PageCursor) string {
	return fmt.Sprintf("feed:%s:%s:%d:%d", viewerID, cursor.SortBy, cursor.Offset, cursor.PageSize)
}
