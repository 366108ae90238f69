package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"feedsync/internal/domain"
	"feedsync/internal/infra/metrics"
)

// ErrViewerNotFound возвращается для неизвестного id зрителя.
var ErrViewerNotFound = errors.New("зритель не найден")

// ErrPostNotFound возвращается для неизвестного id поста.
var ErrPostNotFound = errors.New("пост не найден")

// Postgres реализует серверные эндпоинты ленты на pgxpool: кэшируемое
// чтение страниц, чтение веток, идемпотентный тоггл лайка и атомарное
// создание постов. После успешных записей публикует события для других
// активных сессий, если задан publisher.
type Postgres struct {
	pool      *pgxpool.Pool
	publisher domain.RealtimePublisher
	log       zerolog.Logger
}

var (
	_ domain.FeedReader      = (*Postgres)(nil)
	_ domain.ThreadReader    = (*Postgres)(nil)
	_ domain.LikeWriter      = (*Postgres)(nil)
	_ domain.PostWriter      = (*Postgres)(nil)
	_ domain.ViewerDirectory = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД. publisher может быть nil.
func NewPostgres(pool *pgxpool.Pool, publisher domain.RealtimePublisher, logger zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, publisher: publisher, log: logger}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const postColumns = `
p.id, p.parent_id, p.content,
v.id, v.name, v.organization, v.region, v.badges,
p.like_count, p.reply_count, p.engagement_score,
p.celebration, p.created_at,
(l.viewer_id IS NOT NULL) AS user_has_liked`

// LoadPage реализует domain.FeedReader.
func (p *Postgres) LoadPage(ctx context.Context, viewerID string, cursor domain.PageCursor) ([]domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var orderBy string
	switch cursor.SortBy {
	case domain.SortPopular:
		orderBy = "p.like_count DESC, p.created_at DESC"
	case domain.SortTrending:
		orderBy = "p.engagement_score DESC, p.created_at DESC"
	default:
		orderBy = "p.created_at DESC"
	}

	query := fmt.Sprintf(`
SELECT %s
FROM posts p
JOIN viewers v ON v.id = p.author_id
LEFT JOIN likes l ON l.post_id = p.id AND l.viewer_id = $1
WHERE p.parent_id IS NULL
ORDER BY %s
LIMIT $2 OFFSET $3
`, postColumns, orderBy)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, viewerID, cursor.PageSize, cursor.Offset)
	metrics.ObserveNetworkRequest("postgres", "feed_page", "posts", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение страницы ленты: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// LoadThread реализует domain.ThreadReader.
func (p *Postgres) LoadThread(ctx context.Context, viewerID, parentID string, limit, offset int) ([]domain.Post, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT %s
FROM posts p
JOIN viewers v ON v.id = p.author_id
LEFT JOIN likes l ON l.post_id = p.id AND l.viewer_id = $1
WHERE p.parent_id = $2
ORDER BY p.created_at DESC
LIMIT $3 OFFSET $4
`, postColumns)

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, viewerID, parentID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "thread_page", "posts", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение ветки: %w", err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// AddLike реализует domain.LikeWriter: членство (viewer, post)
// идемпотентно, счётчик меняется только при реальной вставке.
func (p *Postgres) AddLike(ctx context.Context, viewerID, postID string) error {
	changed, err := p.toggleLike(ctx, viewerID, postID, true)
	if err != nil {
		return err
	}
	if changed {
		p.publish(ctx, domain.RealtimeEvent{
			ID:         uuid.NewString(),
			Kind:       domain.EventLikeAdded,
			PostID:     postID,
			ActorID:    viewerID,
			OccurredAt: time.Now().UTC(),
		})
	}
	return nil
}

// RemoveLike реализует domain.LikeWriter.
func (p *Postgres) RemoveLike(ctx context.Context, viewerID, postID string) error {
	changed, err := p.toggleLike(ctx, viewerID, postID, false)
	if err != nil {
		return err
	}
	if changed {
		p.publish(ctx, domain.RealtimeEvent{
			ID:         uuid.NewString(),
			Kind:       domain.EventLikeRemoved,
			PostID:     postID,
			ActorID:    viewerID,
			OccurredAt: time.Now().UTC(),
		})
	}
	return nil
}

func (p *Postgres) toggleLike(ctx context.Context, viewerID, postID string, add bool) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "likes", start, err)
	if err != nil {
		return false, fmt.Errorf("открытие транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag string
	if add {
		tag = "like_add"
		start = time.Now()
		ct, err := tx.Exec(ctx, `
INSERT INTO likes (viewer_id, post_id) VALUES ($1, $2)
ON CONFLICT (viewer_id, post_id) DO NOTHING
`, viewerID, postID)
		metrics.ObserveNetworkRequest("postgres", tag, "likes", start, err)
		if err != nil {
			return false, fmt.Errorf("вставка лайка: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return false, tx.Commit(ctx)
		}
		if _, err := tx.Exec(ctx, `UPDATE posts SET like_count = like_count + 1 WHERE id = $1`, postID); err != nil {
			return false, fmt.Errorf("обновление счётчика лайков: %w", err)
		}
	} else {
		tag = "like_remove"
		start = time.Now()
		ct, err := tx.Exec(ctx, `DELETE FROM likes WHERE viewer_id = $1 AND post_id = $2`, viewerID, postID)
		metrics.ObserveNetworkRequest("postgres", tag, "likes", start, err)
		if err != nil {
			return false, fmt.Errorf("удаление лайка: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return false, tx.Commit(ctx)
		}
		if _, err := tx.Exec(ctx, `UPDATE posts SET like_count = GREATEST(like_count - 1, 0) WHERE id = $1`, postID); err != nil {
			return false, fmt.Errorf("обновление счётчика лайков: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("фиксация транзакции: %w", err)
	}
	return true, nil
}

// CreatePost реализует domain.PostWriter: вставка поста и инкремент
// reply_count родителя происходят в одной транзакции, либо не
// происходят вовсе.
func (p *Postgres) CreatePost(ctx context.Context, viewerID, parentID, content string, celebration *domain.Celebration) (domain.CreatedPost, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var celebrationJSON []byte
	if celebration != nil {
		data, err := json.Marshal(celebration)
		if err != nil {
			return domain.CreatedPost{}, fmt.Errorf("сериализация celebration: %w", err)
		}
		celebrationJSON = data
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "posts", start, err)
	if err != nil {
		return domain.CreatedPost{}, fmt.Errorf("открытие транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}

	id := uuid.NewString()
	var createdAt time.Time
	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO posts (id, parent_id, author_id, content, celebration)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at
`, id, parent, viewerID, content, celebrationJSON).Scan(&createdAt)
	metrics.ObserveNetworkRequest("postgres", "post_insert", "posts", start, err)
	if err != nil {
		return domain.CreatedPost{}, fmt.Errorf("вставка поста: %w", err)
	}

	if parentID != "" {
		ct, err := tx.Exec(ctx, `UPDATE posts SET reply_count = reply_count + 1 WHERE id = $1`, parentID)
		if err != nil {
			return domain.CreatedPost{}, fmt.Errorf("обновление счётчика ответов: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.CreatedPost{}, ErrPostNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CreatedPost{}, fmt.Errorf("фиксация транзакции: %w", err)
	}

	p.publish(ctx, domain.RealtimeEvent{
		ID:         uuid.NewString(),
		Kind:       domain.EventPostCreated,
		PostID:     id,
		ParentID:   parentID,
		AuthorID:   viewerID,
		OccurredAt: createdAt,
	})
	return domain.CreatedPost{ID: id, CreatedAt: createdAt}, nil
}

// GetViewer реализует domain.ViewerDirectory.
func (p *Postgres) GetViewer(ctx context.Context, viewerID string) (domain.Viewer, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		viewer domain.Viewer
		badges []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name, organization, region, badges FROM viewers WHERE id = $1
`, viewerID).Scan(&viewer.ID, &viewer.Name, &viewer.Organization, &viewer.Region, &badges)
	metrics.ObserveNetworkRequest("postgres", "viewer_get", "viewers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Viewer{}, ErrViewerNotFound
	}
	if err != nil {
		return domain.Viewer{}, fmt.Errorf("чтение зрителя: %w", err)
	}
	if len(badges) > 0 {
		if err := json.Unmarshal(badges, &viewer.Badges); err != nil {
			return domain.Viewer{}, fmt.Errorf("разбор значков: %w", err)
		}
	}
	return viewer, nil
}

// publish отправляет событие другим сессиям, best effort.
func (p *Postgres) publish(ctx context.Context, event domain.RealtimeEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.log.Warn().Err(err).Str("kind", string(event.Kind)).Msg("repo: событие не опубликовано")
	}
}

func scanPosts(rows pgx.Rows) ([]domain.Post, error) {
	var posts []domain.Post
	for rows.Next() {
		var (
			post        domain.Post
			parent      sql.NullString
			badges      []byte
			celebration []byte
		)
		err := rows.Scan(
			&post.ID, &parent, &post.Content,
			&post.Author.ID, &post.Author.Name, &post.Author.Organization, &post.Author.Region, &badges,
			&post.LikeCount, &post.ReplyCount, &post.EngagementScore,
			&celebration, &post.CreatedAt,
			&post.UserHasLiked,
		)
		if err != nil {
			return nil, fmt.Errorf("чтение строки поста: %w", err)
		}
		if parent.Valid {
			post.ParentID = parent.String
		}
		if len(badges) > 0 {
			if err := json.Unmarshal(badges, &post.Author.Badges); err != nil {
				return nil, fmt.Errorf("разбор значков: %w", err)
			}
		}
		if len(celebration) > 0 {
			var c domain.Celebration
			if err := json.Unmarshal(celebration, &c); err != nil {
				return nil, fmt.Errorf("разбор celebration: %w", err)
			}
			post.Celebration = &c
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("чтение постов: %w", err)
	}
	return posts, nil
}
