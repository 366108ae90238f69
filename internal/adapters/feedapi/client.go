package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedsync/internal/domain"
	"feedsync/internal/infra/metrics"
)

const defaultTimeout = 10 * time.Second

// Config описывает подключение к удалённому API ленты.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client реализует серверные эндпоинты ленты поверх удалённого
// JSON API. Чтения идемпотентны; тоггл лайка идемпотентен на стороне
// сервера по ключу (viewer, post).
type Client struct {
	client  *http.Client
	baseURL *url.URL
	token   string
}

var (
	_ domain.FeedReader      = (*Client)(nil)
	_ domain.ThreadReader    = (*Client)(nil)
	_ domain.LikeWriter      = (*Client)(nil)
	_ domain.PostWriter      = (*Client)(nil)
	_ domain.ViewerDirectory = (*Client)(nil)
)

// NewClient создаёт клиента API ленты.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("пустой адрес API ленты")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("разбор адреса API: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		token:   cfg.Token,
	}, nil
}

// LoadPage реализует domain.FeedReader.
func (c *Client) LoadPage(ctx context.Context, viewerID string, cursor domain.PageCursor) ([]domain.Post, error) {
	q := url.Values{}
	q.Set("viewer", viewerID)
	q.Set("limit", strconv.Itoa(cursor.PageSize))
	q.Set("offset", strconv.Itoa(cursor.Offset))
	q.Set("sort", string(cursor.SortBy))

	var posts []domain.Post
	if err := c.do(ctx, http.MethodGet, "/feed?"+q.Encode(), "feed_page", nil, &posts); err != nil {
		return nil, fmt.Errorf("чтение страницы ленты: %w", err)
	}
	return posts, nil
}

// LoadThread реализует domain.ThreadReader.
func (c *Client) LoadThread(ctx context.Context, viewerID, parentID string, limit, offset int) ([]domain.Post, error) {
	q := url.Values{}
	q.Set("viewer", viewerID)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var posts []domain.Post
	path := "/threads/" + url.PathEscape(parentID) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, "thread_page", nil, &posts); err != nil {
		return nil, fmt.Errorf("чтение ветки: %w", err)
	}
	return posts, nil
}

// AddLike реализует domain.LikeWriter.
func (c *Client) AddLike(ctx context.Context, viewerID, postID string) error {
	body := map[string]string{"viewer_id": viewerID}
	path := "/posts/" + url.PathEscape(postID) + "/like"
	if err := c.do(ctx, http.MethodPut, path, "like_add", body, nil); err != nil {
		return fmt.Errorf("постановка лайка: %w", err)
	}
	return nil
}

// RemoveLike реализует domain.LikeWriter.
func (c *Client) RemoveLike(ctx context.Context, viewerID, postID string) error {
	body := map[string]string{"viewer_id": viewerID}
	path := "/posts/" + url.PathEscape(postID) + "/like"
	if err := c.do(ctx, http.MethodDelete, path, "like_remove", body, nil); err != nil {
		return fmt.Errorf("снятие лайка: %w", err)
	}
	return nil
}

type createRequest struct {
	ViewerID    string              `json:"viewer_id"`
	ParentID    string              `json:"parent_id,omitempty"`
	Content     string              `json:"content"`
	Celebration *domain.Celebration `json:"celebration,omitempty"`
}

type createResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePost реализует domain.PostWriter.
func (c *Client) CreatePost(ctx context.Context, viewerID, parentID, content string, celebration *domain.Celebration) (domain.CreatedPost, error) {
	req := createRequest{ViewerID: viewerID, ParentID: parentID, Content: content, Celebration: celebration}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/posts", "post_create", req, &resp); err != nil {
		return domain.CreatedPost{}, fmt.Errorf("создание поста: %w", err)
	}
	return domain.CreatedPost{ID: resp.ID, CreatedAt: resp.CreatedAt}, nil
}

// GetViewer реализует domain.ViewerDirectory.
func (c *Client) GetViewer(ctx context.Context, viewerID string) (domain.Viewer, error) {
	var viewer struct {
		ID           string         `json:"id"`
		Name         string         `json:"name"`
		Organization string         `json:"organization"`
		Region       string         `json:"region"`
		Badges       []domain.Badge `json:"badges"`
	}
	if err := c.do(ctx, http.MethodGet, "/viewers/"+url.PathEscape(viewerID), "viewer_get", nil, &viewer); err != nil {
		return domain.Viewer{}, fmt.Errorf("чтение зрителя: %w", err)
	}
	return domain.Viewer{
		ID:           viewer.ID,
		Name:         viewer.Name,
		Organization: viewer.Organization,
		Region:       viewer.Region,
		Badges:       viewer.Badges,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path, operation string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("сериализация запроса: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveNetworkRequest("feedapi", operation, c.baseURL.Host, start, err)
	if err != nil {
		return fmt.Errorf("выполнение запроса: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("статус %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("разбор ответа: %w", err)
	}
	return nil
}
