package feedapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedsync/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL, Token: "secret-token"})
	if err != nil {
		t.Fatalf("клиент не создан: %v", err)
	}
	return client
}

func TestLoadPageBuildsQuery(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"viewer": r.URL.Query().Get("viewer"),
			"limit":  r.URL.Query().Get("limit"),
			"offset": r.URL.Query().Get("offset"),
			"sort":   r.URL.Query().Get("sort"),
		}
		json.NewEncoder(w).Encode([]domain.Post{{ID: "p1", LikeCount: 3}})
	}))

	posts, err := client.LoadPage(context.Background(), "v1", domain.PageCursor{Offset: 40, PageSize: 20, SortBy: domain.SortPopular})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if gotPath != "/feed" {
		t.Fatalf("неожиданный путь: %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("неожиданный заголовок авторизации: %q", gotAuth)
	}
	want := map[string]string{"viewer": "v1", "limit": "20", "offset": "40", "sort": "popular"}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Fatalf("параметр %s: ожидали %q, получили %q", k, v, gotQuery[k])
		}
	}
	if len(posts) != 1 || posts[0].ID != "p1" {
		t.Fatalf("неожиданная страница: %+v", posts)
	}
}

func TestLikeTogglesUseRESTSemantics(t *testing.T) {
	type call struct {
		method, path, viewer string
	}
	var calls []call
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ViewerID string `json:"viewer_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, call{r.Method, r.URL.Path, body.ViewerID})
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.AddLike(context.Background(), "v1", "p1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := client.RemoveLike(context.Background(), "v1", "p1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("ожидали два запроса, получили %d", len(calls))
	}
	if calls[0].method != http.MethodPut || calls[0].path != "/posts/p1/like" || calls[0].viewer != "v1" {
		t.Fatalf("неожиданный запрос лайка: %+v", calls[0])
	}
	if calls[1].method != http.MethodDelete || calls[1].path != "/posts/p1/like" {
		t.Fatalf("неожиданный запрос снятия лайка: %+v", calls[1])
	}
}

func TestCreatePostReturnsServerIdentity(t *testing.T) {
	createdAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("некорректное тело: %v", err)
		}
		if req.ViewerID != "v1" || req.ParentID != "p1" || req.Content != "текст" {
			t.Errorf("неожиданный запрос: %+v", req)
		}
		json.NewEncoder(w).Encode(createResponse{ID: "srv-id", CreatedAt: createdAt})
	}))

	created, err := client.CreatePost(context.Background(), "v1", "p1", "текст", nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created.ID != "srv-id" || !created.CreatedAt.Equal(createdAt) {
		t.Fatalf("идентификатор и время должны прийти с сервера: %+v", created)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "пост не существует", http.StatusNotFound)
	}))

	if err := client.AddLike(context.Background(), "v1", "ghost"); err == nil {
		t.Fatalf("ожидали ошибку статуса")
	}
}

func TestGetViewerDecodesBadges(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/viewers/v1" {
			t.Errorf("неожиданный путь: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "v1", "name": "Анна", "organization": "Клуб", "region": "EU",
			"badges": []domain.Badge{{Name: "gold", Rank: 3}},
		})
	}))

	viewer, err := client.GetViewer(context.Background(), "v1")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if viewer.ID != "v1" || len(viewer.Badges) != 1 || viewer.Badges[0].Name != "gold" {
		t.Fatalf("профиль разобран неверно: %+v", viewer)
	}
}
