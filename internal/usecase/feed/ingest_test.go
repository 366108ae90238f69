package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"feedsync/internal/domain"
)

// Сценарий D: всплеск чужих post-created внутри окна склейки даёт ровно
// одну загрузку страницы.
func TestForeignPostsCoalesceIntoOneRefresh(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 0, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if be.loads() != 1 {
		t.Fatalf("ожидали одну начальную загрузку, получили %d", be.loads())
	}

	for _, id := range []string{"n1", "n2", "n3"} {
		svc.HandleEvent(domain.RealtimeEvent{
			ID:       "ev-" + id,
			Kind:     domain.EventPostCreated,
			PostID:   id,
			AuthorID: "someone-else",
		})
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for be.loads() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// даём шанс лишним таймерам сработать
	time.Sleep(3 * svc.refreshDelay)
	if got := be.loads(); got != 2 {
		t.Fatalf("три события должны свернуться в одно обновление: %d загрузок", got)
	}
}

func TestOwnPostCreatedDoesNotScheduleRefresh(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 0, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{
		ID: "ev-own", Kind: domain.EventPostCreated, PostID: "p77", AuthorID: testViewer.ID,
	})
	time.Sleep(3 * svc.refreshDelay)
	if got := be.loads(); got != 1 {
		t.Fatalf("эхо собственного поста не должно трогать сервер: %d загрузок", got)
	}
}

// Свойство идемпотентности: событие с тем же id применяется один раз.
func TestDuplicateEventAppliedOnce(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	ev := domain.RealtimeEvent{ID: "ev-1", Kind: domain.EventLikeAdded, PostID: "p1", ActorID: "other"}
	svc.HandleEvent(ev)
	svc.HandleEvent(ev)

	got, _ := svc.store.Get("p1")
	if got.LikeCount != 4 {
		t.Fatalf("повторная доставка не должна удваивать дельту: %d", got.LikeCount)
	}
}

func TestForeignLikeKeepsViewerFlag(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{ID: "e1", Kind: domain.EventLikeAdded, PostID: "p1", ActorID: "other"})
	got, _ := svc.store.Get("p1")
	if got.LikeCount != 4 || got.UserHasLiked {
		t.Fatalf("чужой лайк не меняет флаг зрителя: %d/%v", got.LikeCount, got.UserHasLiked)
	}
}

// Эхо собственного лайка этой сессии: локальный флаг уже отражает
// событие, дельта пропускается.
func TestOwnLikeEchoSkipped(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.ToggleLike(context.Background(), "p1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{ID: "echo", Kind: domain.EventLikeAdded, PostID: "p1", ActorID: testViewer.ID})
	got, _ := svc.store.Get("p1")
	if got.LikeCount != 4 || !got.UserHasLiked {
		t.Fatalf("эхо не должно удваивать оптимистичную дельту: %d/%v", got.LikeCount, got.UserHasLiked)
	}
}

// Лайк того же зрителя из другой активной сессии: локальный флаг ещё не
// выставлен, событие применяется вместе с флагом.
func TestOwnLikeFromOtherSessionApplied(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{ID: "s2", Kind: domain.EventLikeAdded, PostID: "p1", ActorID: testViewer.ID})
	got, _ := svc.store.Get("p1")
	if got.LikeCount != 4 || !got.UserHasLiked {
		t.Fatalf("лайк из другой сессии должен применить и дельту, и флаг: %d/%v", got.LikeCount, got.UserHasLiked)
	}
}

func TestLikeEventReachesLoadedReply(t *testing.T) {
	parent := post("p1", 0, 1)
	parent.Replies = []domain.Post{post("r1", 2, 0)}
	be := &stubBackend{pages: map[int][]domain.Post{0: {parent}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{ID: "er", Kind: domain.EventLikeAdded, PostID: "r1", ActorID: "other"})
	got, _ := svc.store.Get("r1")
	if got.LikeCount != 3 {
		t.Fatalf("дельта должна дойти до загруженного ответа: %d", got.LikeCount)
	}
}

func TestLikeRemovedFloorsAtZero(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 0, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	svc.HandleEvent(domain.RealtimeEvent{ID: "neg", Kind: domain.EventLikeRemoved, PostID: "p1", ActorID: "other"})
	got, _ := svc.store.Get("p1")
	if got.LikeCount != 0 {
		t.Fatalf("счётчик не опускается ниже нуля: %d", got.LikeCount)
	}
}

func TestMalformedEventsDropped(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	before, _ := svc.store.Get("p1")

	svc.HandleEvent(domain.RealtimeEvent{ID: "m1", Kind: domain.EventLikeAdded, PostID: ""})
	svc.HandleEvent(domain.RealtimeEvent{ID: "m2", Kind: domain.EventLikeAdded, PostID: "p1"})
	svc.HandleEvent(domain.RealtimeEvent{ID: "m3", Kind: "unknown", PostID: "p1", ActorID: "other"})

	after, _ := svc.store.Get("p1")
	if before.LikeCount != after.LikeCount || before.UserHasLiked != after.UserHasLiked {
		t.Fatalf("некорректные события не должны менять хранилище")
	}
}

func TestLikeEventForUnloadedPostIgnored(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	svc := newTestService(t, be)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	version := svc.State().Version

	svc.HandleEvent(domain.RealtimeEvent{ID: "u1", Kind: domain.EventLikeAdded, PostID: "ghost", ActorID: "other"})
	if svc.State().Version != version {
		t.Fatalf("событие незагруженного поста не должно трогать хранилище")
	}
}

// flakySource отдаёт несколько ошибок подряд, затем события из канала.
type flakySource struct {
	mu       sync.Mutex
	failures int
	events   chan domain.RealtimeEvent
}

func (s *flakySource) Receive(ctx context.Context) (domain.RealtimeEvent, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return domain.RealtimeEvent{}, errors.New("канал недоступен")
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return domain.RealtimeEvent{}, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	}
}

func (s *flakySource) Close() error { return nil }

// Сбой push-канала не фатален: лента живёт от кэша, а после
// восстановления канала события снова сворачиваются в хранилище.
func TestRunResumesAfterSourceFailures(t *testing.T) {
	be := &stubBackend{pages: map[int][]domain.Post{0: {post("p1", 3, 0)}}}
	source := &flakySource{failures: 3, events: make(chan domain.RealtimeEvent, 1)}
	svc := newTestService(t, be, func(cfg *Config) { cfg.Source = source })
	svc.retryDelay = time.Millisecond
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	source.events <- domain.RealtimeEvent{ID: "e1", Kind: domain.EventLikeAdded, PostID: "p1", ActorID: "other"}

	likeCount := func() int {
		state := svc.State()
		if len(state.Posts) == 0 {
			return -1
		}
		return state.Posts[0].LikeCount
	}
	deadline := time.Now().Add(time.Second)
	for likeCount() != 4 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := likeCount(); got != 4 {
		t.Fatalf("событие после восстановления канала должно примениться: %d", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run должен завершиться по отмене контекста")
	}
}

func TestSeenSetEvictsOldEntries(t *testing.T) {
	set := newSeenSet(2)
	set.add("a")
	set.add("b")
	set.add("c")
	if set.contains("a") {
		t.Fatalf("старейшая запись должна вытесниться")
	}
	if !set.contains("b") || !set.contains("c") {
		t.Fatalf("недавние записи должны остаться")
	}
}
