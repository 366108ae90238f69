package feed

import (
	"context"
	"errors"
	"time"

	"feedsync/internal/domain"
	"feedsync/internal/infra/metrics"
)

const seenSetCapacity = 1024

// Run читает push-канал до отмены контекста и сворачивает события в
// хранилище. Сбой канала не фатален: движок живёт от кэша и продолжает
// применять события, как только канал восстановится.
func (s *Service) Run(ctx context.Context) {
	if s.source == nil {
		return
	}
	for {
		event, err := s.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn().Err(err).Msg("feed: push-канал недоступен, лента живёт от кэша")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		s.HandleEvent(event)
	}
}

// HandleEvent применяет одно событие push-канала. Некорректные события
// логируются и отбрасываются, наружу не распространяются.
func (s *Service) HandleEvent(event domain.RealtimeEvent) {
	if err := event.Validate(); err != nil {
		s.log.Warn().Err(err).Str("post_id", event.PostID).Msg("feed: событие отброшено")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// доставка at-least-once: уже применённое событие не применяется повторно
	if event.ID != "" && s.seen.contains(event.ID) {
		return
	}

	metrics.RealtimeEventsTotal.WithLabelValues(string(event.Kind)).Inc()

	switch event.Kind {
	case domain.EventPostCreated:
		s.handlePostCreatedLocked(event)
	case domain.EventLikeAdded, domain.EventLikeRemoved:
		s.handleLikeEventLocked(event)
	}

	if event.ID != "" {
		s.seen.add(event.ID)
	}
}

// handlePostCreatedLocked: собственные посты уже вставлены оптимистичным
// мутатором и игнорируются. Чужие посты не вставляются поштучно —
// вместо этого планируется одно отложенное обновление из кэша, чтобы
// всплеск чужих публикаций свернулся в одну загрузку страницы.
func (s *Service) handlePostCreatedLocked(event domain.RealtimeEvent) {
	if event.AuthorID == s.viewer.ID {
		return
	}
	s.scheduleRefreshLocked()
}

// handleLikeEventLocked применяет дельту лайка к верхнему уровню и уже
// загруженным ответам. Флаг зрителя меняется только если действовал
// сам зритель; при этом дельта пропускается, когда локальный флаг уже
// отражает событие — так узнаётся эхо собственного действия этой сессии,
// а лайк из другой активной сессии того же зрителя применяется.
func (s *Service) handleLikeEventLocked(event domain.RealtimeEvent) {
	post, ok := s.store.Get(event.PostID)
	if !ok {
		// пост не загружен: его счётчики приедут со страницей кэша
		s.log.Debug().Str("post_id", event.PostID).Msg("feed: событие лайка для незагруженного поста")
		return
	}

	delta := 1
	liked := true
	if event.Kind == domain.EventLikeRemoved {
		delta = -1
		liked = false
	}

	if event.ActorID == s.viewer.ID {
		if post.UserHasLiked == liked {
			return
		}
		s.store.PatchCounters(event.PostID, domain.CounterDelta{LikeDelta: delta, SetUserLiked: boolPtr(liked)})
		return
	}
	s.store.PatchCounters(event.PostID, domain.CounterDelta{LikeDelta: delta})
}

// scheduleRefreshLocked планирует одно отложенное обновление: события,
// пришедшие внутри окна, новый таймер не заводят.
func (s *Service) scheduleRefreshLocked() {
	if s.refreshTimer != nil {
		return
	}
	s.refreshTimer = time.AfterFunc(s.refreshDelay, func() {
		s.mu.Lock()
		s.refreshTimer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		metrics.DebouncedRefreshTotal.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("feed: отложенное обновление не удалось")
		}
	})
}

// seenSet — ограниченное множество применённых id событий: кольцо
// вытесняет старые записи, защищая от повторной доставки недавнего.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

func (s *seenSet) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
}
