package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"feedsync/internal/infra/metrics"
	"feedsync/internal/usecase/feed"
)

// sessionRegistry держит по движку ленты на аутентифицированного
// зрителя. Движок создаётся лениво на первом запросе, сразу делает
// первую загрузку и слушает push-канал, пока сервис не остановят.
type sessionRegistry struct {
	appCtx context.Context
	log    zerolog.Logger
	build  func(ctx context.Context, viewerID string) (*feed.Service, error)

	mu       sync.Mutex
	sessions map[string]*viewerSession
}

type viewerSession struct {
	engine *feed.Service
	cancel context.CancelFunc
}

func newSessionRegistry(appCtx context.Context, logger zerolog.Logger, build func(ctx context.Context, viewerID string) (*feed.Service, error)) *sessionRegistry {
	return &sessionRegistry{
		appCtx:   appCtx,
		log:      logger,
		build:    build,
		sessions: make(map[string]*viewerSession),
	}
}

// engine возвращает движок зрителя, создавая его при первом обращении.
func (r *sessionRegistry) engine(ctx context.Context, viewerID string) (*feed.Service, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[viewerID]; ok {
		r.mu.Unlock()
		return sess.engine, nil
	}
	r.mu.Unlock()

	engine, err := r.build(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if sess, ok := r.sessions[viewerID]; ok {
		// параллельный запрос успел раньше
		r.mu.Unlock()
		_ = engine.Close()
		return sess.engine, nil
	}
	runCtx, cancel := context.WithCancel(r.appCtx)
	r.sessions[viewerID] = &viewerSession{engine: engine, cancel: cancel}
	r.mu.Unlock()

	metrics.EngineSessions.Inc()
	go engine.Run(runCtx)

	if err := engine.Refresh(ctx); err != nil {
		r.log.Warn().Err(err).Str("viewer", viewerID).Msg("feedd: первая загрузка ленты не удалась")
	}
	return engine, nil
}

// closeAll останавливает все движки и освобождает их подписки.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*viewerSession)
	r.mu.Unlock()

	for viewerID, sess := range sessions {
		sess.cancel()
		if err := sess.engine.Close(); err != nil {
			r.log.Warn().Err(err).Str("viewer", viewerID).Msg("feedd: движок закрыт с ошибкой")
		}
		metrics.EngineSessions.Dec()
	}
}
