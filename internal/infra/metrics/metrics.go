package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EngineOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feed_engine_operation_duration_seconds",
		Help:    "Длительность операций движка ленты",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	EngineOperationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_engine_operation_total",
		Help: "Количество операций движка ленты",
	}, []string{"operation", "status"})

	RealtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_realtime_events_total",
		Help: "События push-канала по типам",
	}, []string{"kind"})

	OptimisticRollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_optimistic_rollbacks_total",
		Help: "Откаты оптимистичных мутаций после ошибки записи",
	})

	DebouncedRefreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_debounced_refresh_total",
		Help: "Отложенные обновления ленты, склеенные из чужих post-created",
	})

	EngineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_engine_sessions",
		Help: "Активные движки зрителей",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		EngineOperationDuration,
		EngineOperationTotal,
		RealtimeEventsTotal,
		OptimisticRollbacksTotal,
		DebouncedRefreshTotal,
		EngineSessions,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// Sink реализует domain.PerfSink поверх Prometheus: fire-and-forget,
// сбои стока на ленту не влияют.
type Sink struct{}

// Observe записывает операцию движка.
func (Sink) Observe(operation string, duration time.Duration, success bool, _ map[string]string) {
	status := "success"
	if !success {
		status = "error"
	}
	EngineOperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	EngineOperationTotal.WithLabelValues(operation, status).Inc()
}
