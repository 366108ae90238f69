package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"feedsync/internal/adapters/feedapi"
	"feedsync/internal/adapters/feedcache"
	"feedsync/internal/adapters/realtime"
	"feedsync/internal/adapters/repo"
	"feedsync/internal/domain"
	"feedsync/internal/infra/cache"
	"feedsync/internal/infra/config"
	"feedsync/internal/infra/db"
	httpinfra "feedsync/internal/infra/http"
	applog "feedsync/internal/infra/log"
	"feedsync/internal/infra/metrics"
	"feedsync/internal/usecase/feed"
)

// backend собирает серверные эндпоинты ленты в одном месте.
type backend struct {
	reader    domain.FeedReader
	threads   domain.ThreadReader
	likes     domain.LikeWriter
	writer    domain.PostWriter
	directory domain.ViewerDirectory
}

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	if cfg.SessionSecret == "" {
		logger.Fatal().Msg("feedd: не задан секрет сессии (SESSION_SECRET)")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// push-канал: издатель для бэкенда и фабрика подписок для движков
	var (
		publisher     domain.RealtimePublisher
		sourceFactory func() (domain.RealtimeSource, error)
	)
	switch cfg.Realtime.Transport {
	case "redis":
		if redisClient == nil {
			logger.Fatal().Msg("feedd: для realtime по Redis нужен REDIS_ADDR")
		}
		publisher = realtime.NewRedisPublisher(redisClient, cfg.Realtime.Channel)
		sourceFactory = func() (domain.RealtimeSource, error) {
			return realtime.NewRedisSource(redisClient, cfg.Realtime.Channel, logger.With().Str("component", "realtime").Logger()), nil
		}
	case "rabbitmq":
		if cfg.Realtime.RabbitURL == "" {
			logger.Fatal().Msg("feedd: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		conn, err := amqp.Dial(cfg.Realtime.RabbitURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("feedd: нет подключения к RabbitMQ")
		}
		defer conn.Close()
		publisher, err = realtime.NewRabbitPublisher(conn, cfg.Realtime.Channel)
		if err != nil {
			logger.Fatal().Err(err).Msg("feedd: издатель RabbitMQ не создан")
		}
		rabbitURL := cfg.Realtime.RabbitURL
		exchange := cfg.Realtime.Channel
		rtLogger := logger.With().Str("component", "realtime").Logger()
		sourceFactory = func() (domain.RealtimeSource, error) {
			return realtime.NewRabbitSource(rabbitURL, exchange, rtLogger)
		}
	case "off":
		logger.Warn().Msg("feedd: push-канал выключен, лента живёт только от кэша")
	default:
		logger.Fatal().Str("transport", cfg.Realtime.Transport).Msg("feedd: неизвестный realtime-транспорт")
	}

	be, err := buildBackend(cfg, publisher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("feedd: бэкенд ленты не собран")
	}

	// чтение страниц идёт через TTL-кэш, если доступен Redis
	if redisClient != nil {
		be.reader = feedcache.NewReader(
			be.reader,
			cache.NewRedis(redisClient),
			cfg.Feed.CacheTTL,
			logger.With().Str("component", "feedcache").Logger(),
		)
	}

	sortBy := domain.SortMode(cfg.Feed.SortBy)
	if !sortBy.Valid() {
		logger.Fatal().Str("sort", cfg.Feed.SortBy).Msg("feedd: неизвестная сортировка ленты")
	}

	registry := newSessionRegistry(ctx, logger, func(ctx context.Context, viewerID string) (*feed.Service, error) {
		viewer, err := be.directory.GetViewer(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("профиль зрителя: %w", err)
		}
		var source domain.RealtimeSource
		if sourceFactory != nil {
			source, err = sourceFactory()
			if err != nil {
				return nil, fmt.Errorf("подписка на события: %w", err)
			}
		}
		return feed.NewService(feed.Config{
			Reader:         be.reader,
			Threads:        be.threads,
			Likes:          be.likes,
			Writer:         be.writer,
			Source:         source,
			Perf:           metrics.Sink{},
			Viewer:         viewer,
			PageSize:       cfg.Feed.PageSize,
			ThreadPageSize: cfg.Feed.ThreadPageSize,
			SortBy:         sortBy,
			RefreshDelay:   cfg.Feed.RefreshDelay,
			Logger:         logger.With().Str("component", "feed").Str("viewer", viewerID).Logger(),
		}), nil
	})

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerRoutes(server.Router, registry, cfg.SessionSecret)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("feedd: HTTP сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("feedd: останавливаемся")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("feedd: HTTP сервер не завершился корректно")
	}
	registry.closeAll()
}

func buildBackend(cfg config.AppConfig, publisher domain.RealtimePublisher, logger zerolog.Logger) (backend, error) {
	switch {
	case cfg.PGDSN != "":
		pool, err := db.Connect(cfg.PGDSN)
		if err != nil {
			return backend{}, fmt.Errorf("подключение к БД: %w", err)
		}
		pg := repo.NewPostgres(pool, publisher, logger.With().Str("component", "repo").Logger())
		return backend{reader: pg, threads: pg, likes: pg, writer: pg, directory: pg}, nil
	case cfg.FeedAPI.BaseURL != "":
		client, err := feedapi.NewClient(feedapi.Config{
			BaseURL: cfg.FeedAPI.BaseURL,
			Token:   cfg.FeedAPI.Token,
			Timeout: cfg.FeedAPI.Timeout,
		})
		if err != nil {
			return backend{}, fmt.Errorf("клиент API ленты: %w", err)
		}
		return backend{reader: client, threads: client, likes: client, writer: client, directory: client}, nil
	default:
		return backend{}, fmt.Errorf("не задан ни PG_DSN, ни FEED_API_URL")
	}
}
