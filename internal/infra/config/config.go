package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса ленты.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	FeedAPI struct {
		BaseURL string        `envconfig:"FEED_API_URL"`
		Token   string        `envconfig:"FEED_API_TOKEN"`
		Timeout time.Duration `envconfig:"FEED_API_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Realtime struct {
		// Transport: redis, rabbitmq или off.
		Transport string `envconfig:"REALTIME_TRANSPORT" default:"redis"`
		// Channel — имя pub/sub-канала Redis или fanout-обменника RabbitMQ.
		Channel   string `envconfig:"REALTIME_CHANNEL" default:"feed_events"`
		RabbitURL string `envconfig:"RABBITMQ_URL"`
	} `envconfig:""`

	Feed struct {
		PageSize       int           `envconfig:"FEED_PAGE_SIZE" default:"20"`
		ThreadPageSize int           `envconfig:"FEED_THREAD_PAGE_SIZE" default:"50"`
		SortBy         string        `envconfig:"FEED_SORT_BY" default:"recent"`
		CacheTTL       time.Duration `envconfig:"FEED_CACHE_TTL" default:"2m"`
		RefreshDelay   time.Duration `envconfig:"FEED_REFRESH_DELAY" default:"5s"`
	} `envconfig:""`

	SessionSecret string `envconfig:"SESSION_SECRET"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
