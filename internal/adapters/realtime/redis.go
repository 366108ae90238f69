package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"feedsync/internal/domain"
)

// RedisSource читает события ленты из Redis Pub/Sub. Подписка живёт до
// Close; go-redis сам переподключается после обрыва соединения.
type RedisSource struct {
	sub *redis.PubSub
	log zerolog.Logger
}

var _ domain.RealtimeSource = (*RedisSource)(nil)

// NewRedisSource подписывается на канал событий.
func NewRedisSource(client *redis.Client, channel string, logger zerolog.Logger) *RedisSource {
	return &RedisSource{
		sub: client.Subscribe(context.Background(), channel),
		log: logger,
	}
}

// Receive блокируется до следующего валидного события. Сообщения,
// которые не разбираются, логируются и пропускаются.
func (s *RedisSource) Receive(ctx context.Context) (domain.RealtimeEvent, error) {
	for {
		msg, err := s.sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.RealtimeEvent{}, ctx.Err()
			}
			return domain.RealtimeEvent{}, fmt.Errorf("чтение pub/sub: %w", err)
		}
		var event domain.RealtimeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.log.Warn().Err(err).Msg("realtime: сообщение не разобрано")
			continue
		}
		return event, nil
	}
}

// Close освобождает подписку.
func (s *RedisSource) Close() error {
	return s.sub.Close()
}

// RedisPublisher публикует события ленты в Redis Pub/Sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ domain.RealtimePublisher = (*RedisPublisher)(nil)

// NewRedisPublisher создаёт издателя.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish реализует domain.RealtimePublisher.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("публикация события: %w", err)
	}
	return nil
}
