package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"feedsync/internal/domain"
)

// ErrSourceClosed возвращается после освобождения подписки.
var ErrSourceClosed = errors.New("подписка на события закрыта")

// RabbitSource читает события ленты из RabbitMQ: fanout-обменник, у
// каждой сессии своя эксклюзивная очередь. После обрыва соединения
// Receive пробует переподключиться.
type RabbitSource struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

var _ domain.RealtimeSource = (*RabbitSource)(nil)

// NewRabbitSource подключается к RabbitMQ и подписывается на обменник.
func NewRabbitSource(url, exchange string, logger zerolog.Logger) (*RabbitSource, error) {
	s := &RabbitSource{url: url, exchange: exchange, log: logger}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RabbitSource) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("открытие канала: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("объявление обменника: %w", err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("объявление очереди: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", s.exchange, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("привязка очереди: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("подписка на очередь: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.ch = ch
	s.deliveries = deliveries
	s.mu.Unlock()
	return nil
}

// Receive блокируется до следующего валидного события. Сообщения,
// которые не разбираются, пропускаются; после обрыва соединения
// выполняется одна попытка переподключения, дальше решает вызывающий.
func (s *RabbitSource) Receive(ctx context.Context) (domain.RealtimeEvent, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return domain.RealtimeEvent{}, ErrSourceClosed
		}
		deliveries := s.deliveries
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.RealtimeEvent{}, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				s.log.Warn().Msg("realtime: соединение с rabbitmq потеряно")
				if err := s.connect(); err != nil {
					return domain.RealtimeEvent{}, err
				}
				continue
			}
			var event domain.RealtimeEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				s.log.Warn().Err(err).Msg("realtime: сообщение не разобрано")
				continue
			}
			return event, nil
		}
	}
}

// Close освобождает подписку и соединение.
func (s *RabbitSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// RabbitPublisher публикует события ленты в fanout-обменник.
type RabbitPublisher struct {
	ch       *amqp.Channel
	exchange string
}

var _ domain.RealtimePublisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher создаёт издателя на уже открытом соединении.
func NewRabbitPublisher(conn *amqp.Connection, exchange string) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("объявление обменника: %w", err)
	}
	return &RabbitPublisher{ch: ch, exchange: exchange}, nil
}

// Publish реализует domain.RealtimePublisher.
func (p *RabbitPublisher) Publish(ctx context.Context, event domain.RealtimeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("публикация события: %w", err)
	}
	return nil
}
