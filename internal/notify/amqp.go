package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink mirrors hub events to a topic exchange so external consumers
// (CRM sync, analytics) can follow assignment activity. Delivery is
// best-effort: a broker failure is logged and the event dropped.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPSink connects to the broker and declares the topic exchange.
func NewAMQPSink(log *slog.Logger, url, exchange string) (*AMQPSink, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPSink{
		conn:     conn,
		exchange: exchange,
		logger:   log.With(slog.String("component", "notify.amqp")),
	}, nil
}

// Publish mirrors one event. The routing key is "<tenant topic>.<event type>".
func (s *AMQPSink) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal event failed", slog.Any("error", err))
		return
	}
	ch, err := s.conn.Channel()
	if err != nil {
		s.logger.Warn("amqp channel failed", slog.Any("error", err))
		return
	}
	defer ch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := TenantTopic(evt.TenantID) + "." + evt.Type
	err = ch.PublishWithContext(
		ctx, s.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    evt.ID,
			Timestamp:    evt.At,
			Body:         body,
		},
	)
	if err != nil {
		s.logger.Warn("amqp publish failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Close shuts the broker connection down.
func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
