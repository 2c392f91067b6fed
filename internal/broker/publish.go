package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publish declares queue and sends payload to it as a persistent JSON
// message. payload is JSON-encoded; pass a json.RawMessage to send bytes that
// are already encoded.
//
// The boolean is false while the broker is applying backpressure (channel
// flow or connection blocked); the message was not sent and the caller may
// retry later. That case is not an error.
func (l *Link) Publish(ctx context.Context, queue string, payload any) (bool, error) {
	if queue == "" {
		return false, ErrInvalidQueueName
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	if err := l.DeclareQueue(queue); err != nil {
		return false, err
	}
	return l.publish(ctx, "", queue, body)
}

// PublishToExchange sends payload to exchange with the routing key. The
// exchange is declared as a durable topic exchange first. An empty exchange
// addresses the queue named by key directly, as Publish does.
func (l *Link) PublishToExchange(ctx context.Context, exchange, key string, payload any) (bool, error) {
	if exchange == "" {
		return l.Publish(ctx, key, payload)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	if err := l.DeclareExchange(exchange, ExchangeTopic); err != nil {
		return false, err
	}
	return l.publish(ctx, exchange, key, body)
}

func (l *Link) publish(ctx context.Context, exchange, key string, body []byte) (bool, error) {
	if l.isPaused() {
		l.logger.Warn("broker: publish deferred, broker applying backpressure",
			zap.String("exchange", exchange), zap.String("key", key))
		return false, nil
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	err := l.withChannel(func(ch Channel) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	})
	if err != nil {
		return false, fmt.Errorf("publish to %q/%q: %w", exchange, key, err)
	}
	return true, nil
}
