package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Message is one inbound delivery as seen by a Handler.
type Message struct {
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// Handler processes a message. Returning nil acks the delivery. Any other
// error nacks it with requeue, unless the error was wrapped with Permanent,
// in which case it is dropped.
type Handler func(ctx context.Context, msg Message) error

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeReject
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeRequeue:
		return "nack_requeue"
	default:
		return "nack_drop"
	}
}

type consumer struct {
	tag     string
	queue   string
	handler Handler

	// busy keeps one delivery in flight per consumer across reconnects.
	busy      sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *consumer) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *consumer) cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Consume starts a consumer on queue and returns its tag. Deliveries are
// handled one at a time on a dedicated goroutine. The consumer survives
// reconnects until Cancel or Close.
func (l *Link) Consume(ctx context.Context, queue string, handler Handler) (string, error) {
	if queue == "" {
		return "", ErrInvalidQueueName
	}
	if handler == nil {
		return "", ErrNilHandler
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := &consumer{
		tag:     "notifyd-" + uuid.New().String(),
		queue:   queue,
		handler: handler,
		done:    make(chan struct{}),
	}

	if err := l.startConsumer(c); err != nil {
		return "", err
	}

	l.consumersMu.Lock()
	l.consumers[c.tag] = c
	l.consumersMu.Unlock()

	l.logger.Info("broker: consumer started", zap.String("queue", queue), zap.String("tag", c.tag))
	return c.tag, nil
}

// Cancel stops the consumer with the given tag, or every consumer of queue
// when consumerTag is empty. Deliveries the server pushed before the cancel
// took effect are nacked with requeue.
func (l *Link) Cancel(ctx context.Context, queue, consumerTag string) error {
	if queue == "" && consumerTag == "" {
		return ErrInvalidQueueName
	}

	l.consumersMu.Lock()
	var matched []*consumer
	for tag, c := range l.consumers {
		if consumerTag != "" && tag != consumerTag {
			continue
		}
		if consumerTag == "" && c.queue != queue {
			continue
		}
		matched = append(matched, c)
		delete(l.consumers, tag)
	}
	l.consumersMu.Unlock()

	if len(matched) == 0 {
		return ErrNoConsumer
	}

	var errs []error
	for _, c := range matched {
		c.close()
		err := l.withChannel(func(ch Channel) error {
			return ch.Cancel(c.tag, false)
		})
		if errors.Is(err, ErrNotConnected) {
			continue
		}
		if err != nil {
			l.logger.Warn("broker: cancel failed", zap.String("tag", c.tag), zap.Error(err))
			errs = append(errs, fmt.Errorf("cancel %s: %w", c.tag, err))
			continue
		}
		l.logger.Info("broker: consumer cancelled", zap.String("queue", c.queue), zap.String("tag", c.tag))
	}
	return errors.Join(errs...)
}

func (l *Link) startConsumer(c *consumer) error {
	var deliveries <-chan amqp091.Delivery
	err := l.withChannel(func(ch Channel) error {
		var err error
		deliveries, err = ch.Consume(c.queue, c.tag, false, false, false, false, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("consume %q: %w", c.queue, err)
	}
	go l.consumeLoop(c, deliveries)
	return nil
}

func (l *Link) resumeConsumers() error {
	l.consumersMu.Lock()
	consumers := make([]*consumer, 0, len(l.consumers))
	for _, c := range l.consumers {
		consumers = append(consumers, c)
	}
	l.consumersMu.Unlock()

	for _, c := range consumers {
		if err := l.startConsumer(c); err != nil {
			return err
		}
		l.logger.Info("broker: consumer resumed", zap.String("queue", c.queue), zap.String("tag", c.tag))
	}
	return nil
}

// consumeLoop runs until deliveries is closed, which happens after the
// server confirms the cancel or the channel goes away. Every delivery it
// receives is settled.
func (l *Link) consumeLoop(c *consumer, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-l.stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.busy.Lock()
			o := outcomeRequeue
			if !c.cancelled() {
				o = l.handle(c, d)
			}
			l.settle(c, d, o)
			c.busy.Unlock()
		}
	}
}

func (l *Link) handle(c *consumer, d amqp091.Delivery) (o outcome) {
	if !json.Valid(d.Body) {
		l.logger.Warn("broker: dropping malformed message",
			zap.String("queue", c.queue), zap.Uint64("delivery_tag", d.DeliveryTag))
		return outcomeReject
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("broker: handler panic",
				zap.String("queue", c.queue), zap.Any("panic", r), zap.Stack("stack"))
			o = outcomeRequeue
		}
	}()

	err := c.handler(l.ctx, Message{
		Body:        d.Body,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
	})
	switch {
	case err == nil:
		return outcomeAck
	case IsPermanent(err):
		l.logger.Warn("broker: handler rejected message",
			zap.String("queue", c.queue), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return outcomeReject
	default:
		l.logger.Warn("broker: handler failed, requeueing",
			zap.String("queue", c.queue), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return outcomeRequeue
	}
}

func (l *Link) settle(c *consumer, d amqp091.Delivery, o outcome) {
	l.chMu.Lock()
	defer l.chMu.Unlock()

	var err error
	switch o {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		l.logger.Warn("broker: settle failed",
			zap.String("queue", c.queue), zap.Stringer("outcome", o), zap.Error(err))
	}
}
