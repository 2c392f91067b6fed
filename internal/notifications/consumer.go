package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/darkden-lab/notifyd/internal/broker"
)

// MessageLink is the part of *broker.Link the consumer needs.
type MessageLink interface {
	DeclareQueue(name string) error
	BindQueue(queue, exchange, key string) error
	Consume(ctx context.Context, queue string, handler broker.Handler) (string, error)
	Cancel(ctx context.Context, queue, consumerTag string) error
}

// ConsumerConfig describes the work queue and its bindings.
type ConsumerConfig struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
	// Consumers is the number of consumer slots on the queue. Each slot
	// holds at most one unacknowledged message.
	Consumers int
}

// Consumer feeds the work queue into the Router.
type Consumer struct {
	link   MessageLink
	router *Router
	cfg    ConsumerConfig
	logger *zap.Logger

	mu   sync.Mutex
	tags []string
}

func NewConsumer(link MessageLink, router *Router, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{link: link, router: router, cfg: cfg, logger: logger.Named("consumer")}
}

// Start declares the queue, binds it to the exchange for every routing key
// and starts the consumer slots. Calling Start again while running is a
// no-op. The Link re-establishes the slots itself after a reconnect.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tags) > 0 {
		return nil
	}

	if err := c.link.DeclareQueue(c.cfg.Queue); err != nil {
		return err
	}
	if c.cfg.Exchange != "" {
		for _, key := range c.cfg.RoutingKeys {
			if err := c.link.BindQueue(c.cfg.Queue, c.cfg.Exchange, key); err != nil {
				return err
			}
		}
	}

	for i := 0; i < c.cfg.Consumers; i++ {
		tag, err := c.link.Consume(ctx, c.cfg.Queue, c.router.HandleMessage)
		if err != nil {
			c.cancelLocked(ctx)
			return fmt.Errorf("start consumer %d: %w", i, err)
		}
		c.tags = append(c.tags, tag)
	}

	c.logger.Info("consumer: started",
		zap.String("queue", c.cfg.Queue), zap.String("exchange", c.cfg.Exchange),
		zap.Strings("routing_keys", c.cfg.RoutingKeys), zap.Int("slots", len(c.tags)))
	return nil
}

// Stop cancels every consumer slot.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(ctx)
}

func (c *Consumer) cancelLocked(ctx context.Context) error {
	if len(c.tags) == 0 {
		return nil
	}
	c.tags = nil
	return c.link.Cancel(ctx, c.cfg.Queue, "")
}
