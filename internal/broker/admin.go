package broker

import (
	"fmt"
)

// ExchangeTopic is the exchange kind used for routing-key fan-out.
const ExchangeTopic = "topic"

// DeclareQueue declares a durable queue. Redeclaring an existing queue with
// different arguments surfaces the broker error.
func (l *Link) DeclareQueue(name string) error {
	if name == "" {
		return ErrInvalidQueueName
	}
	return l.withChannel(func(ch Channel) error {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", name, err)
		}
		return nil
	})
}

// DeclareExchange declares a durable exchange of the given kind.
func (l *Link) DeclareExchange(name, kind string) error {
	if name == "" {
		return ErrInvalidExchange
	}
	if kind == "" {
		kind = ExchangeTopic
	}
	return l.withChannel(func(ch Channel) error {
		if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
		return nil
	})
}

// BindQueue declares exchange as a durable topic exchange and binds queue
// to it with the routing key pattern.
func (l *Link) BindQueue(queue, exchange, key string) error {
	if queue == "" {
		return ErrInvalidQueueName
	}
	if err := l.DeclareExchange(exchange, ExchangeTopic); err != nil {
		return err
	}
	return l.withChannel(func(ch Channel) error {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to %q with %q: %w", queue, exchange, key, err)
		}
		return nil
	})
}

func (l *Link) withChannel(fn func(ch Channel) error) error {
	ch, err := l.channel()
	if err != nil {
		return err
	}
	l.chMu.Lock()
	defer l.chMu.Unlock()
	return fn(ch)
}
