package broker

import (
	"context"
	"net"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp091.Connection used by the Link.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	NotifyBlocked(receiver chan amqp091.Blocking) chan amqp091.Blocking
	Close() error
	IsClosed() bool
}

// Channel is the subset of *amqp091.Channel used by the Link.
// *amqp091.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	NotifyFlow(receiver chan bool) chan bool
	Close() error
}

// Dialer opens a transport connection.
type Dialer func(url string, opts *Options) (Connection, error)

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the production Dialer backed by rabbitmq/amqp091-go.
func DialAMQP(url string, opts *Options) (Connection, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := amqp091.DialConfig(url, amqp091.Config{
		TLSClientConfig: opts.TLSConfig,
		Heartbeat:       opts.Heartbeat,
		Dial:            dialer.Dial,
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}
