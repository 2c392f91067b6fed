package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errDialRefused = errors.New("dial tcp: connection refused")

// fakeBroker is an in-memory stand-in for a RabbitMQ server. It hands out
// fakeConns from dial and routes published messages to per-queue buffers.
type fakeBroker struct {
	mu        sync.Mutex
	dials     int
	failDials int // remaining dials to fail; negative fails forever
	conns     []*fakeConn
	queues    map[string]chan amqp091.Delivery
	declared  map[string]bool
	exchanges map[string]string
	bindings  []string
	published []publishedMsg
	nextTag   uint64
	inflight  map[uint64]amqp091.Delivery

	acked    [][]byte
	requeued [][]byte
	rejected [][]byte
}

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:    make(map[string]chan amqp091.Delivery),
		declared:  make(map[string]bool),
		exchanges: make(map[string]string),
		inflight:  make(map[uint64]amqp091.Delivery),
	}
}

func (b *fakeBroker) dial(_ string, _ *Options) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		return nil, errDialRefused
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) setFailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) queue(name string) chan amqp091.Delivery {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp091.Delivery, 64)
		b.queues[name] = q
	}
	return q
}

// deliver enqueues body on queue as if a producer had published it.
func (b *fakeBroker) deliver(queue string, body []byte) {
	b.enqueue(queue, body, false)
}

func (b *fakeBroker) enqueue(queue string, body []byte, redelivered bool) {
	b.mu.Lock()
	b.nextTag++
	d := amqp091.Delivery{
		Acknowledger: b,
		DeliveryTag:  b.nextTag,
		Redelivered:  redelivered,
		RoutingKey:   queue,
		Body:         body,
	}
	b.inflight[d.DeliveryTag] = d
	q := b.queue(queue)
	b.mu.Unlock()
	q <- d
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.inflight[tag]
	delete(b.inflight, tag)
	b.acked = append(b.acked, d.Body)
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	d := b.inflight[tag]
	delete(b.inflight, tag)
	if !requeue {
		b.rejected = append(b.rejected, d.Body)
		b.mu.Unlock()
		return nil
	}
	b.requeued = append(b.requeued, d.Body)
	b.mu.Unlock()
	go b.enqueue(d.RoutingKey, d.Body, true)
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

type settleCounts struct {
	acked, requeued, rejected int
}

func (b *fakeBroker) counts() settleCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return settleCounts{acked: len(b.acked), requeued: len(b.requeued), rejected: len(b.rejected)}
}

// unsettled counts deliveries not yet acked or nacked, queued ones included.
func (b *fakeBroker) unsettled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *fakeBroker) publishedMessages() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	closers  []chan *amqp091.Error
	blockers []chan amqp091.Blocking
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp091.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, done: make(chan struct{}), consumers: make(map[string]string), cancels: make(map[string]chan struct{})}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(r chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, r)
	return r
}

func (c *fakeConn) NotifyBlocked(r chan amqp091.Blocking) chan amqp091.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers = append(c.blockers, r)
	return r
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp091.ErrClosed
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the server closing the connection with an error.
func (c *fakeConn) drop() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for _, r := range closers {
		r <- &amqp091.Error{Code: amqp091.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true}
		close(r)
	}
}

func (c *fakeConn) block(active bool) {
	c.mu.Lock()
	blockers := c.blockers
	c.mu.Unlock()
	for _, r := range blockers {
		r <- amqp091.Blocking{Active: active, Reason: "low on memory"}
	}
}

func (c *fakeConn) channel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

type fakeChannel struct {
	broker *fakeBroker

	mu        sync.Mutex
	prefetch  int
	closed    bool
	done      chan struct{}
	closers   []chan *amqp091.Error
	flows     []chan bool
	consumers map[string]string
	cancels   map[string]chan struct{}
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared[name] = durable
	b.queue(name)
	return amqp091.Queue{Name: name}, nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return amqp091.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	b.published = append(b.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	b.mu.Unlock()
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, amqp091.ErrClosed
	}
	ch.consumers[consumer] = queue
	cancel := make(chan struct{})
	ch.cancels[consumer] = cancel
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	src := b.queue(queue)
	b.mu.Unlock()

	// Like amqp091, a cancelled consumer still hands over what it already
	// took from the queue and then closes its delivery channel.
	out := make(chan amqp091.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ch.done:
				return
			case <-cancel:
				return
			case d := <-src:
				select {
				case out <- d:
				case <-ch.done:
					src <- d
					return
				}
			}
		}
	}()
	return out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.consumers, consumer)
	if cancel, ok := ch.cancels[consumer]; ok {
		close(cancel)
		delete(ch.cancels, consumer)
	}
	return nil
}

func (ch *fakeChannel) NotifyClose(r chan *amqp091.Error) chan *amqp091.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closers = append(ch.closers, r)
	return r
}

func (ch *fakeChannel) NotifyFlow(r chan bool) chan bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.flows = append(ch.flows, r)
	return r
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp091.ErrClosed
	}
	ch.closed = true
	close(ch.done)
	for _, r := range ch.closers {
		close(r)
	}
	ch.closers = nil
	return nil
}

func (ch *fakeChannel) flow(active bool) {
	ch.mu.Lock()
	flows := ch.flows
	ch.mu.Unlock()
	for _, r := range flows {
		r <- active
	}
}

func (ch *fakeChannel) consumerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.consumers)
}

func (ch *fakeChannel) prefetchCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func newTestLink(b *fakeBroker, interval time.Duration, maxAttempts int) *Link {
	opts := NewOptions().SetReconnect(interval, maxAttempts)
	l := New(opts, zap.NewNop())
	l.dial = b.dial
	return l
}
