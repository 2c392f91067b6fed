package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errClosedByPeer = errors.New("closed without error")

// Link owns the connection and channel to RabbitMQ. It reconnects with
// exponential backoff after transport failures and re-establishes its
// consumers on the new channel. A Link is safe for concurrent use.
type Link struct {
	opts   *Options
	dial   Dialer
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	attempt   uint
	lastErr   error
	exhausted bool
	conn      Connection
	ch        Channel
	gen       uint64
	paused    bool
	timer     *time.Timer

	// chMu serializes operations on the current channel.
	chMu sync.Mutex

	consumersMu sync.Mutex
	consumers   map[string]*consumer

	ctx      context.Context
	cancel   context.CancelFunc
	fatal    chan error
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Link. Nothing is dialed until Connect is called.
func New(opts *Options, logger *zap.Logger) *Link {
	if opts == nil {
		opts = NewOptions()
	}
	opts.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		opts:      opts,
		dial:      DialAMQP,
		logger:    logger.Named("broker"),
		state:     StateDisconnected,
		consumers: make(map[string]*consumer),
		ctx:       ctx,
		cancel:    cancel,
		fatal:     make(chan error, 1),
		stop:      make(chan struct{}),
	}
}

// Connect dials the broker, opens a channel and applies the prefetch limit.
// On failure the reconnect procedure is started in the background and the
// dial error is returned.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	switch {
	case l.state == StateShuttingDown:
		l.mu.Unlock()
		return ErrShuttingDown
	case l.exhausted:
		l.mu.Unlock()
		return ErrExhausted
	case l.state == StateConnected, l.state == StateConnecting:
		l.mu.Unlock()
		return nil
	}
	l.state = StateConnecting
	l.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = l.connectOnce()
	}
	if err != nil {
		l.mu.Lock()
		l.retryLocked(err)
		l.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Status returns a snapshot of the connection state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:     l.state,
		Attempt:   l.attempt,
		LastError: l.lastErr,
		Exhausted: l.exhausted,
	}
}

// Fatal delivers one error when reconnect attempts are exhausted.
func (l *Link) Fatal() <-chan error {
	return l.fatal
}

// Close stops reconnection and releases the channel and the connection.
// Close never fails; teardown errors are logged as warnings.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state == StateShuttingDown {
		l.mu.Unlock()
		return
	}
	l.state = StateShuttingDown
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	ch, conn := l.ch, l.conn
	l.ch, l.conn = nil, nil
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stop) })
	l.cancel()

	l.consumersMu.Lock()
	for tag, c := range l.consumers {
		c.close()
		delete(l.consumers, tag)
	}
	l.consumersMu.Unlock()

	l.release(ch, conn)
	l.logger.Info("broker: link closed")
}

func (l *Link) connectOnce() error {
	conn, err := l.dial(l.opts.URL, l.opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(l.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	l.mu.Lock()
	if l.state == StateShuttingDown {
		l.mu.Unlock()
		l.release(ch, conn)
		return ErrShuttingDown
	}
	l.conn = conn
	l.ch = ch
	l.gen++
	gen := l.gen
	l.state = StateConnected
	l.attempt = 0
	l.lastErr = nil
	l.paused = false
	l.mu.Unlock()

	l.watch(gen, conn, ch)
	l.logger.Info("broker: connected", zap.Int("prefetch", l.opts.Prefetch))

	if err := l.resumeConsumers(); err != nil {
		l.logger.Warn("broker: failed to resume consumers", zap.Error(err))
		l.handleClose(gen, "consumer", err)
		return nil
	}

	if l.opts.OnConnect != nil {
		go l.opts.OnConnect()
	}
	return nil
}

// watch listens for asynchronous close and flow-control notifications on
// one connection generation.
func (l *Link) watch(gen uint64, conn Connection, ch Channel) {
	connClose := conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp091.Error, 1))
	flow := ch.NotifyFlow(make(chan bool, 1))
	blocked := conn.NotifyBlocked(make(chan amqp091.Blocking, 1))

	go func() {
		for {
			select {
			case amqpErr := <-connClose:
				l.handleClose(gen, "connection", closeError(amqpErr))
				return
			case amqpErr := <-chClose:
				l.handleClose(gen, "channel", closeError(amqpErr))
				return
			case active, ok := <-flow:
				if !ok {
					flow = nil
					continue
				}
				l.setPaused(gen, !active, "flow")
			case b, ok := <-blocked:
				if !ok {
					blocked = nil
					continue
				}
				l.setPaused(gen, b.Active, "blocked: "+b.Reason)
			case <-l.stop:
				return
			}
		}
	}()
}

func closeError(e *amqp091.Error) error {
	if e == nil {
		return errClosedByPeer
	}
	return e
}

func (l *Link) handleClose(gen uint64, source string, err error) {
	l.mu.Lock()
	if l.state != StateConnected || gen != l.gen {
		// Shutting down, already reconnecting, or a stale generation.
		l.mu.Unlock()
		return
	}
	ch, conn := l.ch, l.conn
	l.ch, l.conn = nil, nil
	l.logger.Warn("broker: transport closed", zap.String("source", source), zap.Error(err))
	l.retryLocked(err)
	l.mu.Unlock()

	l.release(ch, conn)
}

func (l *Link) setPaused(gen uint64, paused bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.paused = paused
	if paused {
		l.logger.Warn("broker: publishing paused by broker", zap.String("reason", reason))
	} else {
		l.logger.Info("broker: publishing resumed", zap.String("reason", reason))
	}
}

// retryLocked schedules the next reconnect attempt, or marks the link
// exhausted once MaxAttempts consecutive attempts have failed. At most one
// timer is pending at a time. l.mu must be held.
func (l *Link) retryLocked(err error) {
	l.lastErr = err
	if l.state == StateShuttingDown || l.timer != nil {
		return
	}

	if l.attempt >= uint(l.opts.MaxAttempts) {
		l.state = StateDisconnected
		l.exhausted = true
		fatalErr := fmt.Errorf("%w (%d attempts): %v", ErrExhausted, l.opts.MaxAttempts, err)
		l.logger.Error("broker: reconnect attempts exhausted, operator intervention required",
			zap.Int("max_attempts", l.opts.MaxAttempts), zap.Error(err))
		select {
		case l.fatal <- fatalErr:
		default:
		}
		if l.opts.OnFatal != nil {
			go l.opts.OnFatal(fatalErr)
		}
		return
	}

	l.attempt++
	l.state = StateConnecting
	delay := backoff(l.opts.ReconnectInterval, l.attempt)
	l.logger.Warn("broker: scheduling reconnect",
		zap.Uint("attempt", l.attempt), zap.Duration("delay", delay), zap.Error(err))
	if l.opts.OnReconnecting != nil {
		go l.opts.OnReconnecting(l.attempt, delay)
	}
	l.timer = time.AfterFunc(delay, l.reconnect)
}

func (l *Link) reconnect() {
	l.mu.Lock()
	l.timer = nil
	if l.state != StateConnecting {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.connectOnce(); err != nil {
		l.mu.Lock()
		l.retryLocked(err)
		l.mu.Unlock()
	}
}

func (l *Link) release(ch Channel, conn Connection) {
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			l.logger.Warn("broker: channel close failed", zap.Error(err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			l.logger.Warn("broker: connection close failed", zap.Error(err))
		}
	}
}

func (l *Link) channel() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateConnected || l.ch == nil {
		return nil, ErrNotConnected
	}
	return l.ch, nil
}

func (l *Link) isPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}
