package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt uint
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 7500 * time.Millisecond},
		{attempt: 3, want: 11250 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(5*time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, 5*time.Second, opts.ReconnectInterval)
	assert.Equal(t, 10, opts.MaxAttempts)
	assert.Equal(t, 1, opts.Prefetch)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
}

func TestConnectAppliesPrefetch(t *testing.T) {
	b := newFakeBroker()
	l := newTestLink(b, time.Millisecond, 3)
	defer l.Close()

	require.NoError(t, l.Connect(context.Background()))

	st := l.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, uint(0), st.Attempt)
	assert.Equal(t, 1, b.lastConn().channel().prefetchCount())
}

// reconnectRecorder collects OnReconnecting callbacks.
type reconnectRecorder struct {
	mu       sync.Mutex
	attempts []uint
	delays   map[uint]time.Duration
}

func (r *reconnectRecorder) record(attempt uint, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	if r.delays == nil {
		r.delays = make(map[uint]time.Duration)
	}
	r.delays[attempt] = delay
}

func (r *reconnectRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func TestReconnectExhaustion(t *testing.T) {
	b := newFakeBroker()
	b.setFailDials(-1)

	rec := &reconnectRecorder{}
	fatalCalled := make(chan error, 1)

	l := newTestLink(b, time.Millisecond, 3)
	l.opts.SetOnReconnecting(rec.record)
	l.opts.SetOnFatal(func(err error) { fatalCalled <- err })
	defer l.Close()

	err := l.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errDialRefused)

	select {
	case err := <-l.Fatal():
		assert.ErrorIs(t, err, ErrExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("link did not report exhaustion")
	}

	select {
	case err := <-fatalCalled:
		assert.ErrorIs(t, err, ErrExhausted)
	case <-time.After(time.Second):
		t.Fatal("OnFatal not called")
	}

	// Initial attempt plus three reconnects.
	assert.Equal(t, 4, b.dialCount())

	st := l.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.True(t, st.Exhausted)
	assert.ErrorIs(t, st.LastError, errDialRefused)

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, time.Millisecond, rec.delays[1])
	assert.Equal(t, 1500*time.Microsecond, rec.delays[2])
	assert.Equal(t, 2250*time.Microsecond, rec.delays[3])
	rec.mu.Unlock()

	// No more attempts once exhausted.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, b.dialCount())
	assert.ErrorIs(t, l.Connect(context.Background()), ErrExhausted)
}

func TestReconnectResetsAttemptsAfterSuccess(t *testing.T) {
	b := newFakeBroker()
	b.setFailDials(2)

	rec := &reconnectRecorder{}
	l := newTestLink(b, time.Millisecond, 5)
	l.opts.SetOnReconnecting(rec.record)
	defer l.Close()

	require.Error(t, l.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return l.Status().State == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint(0), l.Status().Attempt)
	assert.Equal(t, 3, b.dialCount())

	// A later drop starts a fresh cycle at attempt 1.
	b.lastConn().drop()
	require.Eventually(t, func() bool {
		return b.dialCount() == 4 && l.Status().State == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.ElementsMatch(t, []uint{1, 2, 1}, rec.attempts)
	rec.mu.Unlock()
}

func TestDuplicateCloseNotificationsScheduleOneReconnect(t *testing.T) {
	b := newFakeBroker()
	l := newTestLink(b, 20*time.Millisecond, 5)
	defer l.Close()

	require.NoError(t, l.Connect(context.Background()))
	conn := b.lastConn()
	ch := conn.channel()

	// Both the channel and the connection report closure.
	_ = ch.Close()
	conn.drop()

	require.Eventually(t, func() bool {
		return l.Status().State == StateConnected && b.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, b.dialCount())
}

func TestCloseStopsPendingReconnect(t *testing.T) {
	b := newFakeBroker()
	b.setFailDials(-1)
	l := newTestLink(b, 50*time.Millisecond, 5)

	require.Error(t, l.Connect(context.Background()))
	assert.Equal(t, StateConnecting, l.Status().State)

	l.Close()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, 1, b.dialCount())
	assert.Equal(t, StateShuttingDown, l.Status().State)
	assert.ErrorIs(t, l.Connect(context.Background()), ErrShuttingDown)
}

func TestCloseIsTotal(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		l := newTestLink(newFakeBroker(), time.Millisecond, 1)
		l.Close()
		l.Close()
		assert.Equal(t, StateShuttingDown, l.Status().State)
	})

	t.Run("connected", func(t *testing.T) {
		b := newFakeBroker()
		l := newTestLink(b, time.Millisecond, 1)
		require.NoError(t, l.Connect(context.Background()))
		conn := b.lastConn()

		l.Close()
		assert.True(t, conn.IsClosed())

		// Close notifications after shutdown do not trigger a reconnect.
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, b.dialCount())
	})
}

func TestBackpressurePausesPublish(t *testing.T) {
	b := newFakeBroker()
	l := newTestLink(b, time.Millisecond, 1)
	defer l.Close()
	require.NoError(t, l.Connect(context.Background()))

	conn := b.lastConn()
	conn.block(true)
	require.Eventually(t, func() bool { return l.isPaused() }, time.Second, 5*time.Millisecond)

	ok, err := l.Publish(context.Background(), "notifications", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, b.publishedMessages())

	conn.block(false)
	require.Eventually(t, func() bool { return !l.isPaused() }, time.Second, 5*time.Millisecond)

	conn.channel().flow(false)
	require.Eventually(t, func() bool { return l.isPaused() }, time.Second, 5*time.Millisecond)
	conn.channel().flow(true)
	require.Eventually(t, func() bool { return !l.isPaused() }, time.Second, 5*time.Millisecond)

	ok, err = l.Publish(context.Background(), "notifications", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.True(t, ok)
}
