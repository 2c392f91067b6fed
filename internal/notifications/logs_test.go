package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
	// hang makes WriteMessages wait for ctx like an unreachable broker.
	hang bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaLogSinkValidation(t *testing.T) {
	_, err := NewKafkaLogSink(nil, "notification-logs")
	assert.Error(t, err)
	_, err = NewKafkaLogSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	sink, err := NewKafkaLogSink([]string{"localhost:9092"}, "notification-logs")
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestKafkaLogSinkRecord(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaLogSink{topic: "notification-logs", writer: w}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := sink.Record(context.Background(), LogEntry{
		Feature:   "bmi",
		Channel:   ChannelEmail,
		Severity:  SeverityInfo,
		SubjectID: "u1",
		Message:   "email delivered",
		CreatedAt: at,
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "notification-logs", msg.Topic)
	assert.Equal(t, []byte("u1"), msg.Key)
	assert.Equal(t, at, msg.Time)

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "email delivered", decoded.Message)
	assert.Equal(t, SeverityInfo, decoded.Severity)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaLogSinkWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := &KafkaLogSink{topic: "t", writer: w}
	err := sink.Record(context.Background(), LogEntry{SubjectID: "u1"})
	assert.ErrorContains(t, err, "leader not available")
}

func TestKafkaLogSinkRecordTimesOut(t *testing.T) {
	sink := &KafkaLogSink{topic: "t", writer: &fakeWriter{hang: true}, timeout: 20 * time.Millisecond}

	start := time.Now()
	err := sink.Record(context.Background(), LogEntry{SubjectID: "u1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMultiLogSinkAttemptsAll(t *testing.T) {
	failing := &fakeLog{err: errStoreDown}
	ok := &fakeLog{}
	multi := MultiLogSink{failing, ok}

	err := multi.Record(context.Background(), LogEntry{Channel: ChannelPush})
	assert.ErrorIs(t, err, errStoreDown)
	assert.Len(t, failing.entries, 1)
	assert.Len(t, ok.entries, 1)

	assert.NoError(t, MultiLogSink{ok}.Record(context.Background(), LogEntry{}))
}
