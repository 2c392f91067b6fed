package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

// LogEntry records one delivery attempt.
type LogEntry struct {
	Feature   string         `json:"feature"`
	Channel   string         `json:"channel"`
	Severity  Severity       `json:"severity"`
	SubjectID string         `json:"subject_id"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogSink stores delivery log entries.
type LogSink interface {
	Record(ctx context.Context, entry LogEntry) error
}

// LogStore writes entries to notification_logs.
type LogStore struct {
	pool *pgxpool.Pool
}

func NewLogStore(pool *pgxpool.Pool) *LogStore {
	return &LogStore{pool: pool}
}

func (s *LogStore) Record(ctx context.Context, e LogEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode log metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO notification_logs (feature, channel, severity, subject_id, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Feature, e.Channel, string(e.Severity), e.SubjectID, e.Message, metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// messageWriter is the subset of *kafka.Writer used by KafkaLogSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaWriteTimeout bounds one Record so a Kafka outage cannot stall the
// consumer goroutine.
const kafkaWriteTimeout = 2 * time.Second

// KafkaLogSink streams log entries to a Kafka topic keyed by subject.
type KafkaLogSink struct {
	topic   string
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaLogSink(brokers []string, topic string) (*KafkaLogSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka log topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaLogSink{topic: topic, writer: writer, timeout: kafkaWriteTimeout}, nil
}

func (k *KafkaLogSink) Record(ctx context.Context, e LogEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.SubjectID),
		Value: value,
		Time:  e.CreatedAt,
	}
	timeout := k.timeout
	if timeout <= 0 {
		timeout = kafkaWriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (k *KafkaLogSink) Close() error {
	return k.writer.Close()
}

// MultiLogSink records each entry on every sink, attempting all of them.
type MultiLogSink []LogSink

func (m MultiLogSink) Record(ctx context.Context, e LogEntry) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
