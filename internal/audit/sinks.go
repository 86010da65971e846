package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/storefront/gatehouse/internal/model"
)

// ---------------------------------------------------------------------------
// Directory database
// ---------------------------------------------------------------------------

// EntryStore is the subset of the directory store the ledger needs.
type EntryStore interface {
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// StoreSink writes entries to the directory database's audit table.
type StoreSink struct {
	store EntryStore
}

// NewStoreSink wraps a directory store as a Sink.
func NewStoreSink(store EntryStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, entry *model.AuditEntry) error {
	return s.store.InsertAuditEntry(ctx, entry)
}

// QueryAudit implements Reader.
func (s *StoreSink) QueryAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	return s.store.QueryAudit(ctx, filter)
}

// ---------------------------------------------------------------------------
// Redis stream
// ---------------------------------------------------------------------------

// RedisStreamSink appends entries to a capped Redis stream with XADD.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream. A positive maxLen caps
// the stream approximately at that many entries.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis:" + s.stream }

func (s *RedisStreamSink) Write(ctx context.Context, entry *model.AuditEntry) error {
	values, err := streamValues(entry)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the client when it owns a connection pool.
func (s *RedisStreamSink) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func streamValues(entry *model.AuditEntry) (map[string]any, error) {
	values := map[string]any{
		"id":        entry.ID,
		"action":    string(entry.Action),
		"identity":  entry.IdentityKey,
		"status":    entry.Status,
		"reason":    entry.Reason,
		"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode audit metadata: %w", err)
		}
		values["metadata"] = string(b)
	}
	return values, nil
}

// ---------------------------------------------------------------------------
// Kafka topic
// ---------------------------------------------------------------------------

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each entry as a JSON message keyed by identity, so all
// events for one identity land on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaSink creates a sink publishing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka audit sink requires at least one broker")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
			ReadTimeout:  DefaultMirrorTimeout,
			WriteTimeout: DefaultMirrorTimeout,
		},
		topic: topic,
	}, nil
}

// NewKafkaSinkWithWriter creates a sink around an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Write(ctx context.Context, entry *model.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.IdentityKey),
		Value: payload,
		Time:  entry.Timestamp.UTC(),
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(entry.Action)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
