// Package sink mirrors run events to kafka for fleet-wide observability.
// The WAL stays the source of truth; mirror failures are logged and never
// fail a run.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/RunLedger/RunLedger/internal/wal"
)

// Sink receives every event a run appends, after the WAL accepted it.
type Sink interface {
	Publish(ctx context.Context, e *wal.Event) error
	Close() error
}

// KafkaSink writes events to one topic, keyed by run_id so per-run ordering
// survives partitioning.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink producing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// Publish mirrors one event. Kafka errors are swallowed after logging.
func (s *KafkaSink) Publish(ctx context.Context, e *wal.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(e.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
		Time: e.Timestamp,
	})
	if err != nil {
		slog.Warn("Event mirror publish failed", "run_id", e.RunID, "type", e.Type, "error", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.writer.Close() }

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
