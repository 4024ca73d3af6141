package settle

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Failure is a durable write that could not be completed. It carries the
// original row so it can be replayed out of band.
type Failure struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	User     string          `json:"user"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// FailureSink is the dedicated failure channel.
type FailureSink interface {
	Publish(ctx context.Context, f Failure) error
}

// LogFailureSink writes failures to the structured log only.
type LogFailureSink struct{}

func (LogFailureSink) Publish(_ context.Context, f Failure) error {
	slog.Error("write failure", "kind", f.Kind, "id", f.ID, "user", f.User,
		"payload", string(f.Payload), "err", f.Error)
	return nil
}

// KafkaFailureSink publishes failures to a Kafka topic keyed by row id.
type KafkaFailureSink struct {
	writer *kafka.Writer
}

// NewKafkaFailureSink creates a sink writing to topic on brokers
// (comma-separated host:port list).
func NewKafkaFailureSink(brokers, topic string) *KafkaFailureSink {
	return &KafkaFailureSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (s *KafkaFailureSink) Publish(ctx context.Context, f Failure) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(f.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(f.Kind)},
		},
	})
}

// Close flushes and closes the Kafka writer.
func (s *KafkaFailureSink) Close() error {
	return s.writer.Close()
}

// MemoryFailureSink records failures in memory. Used for testing.
type MemoryFailureSink struct {
	mu       sync.Mutex
	failures []Failure
}

func (s *MemoryFailureSink) Publish(_ context.Context, f Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

// Failures returns the recorded failures.
func (s *MemoryFailureSink) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failures...)
}
