package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/granary-io/granary/internal/catalog"
	"github.com/granary-io/granary/internal/config"
)

const defaultAuditTopic = "granary.catalog.mutations"

type (
	// kafkaWriter is the subset of kafka.Writer the publisher uses.
	// Production injects *kafka.Writer; tests inject a double.
	kafkaWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Config holds Kafka configuration for the audit publisher.
	Config struct {
		Brokers []string
		Topic   string
	}

	// Publisher emits one audit event per processed mutation. Publishing is
	// best-effort: a failed write is logged and never changes the
	// coordinator result the caller already holds.
	Publisher struct {
		writer kafkaWriter
		logger *slog.Logger
	}

	// MutationEvent is the audit record published for every mutation,
	// successful or not.
	MutationEvent struct {
		EventID       string   `json:"eventId"`
		Op            string   `json:"op"`
		Kind          string   `json:"kind"`
		EntityID      string   `json:"entityId"`
		Verdict       string   `json:"verdict"`
		FailedAdapter string   `json:"failedAdapter,omitempty"`
		BlockingRefs  []string `json:"blockingRefs,omitempty"`
		Error         string   `json:"error,omitempty"`
		OccurredAt    string   `json:"occurredAt"`
	}
)

// LoadConfig loads Kafka configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("GRANARY_KAFKA_BROKERS", "localhost:9092")),
		Topic:   config.GetEnvStr("GRANARY_AUDIT_TOPIC", defaultAuditTopic),
	}
}

// NewPublisher creates a Kafka-backed audit publisher.
func NewPublisher(cfg *Config, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return newPublisher(writer, logger)
}

// newPublisher wires a publisher around any writer; tests pass a double.
func newPublisher(writer kafkaWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		writer: writer,
		logger: logger.With(slog.String("component", "reporter")),
	}
}

// Publish emits the audit event for one processed mutation. Events for the
// same entity share a message key so per-entity ordering is preserved.
func (p *Publisher) Publish(ctx context.Context, m catalog.Mutation, res catalog.Result) error {
	event := MutationEvent{
		EventID:      uuid.NewString(),
		Op:           m.Op.String(),
		Kind:         m.Kind.String(),
		EntityID:     m.ID,
		Verdict:      res.Verdict.String(),
		BlockingRefs: res.BlockingRefs,
		OccurredAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	if res.FailedAdapter != "" {
		event.FailedAdapter = res.FailedAdapter
	}

	if res.Err != nil {
		event.Error = res.Err.Error()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode mutation event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Kind + "/" + event.EntityID),
		Value: payload,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish mutation event",
			slog.String("kind", event.Kind),
			slog.String("entity_id", event.EntityID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("failed to publish mutation event: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
