package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/queue"
	"engraver/internal/services"
)

const defaultWriteTimeout = 5 * time.Second

// Event is the JSON document written for every status change.
type Event struct {
	ID        string       `json:"id"`
	JobID     int64        `json:"job_id"`
	ItemRef   string       `json:"item_ref"`
	From      queue.Status `json:"from,omitempty"`
	To        queue.Status `json:"to"`
	Attempt   int          `json:"attempt"`
	Message   string       `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewEvent describes job moving from one status to its current one.
func NewEvent(job *queue.Job, from queue.Status, attempt int, message string) Event {
	evt := Event{
		ID:        uuid.NewString(),
		From:      from,
		Attempt:   attempt,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if job != nil {
		evt.JobID = job.ID
		evt.ItemRef = job.ItemRef
		evt.To = job.Status
		evt.Error = job.ErrorMessage
	}
	return evt
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Option customises the Kafka publisher.
type Option func(*KafkaPublisher)

// WithWriter replaces the Kafka writer, mainly for tests.
func WithWriter(w MessageWriter) Option {
	return func(p *KafkaPublisher) {
		p.writer = w
	}
}

// NewPublisher returns a Kafka-backed publisher when enabled and a no-op otherwise.
func NewPublisher(cfg config.Events, logger *slog.Logger, opts ...Option) (Publisher, error) {
	if !cfg.KafkaEnabled {
		return Noop{}, nil
	}
	p := &KafkaPublisher{
		topic:  cfg.KafkaTopic,
		logger: logging.NewComponentLogger(logger, "events"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.writer == nil {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, services.Wrap(services.ErrConfiguration, "events", "kafka", "kafka_brokers is empty", nil)
		}
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: defaultWriteTimeout,
		}
	}
	return p, nil
}

// KafkaPublisher writes events keyed by item reference so every transition of
// one component lands on the same partition.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", evt.ID, err)
		}
		key := evt.ItemRef
		if key == "" {
			key = strconv.FormatInt(evt.JobID, 10)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  evt.Timestamp,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(evt.ID)},
				{Key: "status", Value: []byte(evt.To)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return services.Wrap(services.ErrTransient, "events", "publish", p.topic, err)
	}
	p.logger.Debug("lifecycle events published",
		logging.Int("count", len(msgs)),
		logging.String("topic", p.topic),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, ...Event) error { return nil }
func (Noop) Close() error                            { return nil }
