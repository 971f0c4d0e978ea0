package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"engraver/internal/config"
	"engraver/internal/events"
	"engraver/internal/logging"
	"engraver/internal/queue"
	"engraver/internal/services"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewPublisherDisabledIsNoop(t *testing.T) {
	pub, err := events.NewPublisher(config.Events{}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if _, ok := pub.(events.Noop); !ok {
		t.Fatalf("expected noop publisher, got %T", pub)
	}
	if err := pub.Publish(context.Background(), events.Event{}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	_, err := events.NewPublisher(config.Events{KafkaEnabled: true, KafkaTopic: "t"}, logging.NewNop())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestPublishKeysByItemRef(t *testing.T) {
	writer := &recordingWriter{}
	pub, err := events.NewPublisher(config.Events{KafkaEnabled: true, KafkaTopic: "engraving.events"}, logging.NewNop(), events.WithWriter(writer))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	job := &queue.Job{ID: 7, ItemRef: "RC-0007", Status: queue.StatusEngraving}
	evt := events.NewEvent(job, queue.StatusInProgress, 1, "Streaming")
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	if string(msg.Key) != "RC-0007" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded events.Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.JobID != 7 || decoded.From != queue.StatusInProgress || decoded.To != queue.StatusEngraving || decoded.Attempt != 1 {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if decoded.ID == "" || decoded.ID != evt.ID {
		t.Fatalf("expected event id %q, got %q", evt.ID, decoded.ID)
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != "event_id" || string(msg.Headers[0].Value) != evt.ID {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !writer.closed {
		t.Fatal("expected writer to be closed")
	}
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	writer := &recordingWriter{err: errors.New("leader not available")}
	pub, err := events.NewPublisher(config.Events{KafkaEnabled: true}, logging.NewNop(), events.WithWriter(writer))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	err = pub.Publish(context.Background(), events.NewEvent(&queue.Job{ID: 1}, "", 0, ""))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
