package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"engraver/internal/config"
)

const userAgent = "Engraver-Go/0.1.0"

// Event identifies a notification-worthy milestone.
type Event string

const (
	EventJobCompleted   Event = "job_completed"
	EventJobFailed      Event = "job_failed"
	EventJobRetry       Event = "job_retry"
	EventQueueStarted   Event = "queue_started"
	EventQueueCompleted Event = "queue_completed"
	EventError          Event = "error"
	EventTest           Event = "test"
)

// Payload carries event-specific values keyed by name.
type Payload map[string]any

// Service publishes workflow events.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		toggles:  cfg.Notifications,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	toggles  config.Notifications
}

func (n *ntfyService) Publish(ctx context.Context, event Event, p Payload) error {
	if !n.enabled(event) {
		return nil
	}
	data, ok := n.format(event, p)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func (n *ntfyService) enabled(event Event) bool {
	switch event {
	case EventJobCompleted:
		return n.toggles.JobCompleted
	case EventJobFailed:
		return n.toggles.JobFailed
	case EventJobRetry:
		return n.toggles.JobRetry
	case EventQueueStarted, EventQueueCompleted:
		return n.toggles.Queue
	default:
		return true
	}
}

func (n *ntfyService) format(event Event, p Payload) (payload, bool) {
	item := p.text("itemRef")
	if item == "" {
		item = "job " + p.text("jobID")
	}
	switch event {
	case EventJobCompleted:
		message := fmt.Sprintf("✅ Engraved: %s", item)
		if d, ok := p["duration"].(time.Duration); ok && d > 0 {
			message = fmt.Sprintf("%s in %s", message, d.Round(time.Second))
		}
		return payload{
			title:   "Engraver - Complete",
			message: message,
			tags:    []string{"engraver", "job", "completed"},
		}, true
	case EventJobFailed:
		kind := kindLabel(p.text("kind"))
		message := fmt.Sprintf("❌ Engraving failed: %s", item)
		if attempts := p.text("attempts"); attempts != "" {
			message = fmt.Sprintf("%s after %s attempt(s)", message, attempts)
		}
		if reason := p.text("error"); reason != "" {
			message = fmt.Sprintf("%s\n%s: %s", message, kind, reason)
		}
		return payload{
			title:    "Engraver - Failed",
			message:  message,
			tags:     []string{"engraver", "job", "failed"},
			priority: "high",
		}, true
	case EventJobRetry:
		message := fmt.Sprintf("🔁 Retrying %s (attempt %s of %s)", item, p.text("attempt"), p.text("maxAttempts"))
		if at, ok := p["retryAt"].(time.Time); ok && !at.IsZero() {
			message = fmt.Sprintf("%s at %s", message, at.Local().Format("15:04:05"))
		}
		if reason := p.text("error"); reason != "" {
			message = fmt.Sprintf("%s\nReason: %s", message, reason)
		}
		return payload{
			title:    "Engraver - Retry Scheduled",
			message:  message,
			tags:     []string{"engraver", "job", "retry"},
			priority: "low",
		}, true
	case EventQueueStarted:
		return payload{
			title:   "Engraver - Queue Started",
			message: fmt.Sprintf("Started engraving queue with %s pending job(s)", p.text("count")),
			tags:    []string{"engraver", "queue", "started"},
		}, true
	case EventQueueCompleted:
		processed, failed := p.text("processed"), p.text("failed")
		var duration time.Duration
		if d, ok := p["duration"].(time.Duration); ok && d > 0 {
			duration = d.Round(time.Second)
		}
		if failed == "" || failed == "0" {
			return payload{
				title:   "Engraver - Queue Drained",
				message: fmt.Sprintf("Queue drained: %s job(s) engraved in %s", processed, duration),
				tags:    []string{"engraver", "queue", "completed"},
			}, true
		}
		return payload{
			title:   "Engraver - Queue Drained (with errors)",
			message: fmt.Sprintf("Queue drained: %s engraved, %s failed in %s", processed, failed, duration),
			tags:    []string{"engraver", "queue", "completed"},
		}, true
	case EventError:
		var builder strings.Builder
		builder.WriteString("❌ Error")
		if label := p.text("context"); label != "" {
			builder.WriteString(" with ")
			builder.WriteString(label)
		}
		builder.WriteString(": ")
		if reason := p.text("error"); reason != "" {
			builder.WriteString(reason)
		} else {
			builder.WriteString("unknown")
		}
		return payload{
			title:    "Engraver - Error",
			message:  builder.String(),
			tags:     []string{"engraver", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return payload{
			title:    "Engraver - Test",
			message:  "🧪 Notification system test",
			tags:     []string{"engraver", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case error:
		return strings.TrimSpace(v.Error())
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return fmt.Sprint(v)
	}
}

// kindLabel turns an error classification such as "not_found" into "Not Found".
func kindLabel(kind string) string {
	kind = strings.TrimSpace(strings.ReplaceAll(kind, "_", " "))
	if kind == "" {
		return "Reason"
	}
	return cases.Title(language.English).String(kind)
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
