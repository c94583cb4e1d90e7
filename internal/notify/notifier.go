// Package notify delivers operator alerts to chat webhooks. Alerts are
// filtered by event type, and a repeat of the same alert inside the quiet
// window is dropped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Event types raised by the pipeline.
const (
	EventCrossPostFailed = "crosspost_failed"
	EventIngestStalled   = "ingest_stalled"
	EventJobFailed       = "job_failed"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	recent  *expirable.LRU[string, struct{}]
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
// Identical alerts within quiet are sent once; quiet <= 0 disables that.
func NewNotifier(senders []Sender, events []string, quiet time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	if quiet > 0 {
		n.recent = expirable.NewLRU[string, struct{}](1024, nil, quiet)
	}
	return n
}

// Notify sends an alert of the given event type.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	if n.recent != nil {
		key := event + "\x00" + title + "\x00" + message
		if n.recent.Contains(key) {
			n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", event))
			return nil
		}
		n.recent.Add(key, struct{}{})
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
