// Package notify delivers operator alerts to chat webhooks (Telegram,
// Discord) and mirrors them onto the signal bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Event types raised by the core.
const (
	EventSessionDegraded   = "session.degraded"
	EventDrift             = "ledger.drift"
	EventUncertain         = "intent.uncertain"
	EventExchangeRejection = "intent.rejected"
	EventLifecycle         = "lifecycle"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Alert is the bus form of a notification.
type Alert struct {
	Event   string    `json:"event"`
	Key     string    `json:"key,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier dispatches to every Sender. Events outside the allow-list are
// dropped, and a repeat of the same event and key within the cooldown is
// suppressed.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	bus      domain.SignalBus
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// SetBus also publishes each delivered alert on domain.BusAlerts.
func (n *Notifier) SetBus(b domain.SignalBus) { n.bus = b }

// Notify delivers an alert. key distinguishes instances of the same event,
// e.g. an instrument, for the cooldown.
func (n *Notifier) Notify(ctx context.Context, event, key, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.admit(event + "|" + key) {
		n.logger.DebugContext(ctx, "event in cooldown", slog.String("event", event), slog.String("key", key))
		return nil
	}

	if n.bus != nil {
		payload, err := json.Marshal(Alert{Event: event, Key: key, Title: title, Message: message, Time: n.now().UTC()})
		if err == nil {
			err = n.bus.Publish(ctx, domain.BusAlerts, payload)
		}
		if err != nil {
			n.logger.WarnContext(ctx, "alert publish failed", slog.String("error", err.Error()))
		}
	}
	return n.dispatch(ctx, title, message)
}

// Notifyf is Notify with a formatted message.
func (n *Notifier) Notifyf(ctx context.Context, event, key, title, format string, args ...any) error {
	return n.Notify(ctx, event, key, title, fmt.Sprintf(format, args...))
}

func (n *Notifier) admit(k string) bool {
	if n.cooldown <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if t, ok := n.last[k]; ok && now.Sub(t) < n.cooldown {
		return false
	}
	n.last[k] = now
	return true
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("title", title))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
