// Package notify fans dialog events out to connected agent sessions and,
// optionally, to an AMQP exchange.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the routing core.
const (
	EventDialogMessage     = "dialog.message"
	EventDialogAssigned    = "dialog.assigned"
	EventDialogReleased    = "dialog.released"
	EventDialogTransferred = "dialog.transferred"
	EventDialogClosed      = "dialog.closed"
	EventDialogReopened    = "dialog.reopened"
)

// Event is one notification delivered to a tenant's topic.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(evt Event)
}

// TenantTopic is the canonical topic for a tenant's events.
func TenantTopic(tenantID string) string { return "tenant-" + tenantID }

// LegacyTenantTopic is the pre-rename alias still accepted from older
// dashboard builds.
func LegacyTenantTopic(tenantID string) string { return "user-" + tenantID }

const subscriberBuffer = 32

type subscriber struct {
	ch     chan Event
	topics map[string]struct{}
}

// Hub is an in-process topic broadcaster. Slow subscribers never block
// publishers; events beyond a subscriber's buffer are dropped.
type Hub struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
}

// NewHub creates an event hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger: log.With(slog.String("component", "notify")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Subscription is one live event listener.
type Subscription struct {
	hub *Hub
	sub *subscriber
}

// Events returns the subscriber's channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s.sub]; ok {
		delete(s.hub.subs, s.sub)
		close(s.sub.ch)
	}
}

// Subscribe registers a listener for the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &subscriber{
		ch:     make(chan Event, subscriberBuffer),
		topics: make(map[string]struct{}, len(topics)),
	}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return &Subscription{hub: h, sub: sub}
}

// Publish delivers the event to every subscriber of the tenant's topic,
// including listeners on the legacy alias.
func (h *Hub) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	topics := []string{TenantTopic(evt.TenantID), LegacyTenantTopic(evt.TenantID)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !matchesAny(sub.topics, topics) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("dropping event for slow subscriber",
				slog.String("type", evt.Type),
				slog.String("tenant_id", evt.TenantID))
		}
	}
}

func matchesAny(have map[string]struct{}, want []string) bool {
	for _, topic := range want {
		if _, ok := have[topic]; ok {
			return true
		}
	}
	return false
}

// Fanout publishes each event to all wrapped publishers.
type Fanout []Publisher

func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(evt)
		}
	}
}
