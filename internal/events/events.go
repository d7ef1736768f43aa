// Package events publishes booking domain events to an external bus.
//
// Publishing is best effort: the booking flow never waits on or fails because of a bus.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event. It doubles as the NATS subject suffix and AMQP routing key.
type Type string

const (
	BookingCreated           Type = "booking.created"
	BookingPaymentClaimed    Type = "booking.payment_claimed"
	BookingConfirmed         Type = "booking.confirmed"
	BookingCancelled         Type = "booking.cancelled"
	BookingExpired           Type = "booking.expired"
	ConversationInvalidInput Type = "conversation.invalid_input"
	ConversationSlotConflict Type = "conversation.slot_conflict"
)

// Event is the envelope published for every domain event.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Reference   string         `json:"reference,omitempty"`
	CustomerKey string         `json:"customer_key,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Data        map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id.
func New(t Type, reference, customerKey string, at time.Time, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		Reference:   reference,
		CustomerKey: customerKey,
		OccurredAt:  at,
		Data:        data,
	}
}

// Publisher sends events to a bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Emit publishes e and logs, rather than returns, any failure.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("events.Emit: publish failed", "type", e.Type, "reference", e.Reference, "error", err)
	}
}

// LogPublisher writes events to the structured log. It is the default publisher.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	slog.Info("event", "type", e.Type, "id", e.ID, "reference", e.Reference, "customer", e.CustomerKey)
	return nil
}

func (LogPublisher) Close() error { return nil }

// MemoryPublisher records events in order. Useful in tests and for inspection.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the types of everything published so far.
func (m *MemoryPublisher) Types() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Multi fans every event out to all publishers. Publish returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
