package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error { return errors.New("bus down") }
func (f *failingPublisher) Close() error { f.closed = true; return nil }

func TestNewAssignsUniqueIDs(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	a := New(BookingCreated, "BK1", "+1", at, nil)
	b := New(BookingCreated, "BK1", "+1", at, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
}

func TestEventJSONShape(t *testing.T) {
	e := New(BookingConfirmed, "BK1", "+1", time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC), map[string]any{"staff": "42"})
	b, err := encode(e)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m["type"] != "booking.confirmed" || m["reference"] != "BK1" {
		t.Errorf("unexpected payload: %s", b)
	}
}

func TestMultiFansOutAndKeepsGoing(t *testing.T) {
	mem := &MemoryPublisher{}
	bad := &failingPublisher{}
	m := Multi{bad, mem}

	err := m.Publish(context.Background(), New(BookingExpired, "BK1", "+1", time.Now(), nil))
	if err == nil {
		t.Error("expected the failing publisher's error")
	}
	if got := mem.Types(); len(got) != 1 || got[0] != BookingExpired {
		t.Errorf("memory publisher should still receive the event, got %v", got)
	}
	if err := m.Close(); err != nil || !bad.closed {
		t.Errorf("Close: err=%v closed=%v", err, bad.closed)
	}
}

func TestEmitSwallowsErrors(t *testing.T) {
	Emit(context.Background(), &failingPublisher{}, New(BookingCancelled, "BK1", "+1", time.Now(), nil))
	Emit(context.Background(), nil, New(BookingCancelled, "BK1", "+1", time.Now(), nil))
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("EVENTS_NATS_URL")
	if url == "" {
		t.Skip("env EVENTS_NATS_URL not set")
	}
	p, err := NewNATSPublisher(url)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer p.Close()
	if err := p.Publish(context.Background(), New(BookingCreated, "BKTEST", "+1", time.Now(), nil)); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
}

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("EVENTS_AMQP_URL")
	if url == "" {
		t.Skip("env EVENTS_AMQP_URL not set")
	}
	p, err := NewAMQPPublisher(url, "courtpipe.test")
	if err != nil {
		t.Skipf("RabbitMQ not available: %v", err)
	}
	defer p.Close()
	if err := p.Publish(context.Background(), New(BookingCreated, "BKTEST", "+1", time.Now(), nil)); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
}
