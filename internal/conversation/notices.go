package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/store"
)

type noticePayload struct {
	Body string `json:"body"`
}

// SendConfirmation tells the customer their booking is confirmed and returns their
// session to Welcome.
func (a *Adapter) SendConfirmation(ctx context.Context, c models.ConfirmedReservation) error {
	a.complete(ctx, c.CustomerKey, c.Reference)
	return a.deliver(ctx, c.CustomerKey, store.OutboxKindConfirmation, a.engine.ConfirmationText(c), "confirm:"+c.Reference)
}

// SendCancellation tells the customer staff cancelled their booking.
func (a *Adapter) SendCancellation(ctx context.Context, p models.PendingReservation) error {
	a.complete(ctx, p.CustomerKey, p.Reference)
	return a.deliver(ctx, p.CustomerKey, store.OutboxKindCancellation, a.engine.CancellationText(p.Reference), "cancel:"+p.Reference)
}

// HandleExpired notifies the owners of holds released by the expiry sweep.
func (a *Adapter) HandleExpired(ctx context.Context, expired []models.PendingReservation) {
	for _, p := range expired {
		a.complete(ctx, p.CustomerKey, p.Reference)
		if err := a.deliver(ctx, p.CustomerKey, store.OutboxKindExpiry, a.engine.ExpiryText(p.Reference), "expire:"+p.Reference); err != nil {
			slog.Error("Adapter.HandleExpired: expiry notice lost", "to", p.CustomerKey, "reference", p.Reference, "error", err)
		}
	}
}

// complete resets the customer's session if it is still tied to reference.
func (a *Adapter) complete(ctx context.Context, key, reference string) {
	unlock := a.locks.Lock(key)
	defer unlock()

	sess, err := a.sessions.GetSession(ctx, key)
	if err != nil {
		slog.Error("Adapter.complete: load session failed", "key", key, "error", err)
		return
	}
	if sess == nil || sess.PendingBookingRef != reference {
		return
	}
	if err := a.sessions.SaveSession(ctx, a.engine.Complete(*sess)); err != nil {
		slog.Error("Adapter.complete: save session failed", "key", key, "error", err)
	}
}

// deliver sends text now, falling back to the outbox when the transport fails.
func (a *Adapter) deliver(ctx context.Context, to, kind, text, dedupeKey string) error {
	err := a.svc.SendMessage(ctx, to, text)
	if err == nil {
		return nil
	}
	if a.outbox == nil {
		return fmt.Errorf("failed to send %s to %s: %w", kind, to, err)
	}

	payload, merr := json.Marshal(noticePayload{Body: text})
	if merr != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, merr)
	}
	id, qerr := a.outbox.EnqueueOutboxMessage(ctx, to, kind, string(payload), dedupeKey)
	if qerr != nil {
		return fmt.Errorf("failed to send %s to %s (%v) and to queue it: %w", kind, to, err, qerr)
	}
	slog.Warn("Adapter.deliver: send failed, queued for retry", "to", to, "kind", kind, "outbox_id", id, "error", err)
	return nil
}

// SendOutbox delivers a queued notice. It is the send function of the outbox sender.
func (a *Adapter) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	var p noticePayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
	}
	return a.svc.SendMessage(ctx, msg.Recipient, p.Body)
}

// EvictIdle deletes sessions untouched for longer than idle and returns how many went.
func (a *Adapter) EvictIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	sessions, err := a.sessions.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := a.now().Add(-idle)
	evicted := 0
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if a.evict(ctx, s.Key, cutoff) {
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("Adapter.EvictIdle: idle sessions removed", "count", evicted, "idle", idle)
	}
	return evicted, nil
}

// evict re-reads the session under its lock so a message that just arrived keeps it alive.
func (a *Adapter) evict(ctx context.Context, key string, cutoff time.Time) bool {
	unlock := a.locks.Lock(key)
	defer unlock()

	s, err := a.sessions.GetSession(ctx, key)
	if err != nil || s == nil || !s.UpdatedAt.Before(cutoff) {
		return false
	}
	if err := a.sessions.DeleteSession(ctx, key); err != nil {
		slog.Error("Adapter.evict: delete failed", "key", key, "error", err)
		return false
	}
	a.mu.Lock()
	delete(a.limiters, key)
	a.mu.Unlock()
	return true
}

// SweepExpired releases lapsed holds and notifies their customers.
func (a *Adapter) SweepExpired(ctx context.Context) (int, error) {
	expired, err := a.manager.SweepExpired(ctx, a.now())
	a.HandleExpired(ctx, expired)
	if err != nil {
		return len(expired), fmt.Errorf("expiry sweep: %w", err)
	}
	return len(expired), nil
}
