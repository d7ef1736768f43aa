// Package store provides storage backends for CourtPipe.
//
// This file implements an in-memory store used for tests and single-process deployments
// where losing state on restart is acceptable.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/google/uuid"
)

type slotKey struct {
	activityTypeID string
	date           string
	time           string
}

func slotKeyOf(activityTypeID string, slot models.Slot) slotKey {
	return slotKey{activityTypeID: activityTypeID, date: slot.Date, time: slot.Time}
}

// InMemoryStore is an in-memory implementation of every store interface.
// All ledger operations run under one mutex, which makes each of them atomic.
type InMemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]models.Session
	pending   map[string]models.PendingReservation
	confirmed map[string]models.ConfirmedReservation
	claims    map[string]models.PaymentClaim
	holds     map[slotKey]string
	closed    map[string]models.ClosedReservation
	dedup     map[string]DedupRecord
	outbox    map[string]*OutboxMessage
}

// Compile-time checks that InMemoryStore implements the store interfaces.
var (
	_ SessionStore = (*InMemoryStore)(nil)
	_ Ledger       = (*InMemoryStore)(nil)
	_ DedupRepo    = (*InMemoryStore)(nil)
	_ OutboxRepo   = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]models.Session),
		pending:   make(map[string]models.PendingReservation),
		confirmed: make(map[string]models.ConfirmedReservation),
		claims:    make(map[string]models.PaymentClaim),
		holds:     make(map[slotKey]string),
		closed:    make(map[string]models.ClosedReservation),
		dedup:     make(map[string]DedupRecord),
		outbox:    make(map[string]*OutboxMessage),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetSession(_ context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	c := sess.Clone()
	return &c, nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.Key]; ok && !existing.CreatedAt.IsZero() {
		sess.CreatedAt = existing.CreatedAt
	}
	s.sessions[sess.Key] = sess.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// closeLocked removes a pending reservation and its hold. Caller holds s.mu.
func (s *InMemoryStore) closeLocked(p models.PendingReservation, outcome models.CloseOutcome, at time.Time) {
	delete(s.pending, p.Reference)
	k := slotKeyOf(p.ActivityTypeID, p.Slot())
	if s.holds[k] == p.Reference {
		delete(s.holds, k)
	}
	if _, ok := s.closed[p.Reference]; !ok {
		s.closed[p.Reference] = models.ClosedReservation{Reference: p.Reference, CustomerKey: p.CustomerKey, Outcome: outcome, ClosedAt: at}
	}
}

func (s *InMemoryStore) CreatePending(_ context.Context, p models.PendingReservation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[p.Reference]; ok {
		return ErrDuplicateReference
	}
	if _, ok := s.confirmed[p.Reference]; ok {
		return ErrDuplicateReference
	}

	k := slotKeyOf(p.ActivityTypeID, p.Slot())
	if holder, ok := s.holds[k]; ok {
		hp, isPending := s.pending[holder]
		if !isPending || !hp.IsExpired(now) {
			return ErrSlotTaken
		}
		s.closeLocked(hp, models.OutcomeExpired, now)
		slog.Info("InMemoryStore CreatePending released lapsed hold", "reference", hp.Reference, "slot", hp.Slot().String())
	}

	s.pending[p.Reference] = p
	s.holds[k] = p.Reference
	return nil
}

func (s *InMemoryStore) GetPending(_ context.Context, reference string) (*models.PendingReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[reference]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListPending(_ context.Context) ([]models.PendingView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]models.PendingView, 0, len(s.pending))
	for _, p := range s.pending {
		v := models.PendingView{PendingReservation: p}
		if c, ok := s.claims[p.Reference]; ok {
			v.Claim = &c
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		ci := views[i].Status == models.StatusPaymentClaimed
		cj := views[j].Status == models.StatusPaymentClaimed
		if ci != cj {
			return ci
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views, nil
}

func (s *InMemoryStore) ListPendingByCustomer(_ context.Context, customerKey string) ([]models.PendingReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingReservation
	for _, p := range s.pending {
		if p.CustomerKey == customerKey {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AttachPaymentClaim(_ context.Context, claim models.PaymentClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[claim.Reference]
	if !ok {
		return ErrNotFound
	}
	if p.Status != models.StatusAwaitingPayment {
		return ErrWrongStatus
	}
	if p.IsExpired(claim.ClaimedAt) {
		return ErrExpired
	}
	p.Status = models.StatusPaymentClaimed
	s.pending[claim.Reference] = p
	s.claims[claim.Reference] = claim
	return nil
}

func (s *InMemoryStore) GetPaymentClaim(_ context.Context, reference string) (*models.PaymentClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[reference]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ConfirmPending(_ context.Context, reference, staffID string, at time.Time) (models.ConfirmedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[reference]
	if !ok {
		return models.ConfirmedReservation{}, ErrNotFound
	}
	if p.IsExpired(at) {
		return models.ConfirmedReservation{}, ErrExpired
	}
	var claim *models.PaymentClaim
	if c, ok := s.claims[reference]; ok {
		claim = &c
	}
	c := models.ConfirmedFrom(p, claim, staffID, at)
	if existing, ok := s.confirmed[reference]; ok {
		c = existing
	} else {
		s.confirmed[reference] = c
	}
	delete(s.pending, reference)
	return c, nil
}

func (s *InMemoryStore) GetConfirmed(_ context.Context, reference string) (*models.ConfirmedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.confirmed[reference]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListConfirmed(_ context.Context) ([]models.ConfirmedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConfirmedReservation, 0, len(s.confirmed))
	for _, c := range s.confirmed {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.After(out[j].ConfirmedAt) })
	return out, nil
}

func (s *InMemoryStore) CancelPending(_ context.Context, reference string, at time.Time) (models.PendingReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[reference]
	if !ok {
		return models.PendingReservation{}, ErrNotFound
	}
	s.closeLocked(p, models.OutcomeCancelled, at)
	return p, nil
}

func (s *InMemoryStore) GetClosed(_ context.Context, reference string) (*models.ClosedReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.closed[reference]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]models.PendingReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingReservation
	for _, p := range s.pending {
		if p.IsExpired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *InMemoryStore) ExpirePending(_ context.Context, reference string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[reference]
	if !ok || !p.IsExpired(now) {
		return false, nil
	}
	s.closeLocked(p, models.OutcomeExpired, now)
	return true, nil
}

func (s *InMemoryStore) Stats(_ context.Context, today string) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.Stats
	st.Pending = len(s.pending)
	st.Confirmed = len(s.confirmed)
	for _, p := range s.pending {
		if p.Status == models.StatusPaymentClaimed {
			st.PaymentClaimed++
		}
		if p.Date == today {
			st.Today++
		}
	}
	for _, c := range s.confirmed {
		if c.Date == today {
			st.Today++
			st.TodayRevenue += c.TotalPrice
		}
	}
	for _, c := range s.closed {
		switch c.Outcome {
		case models.OutcomeCancelled:
			st.Cancelled++
		case models.OutcomeExpired:
			st.Expired++
		}
	}
	st.Total = st.Pending + st.Confirmed + st.Cancelled
	return st, nil
}

func (s *InMemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
		s.dedup[messageID] = r
	}
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          "outbox_" + uuid.NewString(),
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	m.Status = OutboxStatusQueued
	if m.Attempts >= maxAttempts {
		m.Status = OutboxStatusFailed
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}
