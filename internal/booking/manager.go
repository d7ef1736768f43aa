// Package booking implements the reservation lifecycle: admission, payment claims,
// confirmation, cancellation and expiry.
//
// Every ledger mutation in CourtPipe goes through a Manager. Operations on one reference are
// serialized by a per-reference lock; the ledger's slot uniqueness constraint decides
// admission races between different references.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/events"
	"github.com/BTreeMap/CourtPipe/internal/keylock"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/store"
	"github.com/BTreeMap/CourtPipe/internal/util"
)

// Lifecycle errors. Anything else returned by a Manager is a persistence failure.
var (
	ErrSlotUnavailable   = errors.New("slot unavailable")
	ErrReferenceNotFound = errors.New("reference not found")
	ErrWrongStatus       = errors.New("not pending")
	ErrExpired           = errors.New("booking hold expired")
)

const (
	// ReferencePrefix starts every booking reference.
	ReferencePrefix = "BK"
	// referenceSuffixLen is the length of the random part of a reference.
	referenceSuffixLen = 4
	// maxReferenceAttempts bounds retries on reference collisions.
	maxReferenceAttempts = 5
)

// NewReference returns "BK" + base-36 milliseconds + a random suffix, uppercased.
func NewReference(now time.Time) string {
	return strings.ToUpper(ReferencePrefix + strconv.FormatInt(now.UnixMilli(), 36) + util.GenerateRandomAlphaNumeric(referenceSuffixLen))
}

// PendingRequest carries what the conversation collected before a slot is held.
type PendingRequest struct {
	CustomerKey     string
	CustomerPhone   string
	ActivityClass   models.ActivityClass
	ActivityTypeID  string
	Slot            models.Slot
	DurationMinutes int
	TotalPrice      int64
}

// Record is everything the ledger knows about one reference. At most one field is set.
type Record struct {
	Pending   *models.PendingView          `json:"pending,omitempty"`
	Confirmed *models.ConfirmedReservation `json:"confirmed,omitempty"`
	Closed    *models.ClosedReservation    `json:"closed,omitempty"`
}

// Manager owns the booking ledger.
type Manager struct {
	ledger    store.Ledger
	publisher events.Publisher
	locks     *keylock.Locker
	ttl       time.Duration
	loc       *time.Location
	now       func() time.Time
	newRef    func(time.Time) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPendingTTL sets how long an unpaid reservation holds its slot.
func WithPendingTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocation sets the facility time zone used for "today" in Stats.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithReferenceGenerator overrides reference generation.
func WithReferenceGenerator(gen func(time.Time) string) Option {
	return func(m *Manager) { m.newRef = gen }
}

// NewManager creates a Manager over the given ledger.
func NewManager(ledger store.Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger:    ledger,
		publisher: events.LogPublisher{},
		locks:     keylock.New(),
		ttl:       models.DefaultPendingTTL,
		loc:       time.UTC,
		now:       time.Now,
		newRef:    NewReference,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PendingTTL returns the configured hold lifetime.
func (m *Manager) PendingTTL() time.Duration {
	return m.ttl
}

// CreatePending holds req.Slot for req.CustomerKey and returns the new reservation.
// Repeating a request for the same customer and slot while the hold is active returns the
// existing reservation. Returns ErrSlotUnavailable when another reservation owns the slot.
func (m *Manager) CreatePending(ctx context.Context, req PendingRequest) (models.PendingReservation, error) {
	now := m.now()

	existing, err := m.ledger.ListPendingByCustomer(ctx, req.CustomerKey)
	if err != nil {
		return models.PendingReservation{}, fmt.Errorf("failed to look up customer reservations: %w", err)
	}
	for _, p := range existing {
		if p.ActivityTypeID == req.ActivityTypeID && p.Slot() == req.Slot && !p.IsExpired(now) {
			slog.Debug("Manager.CreatePending: returning existing hold", "reference", p.Reference, "customer", req.CustomerKey)
			return p, nil
		}
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = 60
	}
	p := models.PendingReservation{
		CustomerKey:     req.CustomerKey,
		CustomerPhone:   req.CustomerPhone,
		ActivityClass:   req.ActivityClass,
		ActivityTypeID:  req.ActivityTypeID,
		Date:            req.Slot.Date,
		Time:            req.Slot.Time,
		DurationMinutes: duration,
		TotalPrice:      req.TotalPrice,
		Status:          models.StatusAwaitingPayment,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl),
	}

	for attempt := 1; ; attempt++ {
		p.Reference = m.newRef(now)
		err = m.ledger.CreatePending(ctx, p, now)
		if !errors.Is(err, store.ErrDuplicateReference) || attempt == maxReferenceAttempts {
			break
		}
		slog.Warn("Manager.CreatePending: reference collision, retrying", "reference", p.Reference, "attempt", attempt)
	}
	switch {
	case errors.Is(err, store.ErrSlotTaken):
		slog.Info("Manager.CreatePending: slot unavailable", "customer", req.CustomerKey, "activity", req.ActivityTypeID, "slot", req.Slot.String())
		return models.PendingReservation{}, ErrSlotUnavailable
	case err != nil:
		slog.Error("Manager.CreatePending: ledger write failed", "customer", req.CustomerKey, "error", err)
		return models.PendingReservation{}, fmt.Errorf("failed to create pending reservation: %w", err)
	}

	slog.Info("Manager.CreatePending: slot held", "reference", p.Reference, "customer", p.CustomerKey,
		"activity", p.ActivityTypeID, "slot", p.Slot().String(), "price", p.TotalPrice)
	events.Emit(ctx, m.publisher, events.New(events.BookingCreated, p.Reference, p.CustomerKey, now, map[string]any{
		"activity_type_id": p.ActivityTypeID,
		"date":             p.Date,
		"time":             p.Time,
		"total_price":      p.TotalPrice,
		"expires_at":       p.ExpiresAt,
	}))
	return p, nil
}

// AttachPaymentClaim records the customer's payment reference and moves the reservation to
// PaymentClaimed. Claiming twice is not an error.
func (m *Manager) AttachPaymentClaim(ctx context.Context, reference, claimedText string) (models.PendingReservation, error) {
	unlock := m.locks.Lock(reference)
	defer unlock()

	now := m.now()
	err := m.ledger.AttachPaymentClaim(ctx, models.PaymentClaim{Reference: reference, ClaimedText: claimedText, ClaimedAt: now})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrExpired):
		return models.PendingReservation{}, ErrExpired
	case errors.Is(err, store.ErrWrongStatus):
		p, gerr := m.ledger.GetPending(ctx, reference)
		if gerr != nil {
			return models.PendingReservation{}, fmt.Errorf("failed to read reservation %s: %w", reference, gerr)
		}
		if p != nil && p.Status == models.StatusPaymentClaimed {
			return *p, nil
		}
		return models.PendingReservation{}, ErrWrongStatus
	case errors.Is(err, store.ErrNotFound):
		return models.PendingReservation{}, m.resolvedOrMissing(ctx, reference)
	default:
		slog.Error("Manager.AttachPaymentClaim: ledger write failed", "reference", reference, "error", err)
		return models.PendingReservation{}, fmt.Errorf("failed to attach payment claim: %w", err)
	}

	p, err := m.ledger.GetPending(ctx, reference)
	if err != nil {
		return models.PendingReservation{}, fmt.Errorf("failed to reload reservation %s: %w", reference, err)
	}
	if p == nil {
		return models.PendingReservation{}, ErrWrongStatus
	}
	slog.Info("Manager.AttachPaymentClaim: payment claimed", "reference", reference, "customer", p.CustomerKey, "claimLength", len(claimedText))
	events.Emit(ctx, m.publisher, events.New(events.BookingPaymentClaimed, reference, p.CustomerKey, now, nil))
	return *p, nil
}

// Confirm moves a pending reservation to the confirmed table under the same reference.
// Confirming an already confirmed reference returns the existing record; the bool result
// reports whether this call performed the confirmation.
func (m *Manager) Confirm(ctx context.Context, reference, staffID string) (models.ConfirmedReservation, bool, error) {
	unlock := m.locks.Lock(reference)
	defer unlock()

	c, err := m.ledger.ConfirmPending(ctx, reference, staffID, m.now())
	switch {
	case err == nil:
		slog.Info("Manager.Confirm: reservation confirmed", "reference", reference, "staff", staffID, "customer", c.CustomerKey)
		events.Emit(ctx, m.publisher, events.New(events.BookingConfirmed, reference, c.CustomerKey, c.ConfirmedAt, map[string]any{
			"confirmed_by": staffID,
			"total_price":  c.TotalPrice,
		}))
		return c, true, nil
	case errors.Is(err, store.ErrExpired):
		return models.ConfirmedReservation{}, false, ErrWrongStatus
	case errors.Is(err, store.ErrNotFound):
		existing, gerr := m.ledger.GetConfirmed(ctx, reference)
		if gerr != nil {
			return models.ConfirmedReservation{}, false, fmt.Errorf("failed to read confirmed reservation: %w", gerr)
		}
		if existing != nil {
			slog.Debug("Manager.Confirm: already confirmed", "reference", reference)
			return *existing, false, nil
		}
		return models.ConfirmedReservation{}, false, m.resolvedOrMissing(ctx, reference)
	default:
		return models.ConfirmedReservation{}, false, fmt.Errorf("failed to confirm %s: %w", reference, err)
	}
}

// Cancel releases a pending reservation without confirming it.
func (m *Manager) Cancel(ctx context.Context, reference string) (models.PendingReservation, error) {
	unlock := m.locks.Lock(reference)
	defer unlock()

	now := m.now()
	p, err := m.ledger.CancelPending(ctx, reference, now)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return models.PendingReservation{}, m.resolvedOrMissing(ctx, reference)
	default:
		return models.PendingReservation{}, fmt.Errorf("failed to cancel %s: %w", reference, err)
	}

	slog.Info("Manager.Cancel: reservation cancelled", "reference", reference, "customer", p.CustomerKey)
	events.Emit(ctx, m.publisher, events.New(events.BookingCancelled, reference, p.CustomerKey, now, nil))
	return p, nil
}

// resolvedOrMissing tells a reference that left the pending table apart from one that never existed.
func (m *Manager) resolvedOrMissing(ctx context.Context, reference string) error {
	if c, err := m.ledger.GetConfirmed(ctx, reference); err != nil {
		return fmt.Errorf("failed to read confirmed reservation: %w", err)
	} else if c != nil {
		return ErrWrongStatus
	}
	if c, err := m.ledger.GetClosed(ctx, reference); err != nil {
		return fmt.Errorf("failed to read closed reservation: %w", err)
	} else if c != nil {
		return ErrWrongStatus
	}
	return ErrReferenceNotFound
}

// SweepExpired removes unpaid reservations whose hold lapsed before now and returns them.
// Each reservation is expired in its own short transaction under its reference lock.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) ([]models.PendingReservation, error) {
	candidates, err := m.ledger.ListExpiredPending(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	var expired []models.PendingReservation
	for _, p := range candidates {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		unlock := m.locks.Lock(p.Reference)
		ok, err := m.ledger.ExpirePending(ctx, p.Reference, now)
		unlock()
		if err != nil {
			slog.Error("Manager.SweepExpired: expire failed", "reference", p.Reference, "error", err)
			continue
		}
		if !ok {
			continue
		}
		p.Status = models.StatusExpired
		expired = append(expired, p)
		events.Emit(ctx, m.publisher, events.New(events.BookingExpired, p.Reference, p.CustomerKey, now, nil))
	}
	if len(expired) > 0 {
		slog.Info("Manager.SweepExpired: released lapsed holds", "count", len(expired))
	}
	return expired, nil
}

// ListPending returns active pending reservations, payment-claimed first.
func (m *Manager) ListPending(ctx context.Context) ([]models.PendingView, error) {
	return m.ledger.ListPending(ctx)
}

// Stats aggregates ledger counts for today in the facility time zone.
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	return m.ledger.Stats(ctx, m.Today())
}

// Today returns the current date in the facility time zone as YYYY-MM-DD.
func (m *Manager) Today() string {
	return m.now().In(m.loc).Format("2006-01-02")
}

// Get looks a reference up across pending, confirmed and closed reservations.
// Returns ErrReferenceNotFound when the ledger has never seen it.
func (m *Manager) Get(ctx context.Context, reference string) (Record, error) {
	p, err := m.ledger.GetPending(ctx, reference)
	if err != nil {
		return Record{}, err
	}
	if p != nil {
		claim, err := m.ledger.GetPaymentClaim(ctx, reference)
		if err != nil {
			return Record{}, err
		}
		return Record{Pending: &models.PendingView{PendingReservation: *p, Claim: claim}}, nil
	}
	c, err := m.ledger.GetConfirmed(ctx, reference)
	if err != nil {
		return Record{}, err
	}
	if c != nil {
		return Record{Confirmed: c}, nil
	}
	closed, err := m.ledger.GetClosed(ctx, reference)
	if err != nil {
		return Record{}, err
	}
	if closed != nil {
		return Record{Closed: closed}, nil
	}
	return Record{}, ErrReferenceNotFound
}
