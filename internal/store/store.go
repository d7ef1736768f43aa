// Package store provides storage backends for CourtPipe.
//
// It defines the session store and the booking ledger, and implements them in memory,
// on SQLite and on PostgreSQL. Sessions may also live in Redis.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

// Ledger errors. Anything else returned by a Ledger is a persistence failure.
var (
	ErrNotFound           = errors.New("reservation not found")
	ErrSlotTaken          = errors.New("slot already held by another reservation")
	ErrDuplicateReference = errors.New("reference already exists")
	ErrWrongStatus        = errors.New("reservation is not in the required status")
	ErrExpired            = errors.New("reservation hold has expired")
)

// SessionStore keeps one conversation session per customer key.
type SessionStore interface {
	// GetSession returns nil, nil when the key has no session.
	GetSession(ctx context.Context, key string) (*models.Session, error)
	SaveSession(ctx context.Context, s models.Session) error
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context) ([]models.Session, error)
}

// Ledger stores pending and confirmed reservations and payment claims.
//
// Only the booking lifecycle manager calls a Ledger. Every mutating method is atomic: it
// either applies completely or leaves the ledger unchanged.
type Ledger interface {
	// CreatePending inserts p and takes its slot hold. Unpaid holds on the same slot whose
	// expiry is before now are released first. Returns ErrSlotTaken when another active
	// reservation owns the slot and ErrDuplicateReference when the reference exists.
	CreatePending(ctx context.Context, p models.PendingReservation, now time.Time) error

	// GetPending returns nil, nil when the reference is not pending.
	GetPending(ctx context.Context, reference string) (*models.PendingReservation, error)

	// ListPending returns every pending reservation with its payment claim.
	ListPending(ctx context.Context) ([]models.PendingView, error)

	// ListPendingByCustomer returns the customer's pending reservations.
	ListPendingByCustomer(ctx context.Context, customerKey string) ([]models.PendingReservation, error)

	// AttachPaymentClaim records the claim and moves the reservation to PaymentClaimed.
	// Returns ErrNotFound, ErrWrongStatus when it is not awaiting payment, or ErrExpired
	// when its hold lapsed before the claim arrived.
	AttachPaymentClaim(ctx context.Context, claim models.PaymentClaim) error

	// GetPaymentClaim returns nil, nil when the reference has no claim.
	GetPaymentClaim(ctx context.Context, reference string) (*models.PaymentClaim, error)

	// ConfirmPending inserts the confirmed row keyed by reference, then deletes the pending
	// row, in one transaction. The slot hold is kept. Returns ErrNotFound when nothing is
	// pending under the reference and ErrExpired when an unpaid hold lapsed before at.
	ConfirmPending(ctx context.Context, reference, staffID string, at time.Time) (models.ConfirmedReservation, error)

	// GetConfirmed returns nil, nil when the reference is not confirmed.
	GetConfirmed(ctx context.Context, reference string) (*models.ConfirmedReservation, error)

	// ListConfirmed returns confirmed reservations, newest first.
	ListConfirmed(ctx context.Context) ([]models.ConfirmedReservation, error)

	// CancelPending deletes the pending row and its slot hold and records the cancellation.
	// Returns ErrNotFound when nothing is pending under the reference.
	CancelPending(ctx context.Context, reference string, at time.Time) (models.PendingReservation, error)

	// GetClosed returns nil, nil when the reference was never cancelled or expired.
	GetClosed(ctx context.Context, reference string) (*models.ClosedReservation, error)

	// ListExpiredPending returns unpaid reservations whose expiry is before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]models.PendingReservation, error)

	// ExpirePending deletes one reservation only if it is still unpaid and expired at now.
	// Returns false when the row changed or vanished in the meantime.
	ExpirePending(ctx context.Context, reference string, now time.Time) (bool, error)

	// Stats aggregates counts. today is YYYY-MM-DD in the facility time zone.
	Stats(ctx context.Context, today string) (models.Stats, error)
}

// Opts holds configuration options for SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for SQL stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
