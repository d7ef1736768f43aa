// Package models defines reservation records kept in the booking ledger.
package models

import "time"

// ReservationStatus is the status of a pending reservation.
type ReservationStatus string

const (
	StatusAwaitingPayment ReservationStatus = "awaiting_payment"
	StatusPaymentClaimed  ReservationStatus = "payment_claimed"
	StatusExpired         ReservationStatus = "expired"
)

// CloseOutcome records why a pending reservation left the ledger without confirmation.
type CloseOutcome string

const (
	OutcomeCancelled CloseOutcome = "cancelled"
	OutcomeExpired   CloseOutcome = "expired"
)

// DefaultPendingTTL is how long a pending reservation holds its slot.
const DefaultPendingTTL = 30 * time.Minute

// PendingReservation holds a slot while the customer pays.
type PendingReservation struct {
	Reference       string            `json:"reference"`
	CustomerKey     string            `json:"customer_key"`
	CustomerPhone   string            `json:"customer_phone,omitempty"`
	ActivityClass   ActivityClass     `json:"activity_class"`
	ActivityTypeID  string            `json:"activity_type_id"`
	Date            string            `json:"date"`
	Time            string            `json:"time"`
	DurationMinutes int               `json:"duration_minutes"`
	TotalPrice      int64             `json:"total_price"`
	Status          ReservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

// Slot returns the reserved slot.
func (p PendingReservation) Slot() Slot {
	return Slot{Date: p.Date, Time: p.Time}
}

// IsExpired reports whether an unpaid reservation has outlived its TTL.
// Claimed reservations never expire on their own.
func (p PendingReservation) IsExpired(now time.Time) bool {
	return p.Status == StatusAwaitingPayment && p.ExpiresAt.Before(now)
}

// ConfirmedReservation is an immutable, finalized booking.
type ConfirmedReservation struct {
	Reference        string        `json:"reference"`
	CustomerKey      string        `json:"customer_key"`
	CustomerPhone    string        `json:"customer_phone,omitempty"`
	ActivityClass    ActivityClass `json:"activity_class"`
	ActivityTypeID   string        `json:"activity_type_id"`
	Date             string        `json:"date"`
	Time             string        `json:"time"`
	DurationMinutes  int           `json:"duration_minutes"`
	TotalPrice       int64         `json:"total_price"`
	CreatedAt        time.Time     `json:"created_at"`
	ConfirmedAt      time.Time     `json:"confirmed_at"`
	ConfirmedBy      string        `json:"confirmed_by"`
	PaymentReference *string       `json:"payment_reference,omitempty"`
}

// ConfirmedFrom builds the confirmed record for p, keeping its reference.
func ConfirmedFrom(p PendingReservation, claim *PaymentClaim, staffID string, at time.Time) ConfirmedReservation {
	c := ConfirmedReservation{
		Reference:       p.Reference,
		CustomerKey:     p.CustomerKey,
		CustomerPhone:   p.CustomerPhone,
		ActivityClass:   p.ActivityClass,
		ActivityTypeID:  p.ActivityTypeID,
		Date:            p.Date,
		Time:            p.Time,
		DurationMinutes: p.DurationMinutes,
		TotalPrice:      p.TotalPrice,
		CreatedAt:       p.CreatedAt,
		ConfirmedAt:     at,
		ConfirmedBy:     staffID,
	}
	if claim != nil {
		ref := claim.ClaimedText
		c.PaymentReference = &ref
	}
	return c
}

// PaymentClaim is the customer's unverified statement that they paid.
type PaymentClaim struct {
	Reference   string    `json:"reference"`
	ClaimedText string    `json:"claimed_text"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// ClosedReservation records a pending reservation that was cancelled or expired.
type ClosedReservation struct {
	Reference   string       `json:"reference"`
	CustomerKey string       `json:"customer_key"`
	Outcome     CloseOutcome `json:"outcome"`
	ClosedAt    time.Time    `json:"closed_at"`
}

// PendingView pairs a pending reservation with its payment claim, if any.
type PendingView struct {
	PendingReservation
	Claim *PaymentClaim `json:"claim,omitempty"`
}

// Stats aggregates ledger counts for the admin channel.
type Stats struct {
	Total          int   `json:"total"`
	Pending        int   `json:"pending"`
	Confirmed      int   `json:"confirmed"`
	Cancelled      int   `json:"cancelled"`
	Expired        int   `json:"expired"`
	Today          int   `json:"today"`
	TodayRevenue   int64 `json:"today_revenue"`
	PaymentClaimed int   `json:"payment_claimed"`
}
