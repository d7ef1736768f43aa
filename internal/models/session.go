// Package models defines conversation session types.
package models

import "time"

// Step represents a position in the customer booking conversation.
type Step string

// Conversation steps, in flow order.
const (
	StepWelcome             Step = "WELCOME"
	StepSelectActivityClass Step = "SELECT_ACTIVITY_CLASS"
	StepSelectActivityType  Step = "SELECT_ACTIVITY_TYPE"
	StepSelectTimeSlot      Step = "SELECT_TIME_SLOT"
	StepEnterPhone          Step = "ENTER_PHONE"
	StepAwaitingPayment     Step = "AWAITING_PAYMENT"
	StepConfirming          Step = "CONFIRMING"
)

// IsValid reports whether s is a known step.
func (s Step) IsValid() bool {
	switch s {
	case StepWelcome, StepSelectActivityClass, StepSelectActivityType, StepSelectTimeSlot,
		StepEnterPhone, StepAwaitingPayment, StepConfirming:
		return true
	}
	return false
}

// ActivityClass groups activity types on the first menu.
type ActivityClass string

const (
	ActivityClassCourts   ActivityClass = "courts"
	ActivityClassSwimming ActivityClass = "swimming"
)

// Slot is a bookable date and start time. Date is YYYY-MM-DD, Time is HH:MM.
type Slot struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// String renders the slot as "YYYY-MM-DD HH:MM".
func (s Slot) String() string {
	return s.Date + " " + s.Time
}

// IsZero reports whether the slot is unset.
func (s Slot) IsZero() bool {
	return s.Date == "" && s.Time == ""
}

// Session is the conversation state of one customer, keyed by transport address.
type Session struct {
	Key               string        `json:"key"`
	Step              Step          `json:"step"`
	ActivityClass     ActivityClass `json:"activity_class,omitempty"`
	ActivityTypeID    string        `json:"activity_type_id,omitempty"`
	Slot              *Slot         `json:"slot,omitempty"`
	CustomerPhone     string        `json:"customer_phone,omitempty"`
	PendingBookingRef string        `json:"pending_booking_ref,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewSession returns a session at the Welcome step.
func NewSession(key string, now time.Time) Session {
	return Session{Key: key, Step: StepWelcome, CreatedAt: now, UpdatedAt: now}
}

// Reset clears all booking selections and returns the session to Welcome.
func (s *Session) Reset() {
	s.Step = StepWelcome
	s.ActivityClass = ""
	s.ActivityTypeID = ""
	s.Slot = nil
	s.CustomerPhone = ""
	s.PendingBookingRef = ""
}

// Clone returns a deep copy so callers can mutate without aliasing the slot pointer.
func (s Session) Clone() Session {
	c := s
	if s.Slot != nil {
		slot := *s.Slot
		c.Slot = &slot
	}
	return c
}
