// Package flow implements the customer booking conversation as a pure step machine.
//
// Engine.Advance takes the current session and one inbound message and returns the next
// session, the reply text and the side effect the caller must perform. It never touches
// storage or transports, so the same engine runs unchanged against any session store.
package flow

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

// DefaultBookingHorizonDays bounds how far ahead an explicit slot date may be.
const DefaultBookingHorizonDays = 14

// Event classifies what an Advance call did. Used for metrics and logging only.
type Event string

const (
	EventAdvanced     Event = "advanced"
	EventInvalidInput Event = "invalid_input"
	EventUnderReview  Event = "under_review"
)

// Effect is ledger work the caller must perform before saving the returned session.
type Effect string

const (
	EffectNone               Effect = ""
	EffectCreatePending      Effect = "create_pending"
	EffectAttachPaymentClaim Effect = "attach_payment_claim"
)

// Result is the outcome of one Advance call.
type Result struct {
	Session models.Session
	// Reply is empty for EffectCreatePending; the caller renders it with PendingCreatedReply
	// once the reservation exists.
	Reply  string
	Event  Event
	Effect Effect
	// ClaimText carries the customer's payment reference for EffectAttachPaymentClaim.
	ClaimText string
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// Engine advances booking conversations.
type Engine struct {
	catalog     catalog.Catalog
	loc         *time.Location
	horizonDays int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the facility time zone used for slot dates.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBookingHorizon sets how many days ahead an explicit slot date may be.
func WithBookingHorizon(days int) Option {
	return func(e *Engine) {
		if days >= 0 {
			e.horizonDays = days
		}
	}
}

// NewEngine creates an Engine over the given catalog.
func NewEngine(c catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:     c,
		loc:         time.UTC,
		horizonDays: DefaultBookingHorizonDays,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Advance moves the session at most one step forward for the given input.
// Malformed input leaves the step unchanged and re-emits the current prompt.
func (e *Engine) Advance(s models.Session, text string) Result {
	next := s.Clone()
	input := strings.TrimSpace(text)

	var res Result
	switch s.Step {
	case models.StepWelcome, "":
		next.Reset()
		next.Step = models.StepSelectActivityClass
		res = Result{Reply: welcomeText + "\n\n" + classMenuText(), Event: EventAdvanced}

	case models.StepSelectActivityClass:
		res = e.selectClass(&next, input)

	case models.StepSelectActivityType:
		res = e.selectType(&next, input)

	case models.StepSelectTimeSlot:
		res = e.selectSlot(&next, input)

	case models.StepEnterPhone:
		res = e.enterPhone(&next, input)

	case models.StepAwaitingPayment:
		if input == "" {
			res = Result{Reply: awaitingPaymentRepromptText(next.PendingBookingRef), Event: EventInvalidInput}
			break
		}
		next.Step = models.StepConfirming
		res = Result{
			Reply:     underReviewText(next.PendingBookingRef),
			Event:     EventAdvanced,
			Effect:    EffectAttachPaymentClaim,
			ClaimText: input,
		}

	case models.StepConfirming:
		res = Result{Reply: stillUnderReviewText(next.PendingBookingRef), Event: EventUnderReview}

	default:
		slog.Warn("Engine.Advance: unknown step, restarting conversation", "key", s.Key, "step", s.Step)
		next.Reset()
		next.Step = models.StepSelectActivityClass
		res = Result{Reply: welcomeText + "\n\n" + classMenuText(), Event: EventInvalidInput}
	}

	next.UpdatedAt = e.now()
	res.Session = next
	slog.Debug("Engine.Advance", "key", s.Key, "from", s.Step, "to", next.Step, "event", res.Event, "effect", res.Effect)
	return res
}

func (e *Engine) selectClass(s *models.Session, input string) Result {
	var class models.ActivityClass
	switch input {
	case "1":
		class = models.ActivityClassCourts
	case "2":
		class = models.ActivityClassSwimming
	default:
		return Result{Reply: invalidChoiceText + "\n\n" + classMenuText(), Event: EventInvalidInput}
	}

	types := e.catalog.ListActivityTypes(class)
	if len(types) == 0 {
		return Result{Reply: noActivitiesText + "\n\n" + classMenuText(), Event: EventInvalidInput}
	}
	s.ActivityClass = class
	s.Step = models.StepSelectActivityType
	return Result{Reply: typeMenuText(class, types), Event: EventAdvanced}
}

func (e *Engine) selectType(s *models.Session, input string) Result {
	types := e.catalog.ListActivityTypes(s.ActivityClass)
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 1 || idx > len(types) {
		return Result{Reply: invalidChoiceText + "\n\n" + typeMenuText(s.ActivityClass, types), Event: EventInvalidInput}
	}

	chosen := types[idx-1]
	s.ActivityTypeID = chosen.ID
	s.Step = models.StepSelectTimeSlot
	return Result{Reply: slotMenuText(chosen), Event: EventAdvanced}
}

func (e *Engine) selectSlot(s *models.Session, input string) Result {
	activity, err := e.catalog.GetActivityType(s.ActivityClass, s.ActivityTypeID)
	if err != nil {
		slog.Warn("Engine.selectSlot: activity vanished from catalog, restarting", "key", s.Key, "activity", s.ActivityTypeID, "error", err)
		s.Reset()
		s.Step = models.StepSelectActivityClass
		return Result{Reply: noActivitiesText + "\n\n" + classMenuText(), Event: EventInvalidInput}
	}

	slot, ok := ParseSlot(input, activity, e.now().In(e.loc), e.horizonDays)
	if !ok {
		return Result{Reply: invalidSlotText + "\n\n" + slotMenuText(activity), Event: EventInvalidInput}
	}
	s.Slot = &slot
	s.Step = models.StepEnterPhone
	return Result{Reply: phonePromptText(activity, slot), Event: EventAdvanced}
}

func (e *Engine) enterPhone(s *models.Session, input string) Result {
	phone, ok := NormalizePhone(input)
	if !ok {
		return Result{Reply: invalidPhoneText, Event: EventInvalidInput}
	}
	s.CustomerPhone = phone
	s.Step = models.StepAwaitingPayment
	return Result{Event: EventAdvanced, Effect: EffectCreatePending}
}

// NormalizePhone strips spaces and dashes and validates 10 to 15 digits with an optional '+'.
func NormalizePhone(input string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(input))
	if !phonePattern.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}

// ActivityFor returns the catalog entry chosen in s.
func (e *Engine) ActivityFor(s models.Session) (catalog.ActivityType, error) {
	return e.catalog.GetActivityType(s.ActivityClass, s.ActivityTypeID)
}

// PendingCreatedReply renders the payment instructions once a reservation exists.
func (e *Engine) PendingCreatedReply(p models.PendingReservation) string {
	name := p.ActivityTypeID
	if a, err := e.catalog.GetActivityType(p.ActivityClass, p.ActivityTypeID); err == nil {
		name = a.Name
	}
	return paymentInstructionsText(p, name, e.loc)
}

// SlotUnavailable rolls the session back to slot selection after an admission-check loss.
func (e *Engine) SlotUnavailable(s models.Session) Result {
	next := s.Clone()
	next.Slot = nil
	next.CustomerPhone = ""
	next.PendingBookingRef = ""
	next.Step = models.StepSelectTimeSlot
	next.UpdatedAt = e.now()

	reply := slotTakenText
	if a, err := e.catalog.GetActivityType(next.ActivityClass, next.ActivityTypeID); err == nil {
		reply += "\n\n" + slotMenuText(a)
	}
	return Result{Session: next, Reply: reply, Event: EventInvalidInput}
}

// Complete returns the session to Welcome after the reservation was resolved externally.
func (e *Engine) Complete(s models.Session) models.Session {
	next := s.Clone()
	next.Reset()
	next.UpdatedAt = e.now()
	return next
}

// Lapsed resets a session whose pending reservation no longer exists.
func (e *Engine) Lapsed(s models.Session) Result {
	ref := s.PendingBookingRef
	return Result{Session: e.Complete(s), Reply: expiredText(ref), Event: EventInvalidInput}
}

// ConfirmationText is sent to the customer when staff confirm a reservation.
func (e *Engine) ConfirmationText(c models.ConfirmedReservation) string {
	name := c.ActivityTypeID
	if a, err := e.catalog.GetActivityType(c.ActivityClass, c.ActivityTypeID); err == nil {
		name = a.Name
	}
	return confirmedText(c, name)
}

// CancellationText is sent to the customer when staff cancel a reservation.
func (e *Engine) CancellationText(reference string) string {
	return cancelledText(reference)
}

// ExpiryText is sent to the customer when the sweep releases their hold.
func (e *Engine) ExpiryText(reference string) string {
	return expiredText(reference)
}
