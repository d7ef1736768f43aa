package flow

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

var fixedNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(catalog.Default(), WithClock(func() time.Time { return fixedNow }))
}

func sessionAt(step models.Step) models.Session {
	s := models.NewSession("+966500000001", fixedNow.Add(-time.Hour))
	s.Step = step
	switch step {
	case models.StepSelectActivityType:
		s.ActivityClass = models.ActivityClassCourts
	case models.StepSelectTimeSlot:
		s.ActivityClass = models.ActivityClassCourts
		s.ActivityTypeID = "football"
	case models.StepEnterPhone:
		s.ActivityClass = models.ActivityClassCourts
		s.ActivityTypeID = "football"
		s.Slot = &models.Slot{Date: "2026-10-19", Time: "10:00"}
	case models.StepAwaitingPayment, models.StepConfirming:
		s.ActivityClass = models.ActivityClassCourts
		s.ActivityTypeID = "football"
		s.Slot = &models.Slot{Date: "2026-10-19", Time: "10:00"}
		s.CustomerPhone = "966512345678"
		s.PendingBookingRef = "BKTEST0001"
	}
	return s
}

func TestEngineTransitions(t *testing.T) {
	tests := []struct {
		name     string
		from     models.Step
		input    string
		wantStep models.Step
		wantEvt  Event
		wantEff  Effect
	}{
		{"welcome any", models.StepWelcome, "hi", models.StepSelectActivityClass, EventAdvanced, EffectNone},
		{"welcome empty", models.StepWelcome, "", models.StepSelectActivityClass, EventAdvanced, EffectNone},
		{"class courts", models.StepSelectActivityClass, "1", models.StepSelectActivityType, EventAdvanced, EffectNone},
		{"class swimming", models.StepSelectActivityClass, "2", models.StepSelectActivityType, EventAdvanced, EffectNone},
		{"class invalid", models.StepSelectActivityClass, "3", models.StepSelectActivityClass, EventInvalidInput, EffectNone},
		{"class text", models.StepSelectActivityClass, "courts", models.StepSelectActivityClass, EventInvalidInput, EffectNone},
		{"type valid", models.StepSelectActivityType, "1", models.StepSelectTimeSlot, EventAdvanced, EffectNone},
		{"type out of range", models.StepSelectActivityType, "99", models.StepSelectActivityType, EventInvalidInput, EffectNone},
		{"type zero", models.StepSelectActivityType, "0", models.StepSelectActivityType, EventInvalidInput, EffectNone},
		{"type text", models.StepSelectActivityType, "football", models.StepSelectActivityType, EventInvalidInput, EffectNone},
		{"slot listed", models.StepSelectTimeSlot, "10:00", models.StepEnterPhone, EventAdvanced, EffectNone},
		{"slot with date", models.StepSelectTimeSlot, "2026-10-20 18:00", models.StepEnterPhone, EventAdvanced, EffectNone},
		{"slot unlisted", models.StepSelectTimeSlot, "10:30", models.StepSelectTimeSlot, EventInvalidInput, EffectNone},
		{"slot garbage", models.StepSelectTimeSlot, "tomorrow", models.StepSelectTimeSlot, EventInvalidInput, EffectNone},
		{"slot past date", models.StepSelectTimeSlot, "2026-10-18 10:00", models.StepSelectTimeSlot, EventInvalidInput, EffectNone},
		{"slot beyond horizon", models.StepSelectTimeSlot, "2026-12-01 10:00", models.StepSelectTimeSlot, EventInvalidInput, EffectNone},
		{"phone valid", models.StepEnterPhone, "966512345678", models.StepAwaitingPayment, EventAdvanced, EffectCreatePending},
		{"phone with plus", models.StepEnterPhone, "+966512345678", models.StepAwaitingPayment, EventAdvanced, EffectCreatePending},
		{"phone too short", models.StepEnterPhone, "12345", models.StepEnterPhone, EventInvalidInput, EffectNone},
		{"phone letters", models.StepEnterPhone, "call me", models.StepEnterPhone, EventInvalidInput, EffectNone},
		{"payment any text", models.StepAwaitingPayment, "TX-88812", models.StepConfirming, EventAdvanced, EffectAttachPaymentClaim},
		{"payment blank", models.StepAwaitingPayment, "   ", models.StepAwaitingPayment, EventInvalidInput, EffectNone},
		{"confirming any", models.StepConfirming, "any news?", models.StepConfirming, EventUnderReview, EffectNone},
	}

	e := newTestEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Advance(sessionAt(tt.from), tt.input)
			if res.Session.Step != tt.wantStep {
				t.Errorf("step: expected %s, got %s", tt.wantStep, res.Session.Step)
			}
			if res.Event != tt.wantEvt {
				t.Errorf("event: expected %s, got %s", tt.wantEvt, res.Event)
			}
			if res.Effect != tt.wantEff {
				t.Errorf("effect: expected %q, got %q", tt.wantEff, res.Effect)
			}
			if tt.wantEff != EffectCreatePending && res.Reply == "" {
				t.Error("expected a reply")
			}
		})
	}
}

func TestEngineInvalidInputRepeatsPrompt(t *testing.T) {
	e := newTestEngine()
	s := sessionAt(models.StepSelectActivityType)

	res := e.Advance(s, "7")
	if !strings.Contains(res.Reply, "Football pitch") {
		t.Errorf("expected court menu to be re-emitted, got %q", res.Reply)
	}
	if res.Session.ActivityClass != models.ActivityClassCourts {
		t.Errorf("invalid input must not change selections, got %s", res.Session.ActivityClass)
	}
}

func TestEngineDoesNotMutateInput(t *testing.T) {
	e := newTestEngine()
	s := sessionAt(models.StepEnterPhone)

	_ = e.Advance(s, "966512345678")

	if s.Step != models.StepEnterPhone || s.CustomerPhone != "" {
		t.Errorf("Advance mutated its input session: %+v", s)
	}
}

func TestEngineRecordsSelections(t *testing.T) {
	e := newTestEngine()
	s := models.NewSession("+966500000001", fixedNow)

	for _, in := range []string{"hi", "1", "1", "10:00", "966512345678"} {
		s = e.Advance(s, in).Session
	}

	if s.Step != models.StepAwaitingPayment {
		t.Fatalf("expected AwaitingPayment, got %s", s.Step)
	}
	if s.ActivityClass != models.ActivityClassCourts || s.ActivityTypeID != "football" {
		t.Errorf("unexpected activity selection: %s/%s", s.ActivityClass, s.ActivityTypeID)
	}
	if s.Slot == nil || *s.Slot != (models.Slot{Date: "2026-10-19", Time: "10:00"}) {
		t.Errorf("unexpected slot: %v", s.Slot)
	}
	if s.CustomerPhone != "966512345678" {
		t.Errorf("unexpected phone: %s", s.CustomerPhone)
	}
}

func TestEngineSlotUnavailableRollsBack(t *testing.T) {
	e := newTestEngine()
	s := sessionAt(models.StepAwaitingPayment)
	s.PendingBookingRef = ""

	res := e.SlotUnavailable(s)

	if res.Session.Step != models.StepSelectTimeSlot {
		t.Errorf("expected SelectTimeSlot, got %s", res.Session.Step)
	}
	if res.Session.Slot != nil || res.Session.CustomerPhone != "" {
		t.Errorf("expected slot and phone cleared, got %+v", res.Session)
	}
	if res.Session.ActivityTypeID != "football" {
		t.Errorf("expected activity kept, got %s", res.Session.ActivityTypeID)
	}
	if !strings.Contains(res.Reply, "10:00") {
		t.Errorf("expected slot list in reply, got %q", res.Reply)
	}
}

func TestEngineCompleteResetsToWelcome(t *testing.T) {
	e := newTestEngine()
	s := e.Complete(sessionAt(models.StepConfirming))
	if s.Step != models.StepWelcome || s.PendingBookingRef != "" {
		t.Errorf("expected clean Welcome session, got %+v", s)
	}
}

func TestParseSlotNextOccurrence(t *testing.T) {
	a, _ := catalog.Default().GetActivityType(models.ActivityClassCourts, "football")
	evening := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	slot, ok := ParseSlot("10:00", a, evening, DefaultBookingHorizonDays)
	if !ok {
		t.Fatal("expected 10:00 to parse")
	}
	if slot.Date != "2026-10-20" {
		t.Errorf("expected a passed time to roll to tomorrow, got %s", slot.Date)
	}

	slot, ok = ParseSlot("9:00", a, fixedNow, DefaultBookingHorizonDays)
	if !ok || slot.Time != "09:00" || slot.Date != "2026-10-19" {
		t.Errorf("expected 9:00 to normalize to today 09:00, got %+v ok=%v", slot, ok)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"966512345678", "966512345678", true},
		{"+966 51 234 5678", "+966512345678", true},
		{"0551-234-567", "0551234567", true},
		{"123456789", "", false},
		{"1234567890123456", "", false},
		{"++966512345678", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
