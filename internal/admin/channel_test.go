package admin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/conversation"
	"github.com/BTreeMap/CourtPipe/internal/flow"
	"github.com/BTreeMap/CourtPipe/internal/messaging"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/store"
)

const (
	staffChat = "4242"
	customer  = "+966500000001"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *testClock
	mem      *store.InMemoryStore
	manager  *booking.Manager
	customer *messaging.MockService
	staff    *messaging.MockService
	adapter  *conversation.Adapter
	channel  *Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &testClock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)},
		mem:      store.NewInMemoryStore(),
		customer: messaging.NewMockService(),
		staff:    messaging.NewMockService(),
	}
	cat := catalog.Default()
	f.manager = booking.NewManager(f.mem, booking.WithClock(f.clock.Now))
	engine := flow.NewEngine(cat, flow.WithClock(f.clock.Now))
	f.adapter = conversation.NewAdapter(f.customer, f.mem, f.manager, engine,
		conversation.WithClock(f.clock.Now), conversation.WithInboundRate(0))
	f.channel = NewChannel(f.manager, f.adapter,
		WithTransport(f.staff), WithAdminChats([]string{staffChat}, true), WithCatalog(cat))
	conversation.WithAdminNotifier(f.channel)(f.adapter)
	return f
}

func (f *fixture) customerSays(t *testing.T, text string) {
	t.Helper()
	if err := f.adapter.HandleMessage(context.Background(), models.Message{From: customer, Body: text}); err != nil {
		t.Fatalf("customer %q: %v", text, err)
	}
}

// book drives the customer to a pending reservation and returns its reference.
func (f *fixture) book(t *testing.T, slot string, claim bool) string {
	t.Helper()
	for _, text := range []string{"hi", "1", "1", slot, "966512345678"} {
		f.customerSays(t, text)
	}
	s, err := f.mem.GetSession(context.Background(), customer)
	if err != nil || s == nil || s.PendingBookingRef == "" {
		t.Fatalf("no pending booking: %+v, %v", s, err)
	}
	if claim {
		f.customerSays(t, "TXN_5521")
	}
	return s.PendingBookingRef
}

func TestConfirmUnknownReference(t *testing.T) {
	f := newFixture(t)
	before, _ := f.manager.Stats(context.Background())

	if got := f.channel.Handle(context.Background(), staffChat, "/confirm BK000X"); got != ReplyReferenceNotFound {
		t.Errorf("reply = %q, want %q", got, ReplyReferenceNotFound)
	}
	after, _ := f.manager.Stats(context.Background())
	if before != after {
		t.Errorf("ledger changed: %+v -> %+v", before, after)
	}
}

func TestConfirmClaimedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.book(t, "10:00", true)

	reply := f.channel.Handle(ctx, staffChat, "/confirm "+strings.ToLower(ref))
	if !strings.Contains(reply, "Confirmed") || !strings.Contains(reply, ref) {
		t.Errorf("confirm reply = %q", reply)
	}

	c, err := f.mem.GetConfirmed(ctx, ref)
	if err != nil || c == nil {
		t.Fatalf("confirmed reservation missing: %v", err)
	}
	if c.Reference != ref || c.ConfirmedBy != staffChat {
		t.Errorf("confirmed = %+v", c)
	}
	if c.PaymentReference == nil || *c.PaymentReference != "TXN_5521" {
		t.Errorf("payment reference = %v", c.PaymentReference)
	}
	if p, _ := f.mem.GetPending(ctx, ref); p != nil {
		t.Errorf("pending row still present: %+v", p)
	}

	msgs := f.customer.SentTo(customer)
	if last := msgs[len(msgs)-1]; !strings.Contains(last, "Booking confirmed") || !strings.Contains(last, ref) {
		t.Errorf("customer confirmation = %q", last)
	}
	s, _ := f.mem.GetSession(ctx, customer)
	if s == nil || s.Step != models.StepWelcome {
		t.Errorf("customer session = %+v", s)
	}

	sentBefore := len(f.customer.Sent())
	again := f.channel.Handle(ctx, staffChat, "/confirm "+ref)
	if !strings.Contains(again, "Already confirmed") {
		t.Errorf("second confirm reply = %q", again)
	}
	if len(f.customer.Sent()) != sentBefore {
		t.Error("customer notified twice")
	}
	confirmed, _ := f.mem.ListConfirmed(ctx)
	if len(confirmed) != 1 {
		t.Errorf("confirmed rows = %d", len(confirmed))
	}
}

func TestCancelReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got := f.channel.Handle(ctx, staffChat, "/cancel BKNOPE"); got != ReplyReferenceNotFound {
		t.Errorf("unknown cancel = %q", got)
	}

	ref := f.book(t, "10:00", false)
	if got := f.channel.Handle(ctx, staffChat, "/cancel "+ref); !strings.Contains(got, "Cancelled") {
		t.Errorf("cancel reply = %q", got)
	}
	msgs := f.customer.SentTo(customer)
	if !strings.Contains(msgs[len(msgs)-1], "cancelled") {
		t.Errorf("customer cancellation = %q", msgs[len(msgs)-1])
	}
	if got := f.channel.Handle(ctx, staffChat, "/cancel "+ref); got != ReplyNotPending {
		t.Errorf("second cancel = %q", got)
	}
	if got := f.channel.Handle(ctx, staffChat, "/confirm "+ref); got != ReplyNotPending {
		t.Errorf("confirm after cancel = %q", got)
	}
}

func TestConfirmExpiredHoldIsNotPending(t *testing.T) {
	f := newFixture(t)
	ref := f.book(t, "10:00", false)
	f.clock.Advance(models.DefaultPendingTTL + time.Minute)

	if got := f.channel.Handle(context.Background(), staffChat, "/confirm "+ref); got != ReplyNotPending {
		t.Errorf("reply = %q, want %q", got, ReplyNotPending)
	}
}

func TestUsageAndHelp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if got := f.channel.Handle(ctx, staffChat, "/confirm"); got != confirmUsage {
		t.Errorf("/confirm = %q", got)
	}
	if got := f.channel.Handle(ctx, staffChat, "/cancel"); got != cancelUsage {
		t.Errorf("/cancel = %q", got)
	}
	for _, in := range []string{"/help", "/start", "/whatever", "hello"} {
		if got := f.channel.Handle(ctx, staffChat, in); got != helpText {
			t.Errorf("%q = %q", in, got)
		}
	}
}

func TestPendingListsClaimedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got := f.channel.Handle(ctx, staffChat, "/pending"); got != "No pending reservations." {
		t.Errorf("empty pending = %q", got)
	}

	unpaid := f.book(t, "10:00", false)
	f.mem.DeleteSession(ctx, customer)
	claimed := f.book(t, "11:00", true)

	got := f.channel.Handle(ctx, staffChat, "/pending")
	ci, ui := strings.Index(got, claimed), strings.Index(got, unpaid)
	if ci < 0 || ui < 0 || ci > ui {
		t.Fatalf("claimed reservation not listed first:\n%s", got)
	}
	if !strings.Contains(got, "TXN\\_5521") {
		t.Errorf("claim text missing or unescaped:\n%s", got)
	}
	if !strings.Contains(got, "Football pitch") || !strings.Contains(got, "200 SAR") {
		t.Errorf("activity details missing:\n%s", got)
	}
}

func TestStatsReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := f.book(t, "10:00", true)
	f.channel.Handle(ctx, staffChat, "/confirm "+ref)

	got := f.channel.Handle(ctx, staffChat, "/stats")
	for _, want := range []string{"Total: 1", "Confirmed: 1", "Pending: 0", "Today (2026-10-19): 1", "revenue: 200 SAR"} {
		if !strings.Contains(got, want) {
			t.Errorf("stats reply lacks %q:\n%s", want, got)
		}
	}
}

func TestNotificationsReachAdminChats(t *testing.T) {
	f := newFixture(t)
	ref := f.book(t, "10:00", true)

	notices := f.staff.SentTo(staffChat)
	if len(notices) != 2 {
		t.Fatalf("admin notices = %d: %v", len(notices), notices)
	}
	if !strings.Contains(notices[0], "New booking") || !strings.Contains(notices[0], ref) {
		t.Errorf("new booking notice = %q", notices[0])
	}
	if !strings.Contains(notices[1], "Payment claimed") || !strings.Contains(notices[1], "/confirm "+ref) {
		t.Errorf("claim notice = %q", notices[1])
	}
}

type brokenLedger struct {
	store.Ledger
}

func (brokenLedger) Stats(context.Context, string) (models.Stats, error) {
	return models.Stats{}, errors.New("connection reset")
}

func (brokenLedger) ConfirmPending(context.Context, string, string, time.Time) (models.ConfirmedReservation, error) {
	return models.ConfirmedReservation{}, errors.New("connection reset")
}

func TestLedgerFailureRepliesTryAgain(t *testing.T) {
	c := NewChannel(booking.NewManager(brokenLedger{store.NewInMemoryStore()}), nil)
	ctx := context.Background()
	if got := c.Handle(ctx, staffChat, "/stats"); got != ReplyTryAgain {
		t.Errorf("/stats = %q", got)
	}
	if got := c.Handle(ctx, staffChat, "/confirm BK1"); got != ReplyTryAgain {
		t.Errorf("/confirm = %q", got)
	}
}

func TestRunIgnoresUnknownChats(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.channel.Run(ctx)
		close(done)
	}()

	f.staff.Inject(models.Message{From: "999", Body: "/stats"})
	f.staff.Inject(models.Message{From: staffChat, Body: "/help"})

	deadline := time.After(2 * time.Second)
	for len(f.staff.SentTo(staffChat)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply to staff chat")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if len(f.staff.SentTo("999")) != 0 {
		t.Error("unknown chat got a reply")
	}
	if got := f.staff.SentTo(staffChat)[0]; got != helpText {
		t.Errorf("reply = %q", got)
	}
}
