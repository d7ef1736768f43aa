// Package conversation connects a customer transport to the booking conversation.
//
// The Adapter reads inbound messages, runs them through the flow engine one at a time per
// customer, performs the ledger side effects through the booking manager and replies over
// the same transport. It also pushes staff decisions and expiry notices back to customers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/events"
	"github.com/BTreeMap/CourtPipe/internal/flow"
	"github.com/BTreeMap/CourtPipe/internal/keylock"
	"github.com/BTreeMap/CourtPipe/internal/messaging"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/store"
	"golang.org/x/time/rate"
)

const (
	// DefaultInboundRate is the sustained per-customer message rate.
	DefaultInboundRate = 2.0
	// DefaultInboundBurst is the per-customer burst allowance.
	DefaultInboundBurst = 5
)

// AdminNotifier tells staff about reservations that need attention.
type AdminNotifier interface {
	NotifyNewBooking(ctx context.Context, p models.PendingReservation)
	NotifyPaymentClaim(ctx context.Context, p models.PendingReservation, claimedText string)
}

// Adapter is the customer channel.
type Adapter struct {
	svc       messaging.Service
	sessions  store.SessionStore
	manager   *booking.Manager
	engine    *flow.Engine
	dedup     store.DedupRepo
	outbox    store.OutboxRepo
	admin     AdminNotifier
	publisher events.Publisher
	locks     *keylock.Locker
	now       func() time.Time

	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	queues   map[string][]models.Message
	wg       sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDedup drops inbound messages whose transport id was already seen.
func WithDedup(repo store.DedupRepo) Option {
	return func(a *Adapter) { a.dedup = repo }
}

// WithOutbox queues customer notices that could not be sent for retry.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(a *Adapter) { a.outbox = repo }
}

// WithAdminNotifier sets who is told about new bookings and payment claims.
func WithAdminNotifier(n AdminNotifier) Option {
	return func(a *Adapter) { a.admin = n }
}

// SetAdminNotifier replaces the admin notifier. The admin channel and the adapter refer
// to each other, so main wires this after both exist. Call it before Run.
func (a *Adapter) SetAdminNotifier(n AdminNotifier) {
	a.admin = n
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(a *Adapter) { a.publisher = p }
}

// WithInboundRate limits each customer to perSecond messages with the default burst.
// Zero or less disables throttling.
func WithInboundRate(perSecond float64) Option {
	return func(a *Adapter) {
		if perSecond <= 0 {
			a.rate = rate.Inf
			return
		}
		a.rate = rate.Limit(perSecond)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates an Adapter over the given transport and collaborators.
func NewAdapter(svc messaging.Service, sessions store.SessionStore, manager *booking.Manager, engine *flow.Engine, opts ...Option) *Adapter {
	a := &Adapter{
		svc:       svc,
		sessions:  sessions,
		manager:   manager,
		engine:    engine,
		publisher: events.LogPublisher{},
		locks:     keylock.New(),
		now:       time.Now,
		rate:      rate.Limit(DefaultInboundRate),
		burst:     DefaultInboundBurst,
		limiters:  make(map[string]*rate.Limiter),
		queues:    make(map[string][]models.Message),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run dispatches inbound messages until ctx is done or the transport closes its channel,
// then waits for in-flight messages. Messages from one customer are handled strictly in
// arrival order; different customers are handled in parallel.
func (a *Adapter) Run(ctx context.Context) {
	slog.Info("Adapter.Run: dispatching customer messages")
	defer a.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.svc.Messages():
			if !ok {
				slog.Info("Adapter.Run: transport closed")
				return
			}
			a.enqueue(ctx, msg)
		}
	}
}

func (a *Adapter) enqueue(ctx context.Context, msg models.Message) {
	key := strings.TrimSpace(msg.From)
	a.mu.Lock()
	if q, busy := a.queues[key]; busy {
		a.queues[key] = append(q, msg)
		a.mu.Unlock()
		return
	}
	a.queues[key] = nil
	a.mu.Unlock()

	a.wg.Add(1)
	go a.drain(ctx, key, msg)
}

// drain is the single worker for key while its queue is non-empty.
func (a *Adapter) drain(ctx context.Context, key string, msg models.Message) {
	defer a.wg.Done()
	for {
		if err := a.HandleMessage(ctx, msg); err != nil {
			slog.Error("Adapter.drain: message failed", "from", key, "error", err)
		}
		a.mu.Lock()
		q := a.queues[key]
		if len(q) == 0 {
			delete(a.queues, key)
			a.mu.Unlock()
			return
		}
		msg, a.queues[key] = q[0], q[1:]
		a.mu.Unlock()
	}
}

func (a *Adapter) limiter(key string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[key]
	if !ok {
		l = rate.NewLimiter(a.rate, a.burst)
		a.limiters[key] = l
	}
	return l
}

// HandleMessage processes one inbound message synchronously. The returned error is for
// logging; the customer has already been told to try again when it is non-nil.
func (a *Adapter) HandleMessage(ctx context.Context, msg models.Message) error {
	key := strings.TrimSpace(msg.From)
	if key == "" {
		slog.Warn("Adapter.HandleMessage: message without sender dropped", "id", msg.ID)
		return nil
	}
	if !a.limiter(key).Allow() {
		slog.Warn("Adapter.HandleMessage: rate limited", "from", key)
		return nil
	}
	if msg.ID != "" && a.dedup != nil {
		fresh, err := a.dedup.RecordInbound(ctx, msg.ID, key)
		if err != nil {
			slog.Warn("Adapter.HandleMessage: dedup check failed, processing anyway", "from", key, "id", msg.ID, "error", err)
		} else if !fresh {
			slog.Info("Adapter.HandleMessage: duplicate message dropped", "from", key, "id", msg.ID)
			return nil
		}
	}

	unlock := a.locks.Lock(key)
	defer unlock()

	reply, err := a.advance(ctx, key, msg.Body)
	if err != nil {
		reply = flow.GenericErrorText
	}
	if reply != "" {
		if serr := a.svc.SendMessage(ctx, key, reply); serr != nil {
			slog.Error("Adapter.HandleMessage: reply failed", "to", key, "error", serr)
			if err == nil {
				err = fmt.Errorf("failed to send reply: %w", serr)
			}
		}
	}

	if msg.ID != "" && a.dedup != nil {
		if merr := a.dedup.MarkProcessed(ctx, msg.ID); merr != nil {
			slog.Warn("Adapter.HandleMessage: mark processed failed", "id", msg.ID, "error", merr)
		}
	}
	return err
}

// advance runs one engine step for key with the ledger side effects and saves the session.
// On error nothing was saved.
func (a *Adapter) advance(ctx context.Context, key, body string) (string, error) {
	stored, err := a.sessions.GetSession(ctx, key)
	if err != nil {
		slog.Error("Adapter.advance: load session failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	sess := models.NewSession(key, a.now())
	if stored != nil {
		sess = *stored
	}

	res, handled, err := a.reconcile(ctx, sess)
	if err != nil {
		return "", err
	}
	if !handled {
		res = a.engine.Advance(sess, body)
		switch res.Effect {
		case flow.EffectCreatePending:
			res, err = a.createPending(ctx, sess, res)
		case flow.EffectAttachPaymentClaim:
			res, err = a.attachClaim(ctx, sess, res)
		}
		if err != nil {
			return "", err
		}
	}

	if res.Event == flow.EventInvalidInput {
		events.Emit(ctx, a.publisher, events.New(events.ConversationInvalidInput, res.Session.PendingBookingRef, key, a.now(),
			map[string]any{"step": string(sess.Step)}))
	}

	if err := a.sessions.SaveSession(ctx, res.Session); err != nil {
		slog.Error("Adapter.advance: save session failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	if res.Effect != flow.EffectNone && a.admin != nil && res.Session.PendingBookingRef != "" {
		a.notifyAdmin(ctx, res)
	}
	return res.Reply, nil
}

// reconcile catches a session still waiting on a reservation that was resolved while the
// customer's notice was lost or not yet delivered.
func (a *Adapter) reconcile(ctx context.Context, sess models.Session) (flow.Result, bool, error) {
	if sess.PendingBookingRef == "" || (sess.Step != models.StepAwaitingPayment && sess.Step != models.StepConfirming) {
		return flow.Result{}, false, nil
	}
	rec, err := a.manager.Get(ctx, sess.PendingBookingRef)
	switch {
	case errors.Is(err, booking.ErrReferenceNotFound):
		return a.engine.Lapsed(sess), true, nil
	case err != nil:
		slog.Error("Adapter.reconcile: ledger read failed", "key", sess.Key, "reference", sess.PendingBookingRef, "error", err)
		return flow.Result{}, false, fmt.Errorf("failed to read reservation: %w", err)
	}

	switch {
	case rec.Confirmed != nil:
		return flow.Result{Session: a.engine.Complete(sess), Reply: a.engine.ConfirmationText(*rec.Confirmed), Event: flow.EventAdvanced}, true, nil
	case rec.Closed != nil && rec.Closed.Outcome == models.OutcomeCancelled:
		return flow.Result{Session: a.engine.Complete(sess), Reply: a.engine.CancellationText(sess.PendingBookingRef), Event: flow.EventAdvanced}, true, nil
	case rec.Closed != nil:
		return a.engine.Lapsed(sess), true, nil
	case rec.Pending != nil && rec.Pending.IsExpired(a.now()):
		return a.engine.Lapsed(sess), true, nil
	}
	return flow.Result{}, false, nil
}

func (a *Adapter) createPending(ctx context.Context, prev models.Session, res flow.Result) (flow.Result, error) {
	activity, err := a.engine.ActivityFor(res.Session)
	if err != nil || res.Session.Slot == nil {
		slog.Error("Adapter.createPending: session lost its selection", "key", prev.Key, "error", err)
		return flow.Result{}, fmt.Errorf("incomplete session %s: %w", prev.Key, err)
	}

	p, err := a.manager.CreatePending(ctx, booking.PendingRequest{
		CustomerKey:     res.Session.Key,
		CustomerPhone:   res.Session.CustomerPhone,
		ActivityClass:   activity.Class,
		ActivityTypeID:  activity.ID,
		Slot:            *res.Session.Slot,
		DurationMinutes: activity.Duration(),
		TotalPrice:      activity.Price(),
	})
	switch {
	case errors.Is(err, booking.ErrSlotUnavailable):
		events.Emit(ctx, a.publisher, events.New(events.ConversationSlotConflict, "", prev.Key, a.now(), map[string]any{
			"activity_type_id": activity.ID,
			"slot":             res.Session.Slot.String(),
		}))
		return a.engine.SlotUnavailable(prev), nil
	case err != nil:
		return flow.Result{}, err
	}

	res.Session.PendingBookingRef = p.Reference
	res.Reply = a.engine.PendingCreatedReply(p)
	return res, nil
}

func (a *Adapter) attachClaim(ctx context.Context, prev models.Session, res flow.Result) (flow.Result, error) {
	_, err := a.manager.AttachPaymentClaim(ctx, prev.PendingBookingRef, res.ClaimText)
	switch {
	case errors.Is(err, booking.ErrExpired), errors.Is(err, booking.ErrReferenceNotFound), errors.Is(err, booking.ErrWrongStatus):
		slog.Info("Adapter.attachClaim: reservation no longer pending", "key", prev.Key, "reference", prev.PendingBookingRef, "reason", err)
		return a.engine.Lapsed(prev), nil
	case err != nil:
		return flow.Result{}, err
	}
	return res, nil
}

// notifyAdmin runs after the session is saved so staff never see a reservation the
// customer's session does not know about.
func (a *Adapter) notifyAdmin(ctx context.Context, res flow.Result) {
	ref := res.Session.PendingBookingRef
	rec, err := a.manager.Get(ctx, ref)
	if err != nil || rec.Pending == nil {
		slog.Warn("Adapter.notifyAdmin: reservation not readable", "reference", ref, "error", err)
		return
	}
	switch res.Effect {
	case flow.EffectCreatePending:
		a.admin.NotifyNewBooking(ctx, rec.Pending.PendingReservation)
	case flow.EffectAttachPaymentClaim:
		a.admin.NotifyPaymentClaim(ctx, rec.Pending.PendingReservation, res.ClaimText)
	}
}
