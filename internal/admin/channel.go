package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/messaging"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

// CustomerNotifier pushes staff decisions back to the customer.
type CustomerNotifier interface {
	SendConfirmation(ctx context.Context, c models.ConfirmedReservation) error
	SendCancellation(ctx context.Context, p models.PendingReservation) error
}

// Channel handles staff commands and sends booking notices to the admin chats.
type Channel struct {
	manager   *booking.Manager
	customers CustomerNotifier
	svc       messaging.Service
	catalog   catalog.Catalog
	chats     []string
	allowed   map[string]bool
	loc       *time.Location
	wg        sync.WaitGroup
}

// Option configures a Channel.
type Option func(*Channel)

// WithTransport sets the admin transport used by Run and the notifications.
func WithTransport(svc messaging.Service) Option {
	return func(c *Channel) { c.svc = svc }
}

// WithAdminChats sets the chats that receive booking notifications. When restrict is true,
// commands from any other chat are ignored.
func WithAdminChats(chats []string, restrict bool) Option {
	return func(c *Channel) {
		c.chats = nil
		for _, id := range chats {
			if id = strings.TrimSpace(id); id != "" {
				c.chats = append(c.chats, id)
			}
		}
		if restrict && len(c.chats) > 0 {
			c.allowed = make(map[string]bool, len(c.chats))
			for _, id := range c.chats {
				c.allowed[id] = true
			}
		}
	}
}

// WithCatalog resolves activity names in replies.
func WithCatalog(cat catalog.Catalog) Option {
	return func(c *Channel) { c.catalog = cat }
}

// WithLocation sets the facility time zone used in replies.
func WithLocation(loc *time.Location) Option {
	return func(c *Channel) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// NewChannel creates an admin Channel.
func NewChannel(manager *booking.Manager, customers CustomerNotifier, opts ...Option) *Channel {
	c := &Channel{
		manager:   manager,
		customers: customers,
		loc:       time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run answers commands from the admin transport until ctx is done or the transport
// closes. Commands run concurrently.
func (c *Channel) Run(ctx context.Context) {
	if c.svc == nil {
		return
	}
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.svc.Messages():
			if !ok {
				return
			}
			if c.allowed != nil && !c.allowed[msg.From] {
				slog.Warn("Channel.Run: command from unknown chat ignored", "chat", msg.From)
				continue
			}
			c.wg.Add(1)
			go func(m models.Message) {
				defer c.wg.Done()
				reply := c.Handle(ctx, m.From, m.Body)
				if err := c.svc.SendMessage(ctx, m.From, reply); err != nil {
					slog.Error("Channel.Run: reply failed", "chat", m.From, "error", err)
				}
			}(msg)
		}
	}
}

// Handle executes one command from staffID and returns the reply. It never fails:
// errors become specific replies.
func (c *Channel) Handle(ctx context.Context, staffID, text string) string {
	cmd := ParseCommand(text)
	slog.Debug("Channel.Handle", "staff", staffID, "command", cmd.Kind.String(), "arg", cmd.Arg)

	switch cmd.Kind {
	case KindStats:
		return c.stats(ctx)
	case KindPending:
		return c.pending(ctx)
	case KindConfirm:
		return c.confirm(ctx, staffID, cmd.Arg)
	case KindCancel:
		return c.cancel(ctx, cmd.Arg)
	default:
		return helpText
	}
}

func (c *Channel) stats(ctx context.Context) string {
	s, err := c.manager.Stats(ctx)
	if err != nil {
		slog.Error("Channel.stats: ledger read failed", "error", err)
		return ReplyTryAgain
	}
	return statsText(s, c.manager.Today())
}

func (c *Channel) pending(ctx context.Context) string {
	views, err := c.manager.ListPending(ctx)
	if err != nil {
		slog.Error("Channel.pending: ledger read failed", "error", err)
		return ReplyTryAgain
	}
	return c.pendingText(views)
}

func (c *Channel) confirm(ctx context.Context, staffID, reference string) string {
	if reference == "" {
		return confirmUsage
	}
	r, fresh, err := c.manager.Confirm(ctx, reference, staffID)
	if reply, failed := lifecycleReply(err); failed {
		if reply == ReplyTryAgain {
			slog.Error("Channel.confirm: confirm failed", "reference", reference, "error", err)
		}
		return reply
	}

	text := c.confirmedText(r, fresh)
	if fresh && c.customers != nil {
		if err := c.customers.SendConfirmation(ctx, r); err != nil {
			slog.Error("Channel.confirm: customer notice failed", "reference", reference, "customer", r.CustomerKey, "error", err)
			text += "\n⚠️ Customer could not be notified."
		}
	}
	return text
}

func (c *Channel) cancel(ctx context.Context, reference string) string {
	if reference == "" {
		return cancelUsage
	}
	p, err := c.manager.Cancel(ctx, reference)
	if reply, failed := lifecycleReply(err); failed {
		if reply == ReplyTryAgain {
			slog.Error("Channel.cancel: cancel failed", "reference", reference, "error", err)
		}
		return reply
	}

	text := cancelledText(p)
	if c.customers != nil {
		if err := c.customers.SendCancellation(ctx, p); err != nil {
			slog.Error("Channel.cancel: customer notice failed", "reference", reference, "customer", p.CustomerKey, "error", err)
			text += "\n⚠️ Customer could not be notified."
		}
	}
	return text
}

// lifecycleReply maps a manager error to its staff-facing reply.
func lifecycleReply(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, booking.ErrReferenceNotFound):
		return ReplyReferenceNotFound, true
	case errors.Is(err, booking.ErrWrongStatus), errors.Is(err, booking.ErrExpired):
		return ReplyNotPending, true
	default:
		return ReplyTryAgain, true
	}
}

// NotifyNewBooking tells the admin chats a slot is held.
func (c *Channel) NotifyNewBooking(ctx context.Context, p models.PendingReservation) {
	c.broadcast(ctx, c.newBookingText(p))
}

// NotifyPaymentClaim tells the admin chats a customer says they paid.
func (c *Channel) NotifyPaymentClaim(ctx context.Context, p models.PendingReservation, claimedText string) {
	c.broadcast(ctx, paymentClaimText(p, claimedText))
}

func (c *Channel) broadcast(ctx context.Context, text string) {
	if c.svc == nil || len(c.chats) == 0 {
		slog.Debug("Channel.broadcast: no admin chats configured")
		return
	}
	for _, chat := range c.chats {
		if err := c.svc.SendMessage(ctx, chat, text); err != nil {
			slog.Error("Channel.broadcast: admin notice failed", "chat", chat, "error", err)
		}
	}
}
