package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/flow"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

// Exact replies for failed reference commands.
const (
	ReplyReferenceNotFound = "reference not found"
	ReplyNotPending        = "not pending"
	ReplyTryAgain          = "⚠️ The booking ledger is unavailable right now. Please try again."
)

const helpText = "*CourtPipe admin*\n" +
	"/stats - booking counts and today's revenue\n" +
	"/pending - reservations waiting for payment or review\n" +
	"/confirm <reference> - confirm a reservation\n" +
	"/cancel <reference> - cancel a pending reservation\n" +
	"/help - this list"

const (
	confirmUsage = "Usage: /confirm <reference>"
	cancelUsage  = "Usage: /cancel <reference>"
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escape protects customer supplied text inside Telegram Markdown.
func escape(s string) string {
	return markdownEscaper.Replace(s)
}

func statsText(s models.Stats, today string) string {
	return fmt.Sprintf("*Bookings*\n"+
		"Total: %d\n"+
		"Pending: %d (%d payment claimed)\n"+
		"Confirmed: %d\n"+
		"Cancelled: %d\n"+
		"Expired: %d\n"+
		"Today (%s): %d\n"+
		"Today's confirmed revenue: %d %s",
		s.Total, s.Pending, s.PaymentClaimed, s.Confirmed, s.Cancelled, s.Expired, today, s.Today, s.TodayRevenue, flow.Currency)
}

func (c *Channel) activityName(class models.ActivityClass, id string) string {
	if c.catalog != nil {
		if a, err := c.catalog.GetActivityType(class, id); err == nil {
			return a.Name
		}
	}
	return id
}

func (c *Channel) pendingBlock(v models.PendingView) string {
	var b strings.Builder
	status := "⏳ awaiting payment"
	if v.Status == models.StatusPaymentClaimed {
		status = "🧾 payment claimed"
	}
	fmt.Fprintf(&b, "*%s* %s\n", v.Reference, status)
	fmt.Fprintf(&b, "Customer: %s", escape(v.CustomerKey))
	if v.CustomerPhone != "" && v.CustomerPhone != v.CustomerKey {
		fmt.Fprintf(&b, " (contact %s)", escape(v.CustomerPhone))
	}
	fmt.Fprintf(&b, "\n%s: %s %s\n", escape(c.activityName(v.ActivityClass, v.ActivityTypeID)), v.Date, v.Time)
	fmt.Fprintf(&b, "Price: %d %s", v.TotalPrice, flow.Currency)
	if v.Claim != nil {
		fmt.Fprintf(&b, "\nClaim: %s", escape(v.Claim.ClaimedText))
	} else {
		fmt.Fprintf(&b, "\nHold expires %s", v.ExpiresAt.In(c.loc).Format("15:04"))
	}
	return b.String()
}

func (c *Channel) pendingText(views []models.PendingView) string {
	if len(views) == 0 {
		return "No pending reservations."
	}
	blocks := make([]string, 0, len(views)+1)
	blocks = append(blocks, fmt.Sprintf("*Pending reservations (%d)*", len(views)))
	for _, v := range views {
		blocks = append(blocks, c.pendingBlock(v))
	}
	return strings.Join(blocks, "\n\n")
}

func (c *Channel) confirmedText(r models.ConfirmedReservation, fresh bool) string {
	head := "✅ Confirmed"
	if !fresh {
		head = "✅ Already confirmed"
	}
	text := fmt.Sprintf("%s *%s*\n%s: %s %s\nCustomer: %s\nPrice: %d %s\nBy %s at %s",
		head, r.Reference, escape(c.activityName(r.ActivityClass, r.ActivityTypeID)), r.Date, r.Time,
		escape(r.CustomerKey), r.TotalPrice, flow.Currency, escape(r.ConfirmedBy), r.ConfirmedAt.In(c.loc).Format(time.DateTime))
	if r.PaymentReference != nil {
		text += "\nPayment: " + escape(*r.PaymentReference)
	}
	return text
}

func cancelledText(p models.PendingReservation) string {
	return fmt.Sprintf("❌ Cancelled *%s* (%s %s). Slot released.", p.Reference, p.Date, p.Time)
}

func (c *Channel) newBookingText(p models.PendingReservation) string {
	return fmt.Sprintf("🆕 *New booking* %s\n%s: %s %s\nCustomer: %s\nPrice: %d %s\nHold expires %s",
		p.Reference, escape(c.activityName(p.ActivityClass, p.ActivityTypeID)), p.Date, p.Time,
		escape(p.CustomerKey), p.TotalPrice, flow.Currency, p.ExpiresAt.In(c.loc).Format("15:04"))
}

func paymentClaimText(p models.PendingReservation, claim string) string {
	return fmt.Sprintf("🧾 *Payment claimed* %s\nCustomer: %s\nAmount: %d %s\nClaim: %s\n\nVerify, then /confirm %s",
		p.Reference, escape(p.CustomerKey), p.TotalPrice, flow.Currency, escape(claim), p.Reference)
}
