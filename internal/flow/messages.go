package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

// Currency is appended to prices in customer-facing text.
const Currency = "SAR"

// Customer-facing texts
const (
	welcomeText       = "👋 Welcome! You can book a court or a swimming session here."
	invalidChoiceText = "⚠️ Please reply with one of the numbers below."
	noActivitiesText  = "⚠️ Nothing is bookable in that category right now."
	invalidSlotText   = "⚠️ That time is not available. Reply with one of the listed times (for example 10:00), or a date and time like 2026-01-31 10:00."
	invalidPhoneText  = "⚠️ Please send a contact number with 10 to 15 digits, for example 966512345678."
	slotTakenText     = "😕 Sorry, that slot was just taken. Please pick another time."

	// GenericErrorText is sent when a ledger or transport failure interrupts a message.
	GenericErrorText = "⚠️ Something went wrong on our side. Please try again in a moment."
)

func classMenuText() string {
	return "What would you like to book?\n1. Courts\n2. Swimming"
}

func classLabel(class models.ActivityClass) string {
	switch class {
	case models.ActivityClassCourts:
		return "Courts"
	case models.ActivityClassSwimming:
		return "Swimming"
	}
	return string(class)
}

func typeMenuText(class models.ActivityClass, types []catalog.ActivityType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: choose an option\n", classLabel(class))
	for i, t := range types {
		fmt.Fprintf(&b, "%d. %s (%d %s/hr)\n", i+1, t.Name, t.PricePerHour, Currency)
	}
	return strings.TrimRight(b.String(), "\n")
}

func slotMenuText(a catalog.ActivityType) string {
	return fmt.Sprintf("%s: available start times\n%s\n\nReply with a time, e.g. %s", a.Name, strings.Join(a.Slots, ", "), a.Slots[0])
}

func phonePromptText(a catalog.ActivityType, slot models.Slot) string {
	return fmt.Sprintf("%s on %s at %s, %d %s.\n\nPlease send a contact phone number.", a.Name, slot.Date, slot.Time, a.Price(), Currency)
}

func paymentInstructionsText(p models.PendingReservation, name string, loc *time.Location) string {
	return fmt.Sprintf("✅ Slot held for you.\n\nReference: %s\n%s on %s at %s\nTotal: %d %s\n\n"+
		"Please transfer the amount and reply with your payment transaction number before %s.",
		p.Reference, name, p.Date, p.Time, p.TotalPrice, Currency, p.ExpiresAt.In(loc).Format("15:04"))
}

func awaitingPaymentRepromptText(ref string) string {
	return fmt.Sprintf("Please reply with your payment transaction number for booking %s.", ref)
}

func underReviewText(ref string) string {
	return fmt.Sprintf("🧾 Thanks! Your payment for %s is under review. We will message you once it is confirmed.", ref)
}

func stillUnderReviewText(ref string) string {
	return fmt.Sprintf("⏳ Your booking %s is still under review. We will message you as soon as staff confirm it.", ref)
}

func confirmedText(c models.ConfirmedReservation, name string) string {
	return fmt.Sprintf("🎉 Booking confirmed!\n\nReference: %s\n%s on %s at %s\nPaid: %d %s\n\nSee you there. Send any message to book again.",
		c.Reference, name, c.Date, c.Time, c.TotalPrice, Currency)
}

func cancelledText(ref string) string {
	return fmt.Sprintf("❌ Your booking %s has been cancelled. Send any message to start a new booking.", ref)
}

func expiredText(ref string) string {
	if ref == "" {
		return "⌛ Your booking hold has expired. Send any message to start again."
	}
	return fmt.Sprintf("⌛ Your booking %s expired before payment was received and the slot was released. Send any message to start again.", ref)
}
