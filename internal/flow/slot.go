package flow

import (
	"strings"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/models"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ParseSlot interprets a customer's slot answer against the activity's published times.
//
// "HH:MM" books the next occurrence of that time (today if it has not started yet, otherwise
// tomorrow). "YYYY-MM-DD HH:MM" books an explicit date between today and horizonDays ahead.
// now must already be in the facility time zone.
func ParseSlot(input string, activity catalog.ActivityType, now time.Time, horizonDays int) (models.Slot, bool) {
	fields := strings.Fields(input)
	switch len(fields) {
	case 1:
		clock, ok := parseClock(fields[0])
		if !ok || !activity.HasSlot(clock) {
			return models.Slot{}, false
		}
		day := now
		if !startsAfter(now, clock) {
			day = now.AddDate(0, 0, 1)
		}
		return models.Slot{Date: day.Format(dateLayout), Time: clock}, true

	case 2:
		day, err := time.ParseInLocation(dateLayout, fields[0], now.Location())
		if err != nil {
			return models.Slot{}, false
		}
		clock, ok := parseClock(fields[1])
		if !ok || !activity.HasSlot(clock) {
			return models.Slot{}, false
		}
		today := truncateDay(now)
		if day.Before(today) || day.After(today.AddDate(0, 0, horizonDays)) {
			return models.Slot{}, false
		}
		if day.Equal(today) && !startsAfter(now, clock) {
			return models.Slot{}, false
		}
		return models.Slot{Date: day.Format(dateLayout), Time: clock}, true
	}
	return models.Slot{}, false
}

func parseClock(s string) (string, bool) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return "", false
	}
	return t.Format(timeLayout), true
}

// startsAfter reports whether clock (HH:MM) on now's date is still in the future.
func startsAfter(now time.Time, clock string) bool {
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, now.Format(dateLayout)+" "+clock, now.Location())
	if err != nil {
		return false
	}
	return t.After(now)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
