// Package catalog provides read-only lookup of bookable activity types, prices and slots.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

// DefaultDurationMinutes is used when an activity type does not set its own duration.
const DefaultDurationMinutes = 60

// ErrUnknownActivity is returned when a class/id pair is not in the catalog.
var ErrUnknownActivity = errors.New("unknown activity type")

// ActivityType is one bookable offering.
type ActivityType struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Class           models.ActivityClass `json:"class"`
	PricePerHour    int64                `json:"price_per_hour"`
	DurationMinutes int                  `json:"duration_minutes,omitempty"`
	Slots           []string             `json:"slots"`
}

// Duration returns the booking length in minutes.
func (a ActivityType) Duration() int {
	if a.DurationMinutes <= 0 {
		return DefaultDurationMinutes
	}
	return a.DurationMinutes
}

// Price returns the total price of one booking of this type.
func (a ActivityType) Price() int64 {
	return a.PricePerHour * int64(a.Duration()) / 60
}

// HasSlot reports whether t is one of the published slot times.
func (a ActivityType) HasSlot(t string) bool {
	for _, s := range a.Slots {
		if s == t {
			return true
		}
	}
	return false
}

// Catalog is the read-only boundary consumed by the conversation engine.
type Catalog interface {
	// ListActivityTypes returns the types of a class in menu order.
	ListActivityTypes(class models.ActivityClass) []ActivityType
	// GetActivityType returns one type or ErrUnknownActivity.
	GetActivityType(class models.ActivityClass, id string) (ActivityType, error)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog struct {
	types map[models.ActivityClass][]ActivityType
}

// NewStaticCatalog builds a catalog from the given types, preserving their order per class.
func NewStaticCatalog(types []ActivityType) (*StaticCatalog, error) {
	c := &StaticCatalog{types: make(map[models.ActivityClass][]ActivityType)}
	seen := make(map[string]bool)
	for _, t := range types {
		if err := validate(t); err != nil {
			return nil, err
		}
		key := string(t.Class) + "/" + t.ID
		if seen[key] {
			return nil, fmt.Errorf("duplicate activity type %s", key)
		}
		seen[key] = true
		c.types[t.Class] = append(c.types[t.Class], t)
	}
	return c, nil
}

// ListActivityTypes implements Catalog.
func (c *StaticCatalog) ListActivityTypes(class models.ActivityClass) []ActivityType {
	out := make([]ActivityType, len(c.types[class]))
	copy(out, c.types[class])
	return out
}

// GetActivityType implements Catalog.
func (c *StaticCatalog) GetActivityType(class models.ActivityClass, id string) (ActivityType, error) {
	for _, t := range c.types[class] {
		if t.ID == id {
			return t, nil
		}
	}
	return ActivityType{}, fmt.Errorf("%w: %s/%s", ErrUnknownActivity, class, id)
}

// LoadFile reads a JSON array of activity types.
func LoadFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var types []ActivityType
	if err := json.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	c, err := NewStaticCatalog(types)
	if err != nil {
		return nil, err
	}
	slog.Info("Catalog loaded from file", "path", path, "types", len(types))
	return c, nil
}

func validate(t ActivityType) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("activity type needs id and name: %+v", t)
	}
	if t.Class != models.ActivityClassCourts && t.Class != models.ActivityClassSwimming {
		return fmt.Errorf("activity type %s has unknown class %q", t.ID, t.Class)
	}
	if t.PricePerHour <= 0 {
		return fmt.Errorf("activity type %s needs a positive price", t.ID)
	}
	if len(t.Slots) == 0 {
		return fmt.Errorf("activity type %s publishes no slots", t.ID)
	}
	for _, s := range t.Slots {
		if _, err := time.Parse("15:04", s); err != nil {
			return fmt.Errorf("activity type %s has invalid slot %q", t.ID, s)
		}
	}
	return nil
}
