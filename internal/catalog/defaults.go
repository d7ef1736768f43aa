package catalog

import "github.com/BTreeMap/CourtPipe/internal/models"

var courtSlots = []string{"08:00", "09:00", "10:00", "11:00", "16:00", "17:00", "18:00", "19:00", "20:00", "21:00"}

var poolSlots = []string{"06:00", "07:00", "10:00", "12:00", "15:00", "18:00"}

// DefaultActivityTypes is the built-in facility catalog.
var DefaultActivityTypes = []ActivityType{
	{ID: "football", Name: "Football pitch", Class: models.ActivityClassCourts, PricePerHour: 200, Slots: courtSlots},
	{ID: "padel", Name: "Padel court", Class: models.ActivityClassCourts, PricePerHour: 150, Slots: courtSlots},
	{ID: "tennis", Name: "Tennis court", Class: models.ActivityClassCourts, PricePerHour: 120, Slots: courtSlots},
	{ID: "basketball", Name: "Basketball court", Class: models.ActivityClassCourts, PricePerHour: 100, Slots: courtSlots},
	{ID: "private-swim", Name: "Private swimming session", Class: models.ActivityClassSwimming, PricePerHour: 180, Slots: poolSlots},
	{ID: "family-swim", Name: "Family swimming session", Class: models.ActivityClassSwimming, PricePerHour: 250, Slots: poolSlots},
	{ID: "lap-swim", Name: "Lap swimming", Class: models.ActivityClassSwimming, PricePerHour: 60, Slots: poolSlots},
}

// Default returns the built-in catalog.
func Default() *StaticCatalog {
	c, err := NewStaticCatalog(DefaultActivityTypes)
	if err != nil {
		panic("built-in catalog is invalid: " + err.Error())
	}
	return c
}
