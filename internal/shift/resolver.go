// Package shift decides which task categories are currently workable
// based on wall-clock time.
package shift

import "time"

const (
	CategoryDay   = "Day"
	CategoryNight = "Night"
)

// Resolver maps a wall-clock instant to the set of open shift windows.
// The Day window covers [DayStartHour, DayEndHour) in local time and
// the Night window is its complement, so exactly one window is open at
// any instant.
type Resolver struct {
	DayStartHour int
	DayEndHour   int
}

func NewResolver() *Resolver {
	return &Resolver{DayStartHour: 6, DayEndHour: 22}
}

type Windows struct {
	DayActive   bool
	NightActive bool
}

func (r *Resolver) Resolve(now time.Time) Windows {
	h := now.Hour()
	day := h >= r.DayStartHour && h < r.DayEndHour
	return Windows{DayActive: day, NightActive: !day}
}

// ActiveFor reports whether tasks in the given category are workable
// right now. Unknown categories are never active.
func (r *Resolver) ActiveFor(category string, now time.Time) bool {
	w := r.Resolve(now)
	switch category {
	case CategoryDay:
		return w.DayActive
	case CategoryNight:
		return w.NightActive
	default:
		return false
	}
}
