// Package calendar books technical visits for scheduling-intent leads.
package calendar

import (
	"context"
	"sort"
	"time"
)

// Slot is a candidate visit window.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Visit is the booking request derived from a qualified lead.
type Visit struct {
	LeadName  string
	LeadPhone string
	Notes     string
	Slot      Slot
}

// Calendar checks availability and manages visit events.
type Calendar interface {
	// FreeSlots returns up to max open slots of the given duration inside
	// the window.
	FreeSlots(ctx context.Context, from, to time.Time, duration time.Duration, max int) ([]Slot, error)
	// Schedule books the visit and returns the event id.
	Schedule(ctx context.Context, visit Visit) (string, error)
	Cancel(ctx context.Context, eventID string) error
}

// computeFreeSlots slices the gaps between busy periods into fixed-duration
// slots. Busy periods may overlap or arrive unordered.
func computeFreeSlots(from, to time.Time, busy []Slot, duration time.Duration, max int) []Slot {
	if duration <= 0 || !to.After(from) || max <= 0 {
		return nil
	}

	sorted := make([]Slot, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var out []Slot
	cursor := from
	emit := func(gapEnd time.Time) bool {
		for !cursor.Add(duration).After(gapEnd) {
			out = append(out, Slot{Start: cursor, End: cursor.Add(duration)})
			if len(out) >= max {
				return true
			}
			cursor = cursor.Add(duration)
		}
		return false
	}

	for _, b := range sorted {
		if b.End.Before(cursor) || b.End.Equal(cursor) {
			continue
		}
		gapEnd := b.Start
		if gapEnd.After(to) {
			gapEnd = to
		}
		if emit(gapEnd) {
			return out
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
		if !cursor.Before(to) {
			return out
		}
	}
	emit(to)
	return out
}
