package domain

import (
	"errors"
	"time"
)

// DayHours is the bookable window for one weekday.
type DayHours struct {
	Enabled bool
	Start   TimeOfDay
	End     TimeOfDay
}

// CalendarConfig is the business-hours input consumed by slot generation.
type CalendarConfig struct {
	Hours               map[time.Weekday]DayHours
	SlotDurationMinutes int
	BufferMinutes       int
	AdvanceBookingDays  int
}

func (c CalendarConfig) Validate() error {
	if c.SlotDurationMinutes <= 0 {
		return errors.New("slot duration must be positive")
	}
	if c.BufferMinutes < 0 {
		return errors.New("buffer must not be negative")
	}
	if c.AdvanceBookingDays < 0 {
		return errors.New("advance booking days must not be negative")
	}
	for _, h := range c.Hours {
		if !h.Enabled {
			continue
		}
		if !h.Start.Valid() || !h.End.Valid() {
			return errors.New("invalid business hours")
		}
		if h.End <= h.Start {
			return errors.New("business hours end must be after start")
		}
	}
	return nil
}

// SlotTimes lists the slot start times for the weekday of date. A slot is only
// produced when it ends by the close of business.
func (c CalendarConfig) SlotTimes(date Date, durationMinutes int) []TimeOfDay {
	h, ok := c.Hours[date.Weekday()]
	if !ok || !h.Enabled || durationMinutes <= 0 {
		return nil
	}
	step := durationMinutes + c.BufferMinutes
	out := make([]TimeOfDay, 0, int(h.End-h.Start)/step+1)
	for t := h.Start; t.Add(durationMinutes) <= h.End; t = t.Add(step) {
		out = append(out, t)
	}
	return out
}
