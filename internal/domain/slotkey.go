package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, errors.New("invalid date")
	}
	return DateOf(t), nil
}

func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Weekday() time.Weekday {
	return d.midnight().Weekday()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.midnight().AddDate(0, 0, n))
}

func (d Date) Before(o Date) bool {
	return d.midnight().Before(o.midnight())
}

// TimeOfDay is a wall-clock time with minute granularity, stored as minutes
// since midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New("invalid time")
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String renders HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) compact() string {
	return fmt.Sprintf("%02d%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) Add(minutes int) TimeOfDay {
	return t + TimeOfDay(minutes)
}

// SlotKey identifies a slot by the wall-clock (date, time) it covers. Two
// callers booking the same wall-clock slot always contend on the same key.
type SlotKey struct {
	Date Date
	Time TimeOfDay
}

func NewSlotKey(date Date, t TimeOfDay) SlotKey {
	return SlotKey{Date: date, Time: t}
}

// String encodes the key as YYYY-MM-DD_HHMM. Every field is fixed width, so
// distinct keys never share an encoding.
func (k SlotKey) String() string {
	return k.Date.String() + "_" + k.Time.compact()
}

func (k SlotKey) Validate() error {
	if k.Date.IsZero() {
		return errors.New("slot date is required")
	}
	if _, err := ParseDate(k.Date.String()); err != nil {
		return err
	}
	if !k.Time.Valid() {
		return errors.New("invalid time")
	}
	return nil
}

func ParseSlotKey(s string) (SlotKey, error) {
	s = strings.TrimSpace(s)
	datePart, timePart, ok := strings.Cut(s, "_")
	if !ok || len(datePart) != len(dateLayout) || len(timePart) != 4 {
		return SlotKey{}, fmt.Errorf("invalid slot key %q", s)
	}
	date, err := ParseDate(datePart)
	if err != nil {
		return SlotKey{}, fmt.Errorf("invalid slot key %q", s)
	}
	t, err := ParseTimeOfDay(timePart[:2] + ":" + timePart[2:])
	if err != nil {
		return SlotKey{}, fmt.Errorf("invalid slot key %q", s)
	}
	return SlotKey{Date: date, Time: t}, nil
}
