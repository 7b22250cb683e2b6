package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type SlotStatus string

const (
	SlotStatusAvailable SlotStatus = "available"
	SlotStatusBooked    SlotStatus = "booked"
	SlotStatusBlocked   SlotStatus = "blocked"
)

func (s SlotStatus) Valid() bool {
	switch s {
	case SlotStatusAvailable, SlotStatusBooked, SlotStatusBlocked:
		return true
	}
	return false
}

// Slot is a single bookable (date, time) resource. Key is derived from Date
// and Time and is never chosen independently.
type Slot struct {
	bun.BaseModel `bun:"table:slots" bson:"-" json:"-"`

	Key             string     `bun:"key,pk" bson:"_id" json:"key"`
	Date            string     `bun:"date,notnull" bson:"date" json:"date"`
	Time            string     `bun:"time,notnull" bson:"time" json:"time"`
	EndTime         string     `bun:"end_time,nullzero" bson:"endTime,omitempty" json:"endTime,omitempty"`
	DurationMinutes int        `bun:"duration_minutes,notnull" bson:"durationMinutes" json:"durationMinutes"`
	Status          SlotStatus `bun:"status,notnull" bson:"status" json:"status"`
	BookingID       string     `bun:"booking_id,nullzero" bson:"bookingId,omitempty" json:"bookingId,omitempty"`
	PatientName     string     `bun:"patient_name,nullzero" bson:"patientName,omitempty" json:"patientName,omitempty"`
	PatientEmail    string     `bun:"patient_email,nullzero" bson:"patientEmail,omitempty" json:"patientEmail,omitempty"`
	PatientPhone    string     `bun:"patient_phone,nullzero" bson:"patientPhone,omitempty" json:"patientPhone,omitempty"`
	ServiceType     string     `bun:"service_type,nullzero" bson:"serviceType,omitempty" json:"serviceType,omitempty"`
	Notes           string     `bun:"notes,nullzero" bson:"notes,omitempty" json:"notes,omitempty"`
	BookedAt        time.Time  `bun:"booked_at,nullzero" bson:"bookedAt,omitempty" json:"bookedAt,omitempty"`
	CancelledAt     time.Time  `bun:"cancelled_at,nullzero" bson:"cancelledAt,omitempty" json:"cancelledAt,omitempty"`
	RescheduledFrom string     `bun:"rescheduled_from,nullzero" bson:"rescheduledFrom,omitempty" json:"rescheduledFrom,omitempty"`
	BlockReason     string     `bun:"block_reason,nullzero" bson:"blockReason,omitempty" json:"blockReason,omitempty"`
	BlockedBy       string     `bun:"blocked_by,nullzero" bson:"blockedBy,omitempty" json:"blockedBy,omitempty"`
	BlockedAt       time.Time  `bun:"blocked_at,nullzero" bson:"blockedAt,omitempty" json:"blockedAt,omitempty"`
	UnblockedBy     string     `bun:"unblocked_by,nullzero" bson:"unblockedBy,omitempty" json:"unblockedBy,omitempty"`
	UnblockReason   string     `bun:"unblock_reason,nullzero" bson:"unblockReason,omitempty" json:"unblockReason,omitempty"`
	UnblockedAt     time.Time  `bun:"unblocked_at,nullzero" bson:"unblockedAt,omitempty" json:"unblockedAt,omitempty"`
	Version         int64      `bun:"version,notnull" bson:"version" json:"version"`
	CreatedAt       time.Time  `bun:"created_at,notnull" bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull" bson:"updatedAt" json:"updatedAt"`
}

// NewAvailableSlot builds a fresh available slot for key. Version starts at 0;
// the first committed mutation moves it to 1.
func NewAvailableSlot(key SlotKey, durationMinutes int, now time.Time) Slot {
	s := Slot{
		Key:             key.String(),
		Date:            key.Date.String(),
		Time:            key.Time.String(),
		DurationMinutes: durationMinutes,
		Status:          SlotStatusAvailable,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if durationMinutes > 0 {
		if end := key.Time.Add(durationMinutes); end.Valid() {
			s.EndTime = end.String()
		}
	}
	return s
}

func (s Slot) SlotKey() (SlotKey, error) {
	return ParseSlotKey(s.Key)
}

func (s *Slot) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	}
	return nil
}
