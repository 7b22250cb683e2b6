package domain

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusRejected  BookingStatus = "rejected"
	BookingStatusCompleted BookingStatus = "completed"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCancelled, BookingStatusRejected, BookingStatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no coordinator operation can move the booking on.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingStatusCancelled, BookingStatusRejected, BookingStatusCompleted:
		return true
	}
	return false
}

// Booking is a requester's claim on a service. It holds at most one slot at a
// time through ConfirmedSlotID.
type Booking struct {
	bun.BaseModel `bun:"table:bookings" bson:"-" json:"-"`

	ID                 string        `bun:"id,pk" bson:"_id" json:"id"`
	PatientName        string        `bun:"patient_name,notnull" bson:"patientName" json:"patientName"`
	PatientEmail       string        `bun:"patient_email,notnull" bson:"patientEmail" json:"patientEmail"`
	PatientPhone       string        `bun:"patient_phone,nullzero" bson:"patientPhone,omitempty" json:"patientPhone,omitempty"`
	ServiceType        string        `bun:"service_type,nullzero" bson:"serviceType,omitempty" json:"serviceType,omitempty"`
	Notes              string        `bun:"notes,nullzero" bson:"notes,omitempty" json:"notes,omitempty"`
	PreferredDate      string        `bun:"preferred_date,nullzero" bson:"preferredDate,omitempty" json:"preferredDate,omitempty"`
	PreferredTime      string        `bun:"preferred_time,nullzero" bson:"preferredTime,omitempty" json:"preferredTime,omitempty"`
	Status             BookingStatus `bun:"status,notnull" bson:"status" json:"status"`
	ConfirmedSlotID    string        `bun:"confirmed_slot_id,nullzero" bson:"confirmedSlotId,omitempty" json:"confirmedSlotId,omitempty"`
	ConfirmedDate      string        `bun:"confirmed_date,nullzero" bson:"confirmedDate,omitempty" json:"confirmedDate,omitempty"`
	ConfirmedTime      string        `bun:"confirmed_time,nullzero" bson:"confirmedTime,omitempty" json:"confirmedTime,omitempty"`
	ConfirmedAt        time.Time     `bun:"confirmed_at,nullzero" bson:"confirmedAt,omitempty" json:"confirmedAt,omitempty"`
	CancelledAt        time.Time     `bun:"cancelled_at,nullzero" bson:"cancelledAt,omitempty" json:"cancelledAt,omitempty"`
	CancellationReason string        `bun:"cancellation_reason,nullzero" bson:"cancellationReason,omitempty" json:"cancellationReason,omitempty"`
	RescheduledFrom    string        `bun:"rescheduled_from,nullzero" bson:"rescheduledFrom,omitempty" json:"rescheduledFrom,omitempty"`
	RescheduleReason   string        `bun:"reschedule_reason,nullzero" bson:"rescheduleReason,omitempty" json:"rescheduleReason,omitempty"`
	RescheduledAt      time.Time     `bun:"rescheduled_at,nullzero" bson:"rescheduledAt,omitempty" json:"rescheduledAt,omitempty"`
	RejectedAt         time.Time     `bun:"rejected_at,nullzero" bson:"rejectedAt,omitempty" json:"rejectedAt,omitempty"`
	RejectionReason    string        `bun:"rejection_reason,nullzero" bson:"rejectionReason,omitempty" json:"rejectionReason,omitempty"`
	CompletedAt        time.Time     `bun:"completed_at,nullzero" bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	CreatedAt          time.Time     `bun:"created_at,notnull" bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time     `bun:"updated_at,notnull" bson:"updatedAt" json:"updatedAt"`
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	}
	return nil
}
