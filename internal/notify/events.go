// Package notify turns committed slot and booking transitions into events and
// publishes each of them at most once per commit.
package notify

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotbook/internal/domain"
)

// Routing keys on the topic exchange.
const (
	RKBookingConfirmed   = "booking.confirmed"
	RKBookingCancelled   = "booking.cancelled"
	RKBookingRescheduled = "booking.rescheduled"
	RKBookingRejected    = "booking.rejected"
	RKSlotsBlocked       = "slots.blocked"
	RKSlotsUnblocked     = "slots.unblocked"
)

var eventNamespace = uuid.MustParse("5b0e4c1e-7f3a-4d8b-9c61-2f4e8a9d0b17")

// Event is the payload published for one committed transition. ID is derived
// from the booking and the records' post-commit versions, so the same commit
// always yields the same ID.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	OccurredAt   time.Time `json:"occurredAt"`
	BookingID    string    `json:"bookingId,omitempty"`
	PatientName  string    `json:"patientName,omitempty"`
	PatientEmail string    `json:"patientEmail,omitempty"`
	ServiceType  string    `json:"serviceType,omitempty"`
	SlotKeys     []string  `json:"slotKeys,omitempty"`
	Date         string    `json:"date,omitempty"`
	Time         string    `json:"time,omitempty"`
	PreviousSlot string    `json:"previousSlot,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
}

// bookingEventID scopes an event to one booking on one slot version. A slot
// that is deleted and recreated restarts at version 0, so the booking id keeps
// a later booking from colliding with an earlier one.
func bookingEventID(typ, bookingID string, slot domain.Slot) string {
	return typ + ":" + bookingID + ":" + slot.Key + "@v" + strconv.FormatInt(slot.Version, 10)
}

// slotBatchID hashes the member keys, versions and creation times. Creation
// time separates a recreated slot from its predecessor at the same version.
func slotBatchID(typ string, slots ...domain.Slot) string {
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		parts = append(parts, s.Key+"@v"+strconv.FormatInt(s.Version, 10)+"/"+strconv.FormatInt(s.CreatedAt.UnixNano(), 10))
	}
	return typ + ":" + uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, ","))).String()
}

func BookingConfirmed(slot domain.Slot, b domain.Booking) Event {
	return Event{
		ID:           bookingEventID(RKBookingConfirmed, b.ID, slot),
		Type:         RKBookingConfirmed,
		OccurredAt:   b.ConfirmedAt,
		BookingID:    b.ID,
		PatientName:  b.PatientName,
		PatientEmail: b.PatientEmail,
		ServiceType:  slot.ServiceType,
		SlotKeys:     []string{slot.Key},
		Date:         slot.Date,
		Time:         slot.Time,
	}
}

func BookingCancelled(slot domain.Slot, b domain.Booking) Event {
	return Event{
		ID:           bookingEventID(RKBookingCancelled, b.ID, slot),
		Type:         RKBookingCancelled,
		OccurredAt:   b.CancelledAt,
		BookingID:    b.ID,
		PatientName:  b.PatientName,
		PatientEmail: b.PatientEmail,
		ServiceType:  b.ServiceType,
		SlotKeys:     []string{slot.Key},
		Date:         slot.Date,
		Time:         slot.Time,
		Reason:       b.CancellationReason,
	}
}

func BookingRescheduled(oldSlot, newSlot domain.Slot, b domain.Booking) Event {
	return Event{
		ID:           bookingEventID(RKBookingRescheduled, b.ID, newSlot),
		Type:         RKBookingRescheduled,
		OccurredAt:   b.RescheduledAt,
		BookingID:    b.ID,
		PatientName:  b.PatientName,
		PatientEmail: b.PatientEmail,
		ServiceType:  newSlot.ServiceType,
		SlotKeys:     []string{newSlot.Key},
		Date:         newSlot.Date,
		Time:         newSlot.Time,
		PreviousSlot: oldSlot.Key,
		Reason:       b.RescheduleReason,
	}
}

// BookingRejected is keyed by booking id alone; rejection is terminal.
func BookingRejected(b domain.Booking) Event {
	return Event{
		ID:           RKBookingRejected + ":" + b.ID,
		Type:         RKBookingRejected,
		OccurredAt:   b.RejectedAt,
		BookingID:    b.ID,
		PatientName:  b.PatientName,
		PatientEmail: b.PatientEmail,
		ServiceType:  b.ServiceType,
		Reason:       b.RejectionReason,
	}
}

func SlotsBlocked(slots []domain.Slot) Event {
	ev := Event{
		ID:       slotBatchID(RKSlotsBlocked, slots...),
		Type:     RKSlotsBlocked,
		SlotKeys: slotKeys(slots),
	}
	if len(slots) > 0 {
		ev.OccurredAt = slots[0].BlockedAt
		ev.Reason = slots[0].BlockReason
		ev.Actor = slots[0].BlockedBy
	}
	return ev
}

func SlotsUnblocked(slots []domain.Slot) Event {
	ev := Event{
		ID:       slotBatchID(RKSlotsUnblocked, slots...),
		Type:     RKSlotsUnblocked,
		SlotKeys: slotKeys(slots),
	}
	if len(slots) > 0 {
		ev.OccurredAt = slots[0].UnblockedAt
		ev.Reason = slots[0].UnblockReason
		ev.Actor = slots[0].UnblockedBy
	}
	return ev
}

func slotKeys(slots []domain.Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Key
	}
	return out
}
