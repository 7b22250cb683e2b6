package domain

import "time"

// Each update below is the complete set of fields one coordinator operation
// writes to one record. Apply never validates; callers check preconditions
// against freshly read state first. Every slot update bumps Version by one.

type BookSlotUpdate struct {
	BookingID    string
	PatientName  string
	PatientEmail string
	PatientPhone string
	ServiceType  string
	Notes        string
	At           time.Time
}

func (u BookSlotUpdate) Apply(s Slot) Slot {
	s.Status = SlotStatusBooked
	s.BookingID = u.BookingID
	s.PatientName = u.PatientName
	s.PatientEmail = u.PatientEmail
	s.PatientPhone = u.PatientPhone
	s.ServiceType = u.ServiceType
	s.Notes = u.Notes
	s.BookedAt = u.At
	s.CancelledAt = time.Time{}
	s.RescheduledFrom = ""
	s.Version++
	s.UpdatedAt = u.At
	return s
}

// ReleaseSlotUpdate frees a booked slot, either on cancellation or when its
// booking is rescheduled elsewhere.
type ReleaseSlotUpdate struct {
	At time.Time
}

func (u ReleaseSlotUpdate) Apply(s Slot) Slot {
	s.Status = SlotStatusAvailable
	s.BookingID = ""
	s.PatientName = ""
	s.PatientEmail = ""
	s.PatientPhone = ""
	s.ServiceType = ""
	s.Notes = ""
	s.BookedAt = time.Time{}
	s.RescheduledFrom = ""
	s.CancelledAt = u.At
	s.Version++
	s.UpdatedAt = u.At
	return s
}

// RescheduleSlotUpdate books the target slot of a reschedule with the patient
// fields carried over from the slot being vacated.
type RescheduleSlotUpdate struct {
	From  Slot
	Notes string
	At    time.Time
}

func (u RescheduleSlotUpdate) Apply(s Slot) Slot {
	notes := u.From.Notes
	if u.Notes != "" {
		notes = u.Notes
	}
	s = BookSlotUpdate{
		BookingID:    u.From.BookingID,
		PatientName:  u.From.PatientName,
		PatientEmail: u.From.PatientEmail,
		PatientPhone: u.From.PatientPhone,
		ServiceType:  u.From.ServiceType,
		Notes:        notes,
		At:           u.At,
	}.Apply(s)
	s.RescheduledFrom = u.From.Key
	return s
}

type BlockSlotUpdate struct {
	Reason    string
	BlockedBy string
	At        time.Time
}

func (u BlockSlotUpdate) Apply(s Slot) Slot {
	s.Status = SlotStatusBlocked
	s.BookingID = ""
	s.BlockReason = u.Reason
	s.BlockedBy = u.BlockedBy
	s.BlockedAt = u.At
	s.UnblockedBy = ""
	s.UnblockReason = ""
	s.UnblockedAt = time.Time{}
	s.Version++
	s.UpdatedAt = u.At
	return s
}

type UnblockSlotUpdate struct {
	Reason      string
	UnblockedBy string
	At          time.Time
}

func (u UnblockSlotUpdate) Apply(s Slot) Slot {
	s.Status = SlotStatusAvailable
	s.BlockReason = ""
	s.BlockedBy = ""
	s.BlockedAt = time.Time{}
	s.UnblockedBy = u.UnblockedBy
	s.UnblockReason = u.Reason
	s.UnblockedAt = u.At
	s.Version++
	s.UpdatedAt = u.At
	return s
}

type ConfirmBookingUpdate struct {
	Slot SlotKey
	At   time.Time
}

func (u ConfirmBookingUpdate) Apply(b Booking) Booking {
	b.Status = BookingStatusConfirmed
	b.ConfirmedSlotID = u.Slot.String()
	b.ConfirmedDate = u.Slot.Date.String()
	b.ConfirmedTime = u.Slot.Time.String()
	b.ConfirmedAt = u.At
	b.UpdatedAt = u.At
	return b
}

// CancelBookingUpdate drops the slot reference so a cancelled booking never
// claims a slot; ConfirmedDate/ConfirmedTime stay as history.
type CancelBookingUpdate struct {
	Reason string
	At     time.Time
}

func (u CancelBookingUpdate) Apply(b Booking) Booking {
	b.Status = BookingStatusCancelled
	b.ConfirmedSlotID = ""
	b.CancellationReason = u.Reason
	b.CancelledAt = u.At
	b.UpdatedAt = u.At
	return b
}

type MoveBookingUpdate struct {
	From   SlotKey
	To     SlotKey
	Reason string
	At     time.Time
}

func (u MoveBookingUpdate) Apply(b Booking) Booking {
	b.ConfirmedSlotID = u.To.String()
	b.ConfirmedDate = u.To.Date.String()
	b.ConfirmedTime = u.To.Time.String()
	b.RescheduledFrom = u.From.String()
	b.RescheduleReason = u.Reason
	b.RescheduledAt = u.At
	b.UpdatedAt = u.At
	return b
}

type RejectBookingUpdate struct {
	Reason string
	At     time.Time
}

func (u RejectBookingUpdate) Apply(b Booking) Booking {
	b.Status = BookingStatusRejected
	b.RejectionReason = u.Reason
	b.RejectedAt = u.At
	b.UpdatedAt = u.At
	return b
}
