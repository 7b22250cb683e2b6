package domain

import "fmt"

var slotTransitions = map[SlotStatus][]SlotStatus{
	SlotStatusAvailable: {SlotStatusBooked, SlotStatusBlocked},
	SlotStatusBooked:    {SlotStatusAvailable},
	// Re-blocking a blocked slot only refreshes its block metadata.
	SlotStatusBlocked: {SlotStatusAvailable, SlotStatusBlocked},
}

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending: {BookingStatusConfirmed, BookingStatusRejected},
	// confirmed -> confirmed is a reschedule: the slot moves, the state does not.
	BookingStatusConfirmed: {BookingStatusConfirmed, BookingStatusCancelled, BookingStatusCompleted},
}

func (s SlotStatus) CanTransitionTo(next SlotStatus) bool {
	for _, n := range slotTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, n := range bookingTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// CheckSlot verifies the single-record slot invariants.
func CheckSlot(s Slot) error {
	if !s.Status.Valid() {
		return fmt.Errorf("slot %s: unknown status %q", s.Key, s.Status)
	}
	if s.Status == SlotStatusBlocked && s.BookingID != "" {
		return fmt.Errorf("slot %s: blocked slot references booking %s", s.Key, s.BookingID)
	}
	if s.Status == SlotStatusBooked && s.BookingID == "" {
		return fmt.Errorf("slot %s: booked slot has no booking", s.Key)
	}
	if s.Status == SlotStatusAvailable && s.BookingID != "" {
		return fmt.Errorf("slot %s: available slot references booking %s", s.Key, s.BookingID)
	}
	return nil
}

// CheckPair verifies that a booked slot and the booking it references point at
// each other and that the booking is confirmed.
func CheckPair(s Slot, b Booking) error {
	if err := CheckSlot(s); err != nil {
		return err
	}
	if s.Status != SlotStatusBooked {
		if b.ConfirmedSlotID == s.Key && b.Status == BookingStatusConfirmed {
			return fmt.Errorf("booking %s holds slot %s which is %s", b.ID, s.Key, s.Status)
		}
		return nil
	}
	if s.BookingID != b.ID {
		return fmt.Errorf("slot %s references booking %s, not %s", s.Key, s.BookingID, b.ID)
	}
	if b.Status != BookingStatusConfirmed {
		return fmt.Errorf("slot %s is booked by %s booking %s", s.Key, b.Status, b.ID)
	}
	if b.ConfirmedSlotID != s.Key {
		return fmt.Errorf("booking %s confirmed for %q, slot says %s", b.ID, b.ConfirmedSlotID, s.Key)
	}
	return nil
}
