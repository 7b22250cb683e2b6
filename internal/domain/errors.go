package domain

import (
	"errors"
	"fmt"
)

// preconditionFailure marks errors that describe a real business conflict.
// They are never retried and always reach the caller unchanged.
type preconditionFailure interface {
	error
	preconditionFailure()
}

func IsPreconditionFailure(err error) bool {
	var pf preconditionFailure
	return errors.As(err, &pf)
}

type SlotNotFoundError struct {
	Key string
}

func (e *SlotNotFoundError) Error() string {
	return fmt.Sprintf("slot %s not found", e.Key)
}

func (*SlotNotFoundError) preconditionFailure() {}

// SlotNotAvailableError reports the status the slot actually had.
type SlotNotAvailableError struct {
	Key    string
	Status SlotStatus
}

func (e *SlotNotAvailableError) Error() string {
	return fmt.Sprintf("slot %s is %s", e.Key, e.Status)
}

func (*SlotNotAvailableError) preconditionFailure() {}

type BookingNotFoundError struct {
	ID string
}

func (e *BookingNotFoundError) Error() string {
	return fmt.Sprintf("booking %s not found", e.ID)
}

func (*BookingNotFoundError) preconditionFailure() {}

// BookingAlreadyProcessedError reports the status the booking actually had.
type BookingAlreadyProcessedError struct {
	ID     string
	Status BookingStatus
}

func (e *BookingAlreadyProcessedError) Error() string {
	return fmt.Sprintf("booking %s is already %s", e.ID, e.Status)
}

func (*BookingAlreadyProcessedError) preconditionFailure() {}

type SlotBookingMismatchError struct {
	Key       string
	BookingID string
	HeldBy    string
}

func (e *SlotBookingMismatchError) Error() string {
	if e.HeldBy == "" {
		return fmt.Sprintf("slot %s is not held by booking %s", e.Key, e.BookingID)
	}
	return fmt.Sprintf("slot %s is held by booking %s, not %s", e.Key, e.HeldBy, e.BookingID)
}

func (*SlotBookingMismatchError) preconditionFailure() {}

// BatchPreconditionError names the member of a bulk operation that failed and
// wraps that member's own error.
type BatchPreconditionError struct {
	Index int
	Key   string
	Err   error
}

func (e *BatchPreconditionError) Error() string {
	return fmt.Sprintf("batch member %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *BatchPreconditionError) Unwrap() error {
	return e.Err
}

func (*BatchPreconditionError) preconditionFailure() {}
