// Package apierr classifies service errors once so each transport can map
// them onto its own status codes.
package apierr

import (
	"context"
	"errors"
	"strconv"

	"slotbook/internal/domain"
	"slotbook/internal/service/coordinator"
	"slotbook/internal/service/slots"
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindAlreadyExists
	KindPrecondition
	KindContention
	KindCanceled
	KindDeadline
)

// Problem is the client-facing description of an error. Message is safe to
// return to callers; internal errors never expose the underlying cause.
type Problem struct {
	Kind     Kind
	Reason   string
	Message  string
	Metadata map[string]string
}

func Classify(err error) Problem {
	var (
		coordValidation *coordinator.ValidationError
		slotsValidation *slots.ValidationError
		contention      *coordinator.ContentionError
		slotNotFound    *domain.SlotNotFoundError
		bookingNotFound *domain.BookingNotFoundError
		notAvailable    *domain.SlotNotAvailableError
		processed       *domain.BookingAlreadyProcessedError
		mismatch        *domain.SlotBookingMismatchError
		batch           *domain.BatchPreconditionError
	)

	switch {
	case errors.As(err, &coordValidation):
		return Problem{Kind: KindInvalid, Reason: "INVALID_ARGUMENT", Message: coordValidation.Error()}
	case errors.As(err, &slotsValidation):
		return Problem{Kind: KindInvalid, Reason: "INVALID_ARGUMENT", Message: slotsValidation.Error()}
	case errors.As(err, &contention):
		return Problem{
			Kind:     KindContention,
			Reason:   "TRANSACTION_CONTENTION",
			Message:  "The slot is busy right now. Please try again.",
			Metadata: map[string]string{"attempts": strconv.Itoa(contention.Attempts)},
		}
	case errors.Is(err, slots.ErrSlotExists):
		return Problem{Kind: KindAlreadyExists, Reason: "SLOT_EXISTS", Message: err.Error()}
	case errors.Is(err, slots.ErrBookingExists):
		return Problem{Kind: KindAlreadyExists, Reason: "BOOKING_EXISTS", Message: err.Error()}
	}

	if errors.As(err, &batch) {
		p := Classify(batch.Err)
		if p.Metadata == nil {
			p.Metadata = map[string]string{}
		}
		p.Metadata["batch_index"] = strconv.Itoa(batch.Index)
		p.Metadata["slot_key"] = batch.Key
		p.Message = batch.Error()
		return p
	}

	switch {
	case errors.As(err, &slotNotFound):
		return Problem{
			Kind:     KindNotFound,
			Reason:   "SLOT_NOT_FOUND",
			Message:  slotNotFound.Error(),
			Metadata: map[string]string{"slot_key": slotNotFound.Key},
		}
	case errors.As(err, &bookingNotFound):
		return Problem{
			Kind:     KindNotFound,
			Reason:   "BOOKING_NOT_FOUND",
			Message:  bookingNotFound.Error(),
			Metadata: map[string]string{"booking_id": bookingNotFound.ID},
		}
	case errors.As(err, &notAvailable):
		return Problem{
			Kind:     KindPrecondition,
			Reason:   "SLOT_NOT_AVAILABLE",
			Message:  notAvailable.Error(),
			Metadata: map[string]string{"slot_key": notAvailable.Key, "status": string(notAvailable.Status)},
		}
	case errors.As(err, &processed):
		return Problem{
			Kind:     KindPrecondition,
			Reason:   "BOOKING_ALREADY_PROCESSED",
			Message:  processed.Error(),
			Metadata: map[string]string{"booking_id": processed.ID, "status": string(processed.Status)},
		}
	case errors.As(err, &mismatch):
		return Problem{
			Kind:     KindPrecondition,
			Reason:   "SLOT_BOOKING_MISMATCH",
			Message:  mismatch.Error(),
			Metadata: map[string]string{"slot_key": mismatch.Key, "booking_id": mismatch.BookingID},
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Problem{Kind: KindDeadline, Reason: "DEADLINE_EXCEEDED", Message: "deadline exceeded"}
	case errors.Is(err, context.Canceled):
		return Problem{Kind: KindCanceled, Reason: "CANCELED", Message: "request canceled"}
	}
	return Problem{Kind: KindInternal, Reason: "INTERNAL", Message: "internal error"}
}
