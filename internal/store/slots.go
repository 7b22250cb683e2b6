package store

import (
	"context"

	"slotbook/internal/domain"
)

// SlotQuery selects slots whose date lies in [From, To]. An empty Statuses
// matches every status. Results are ordered by date, then time.
type SlotQuery struct {
	From     domain.Date
	To       domain.Date
	Statuses []domain.SlotStatus
}

func (q SlotQuery) Matches(s domain.Slot) bool {
	if s.Date < q.From.String() || s.Date > q.To.String() {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, st := range q.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

type SlotRepository interface {
	GetSlot(ctx context.Context, key string) (domain.Slot, error)
	// CreateSlots inserts the slots whose keys are not present yet and returns
	// the ones it inserted. Existing records are left untouched.
	CreateSlots(ctx context.Context, slots []domain.Slot) ([]domain.Slot, error)
	QuerySlots(ctx context.Context, q SlotQuery) ([]domain.Slot, error)
	DeleteSlot(ctx context.Context, key string) error
}

type BookingRepository interface {
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	// CreateBooking stores a new booking and fails with ErrAlreadyExists when
	// the id is taken.
	CreateBooking(ctx context.Context, b domain.Booking) (domain.Booking, error)
}

// DocumentTx is the view of the store inside one transaction. Puts are full
// replaces and become visible to other callers only when the transaction
// commits.
type DocumentTx interface {
	GetSlot(ctx context.Context, key string) (domain.Slot, error)
	PutSlot(ctx context.Context, slot domain.Slot) error
	DeleteSlot(ctx context.Context, key string) error
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
	PutBooking(ctx context.Context, b domain.Booking) error
}

// Transactor runs fn atomically and in isolation across every document it
// touches. If fn returns an error nothing is written. A concurrent write to a
// document fn read makes InTransaction fail with ErrConflict.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx DocumentTx) error) error
}

type Store interface {
	SlotRepository
	BookingRepository
	Transactor
	Close(ctx context.Context) error
}
