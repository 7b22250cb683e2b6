// Package coordinator runs the slot and booking mutations. Each operation
// reads every document it touches, validates against that fresh state, and
// writes all of them in a single store transaction. Write conflicts restart
// the whole cycle; business conflicts surface as domain errors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

// MaxBatchSize bounds the number of slots one block or unblock call may touch.
const MaxBatchSize = 500

type BookingData struct {
	BookingID    string
	PatientName  string
	PatientEmail string
	PatientPhone string
	ServiceType  string
	Notes        string
}

type RescheduleData struct {
	Reason string
	Notes  string
}

type BlockData struct {
	Reason    string
	BlockedBy string
}

type UnblockData struct {
	Reason      string
	UnblockedBy string
}

// SlotBooking is the committed state of a slot and the booking it was
// booked or cancelled for.
type SlotBooking struct {
	Slot    domain.Slot
	Booking domain.Booking
}

type RescheduleResult struct {
	OldSlot domain.Slot
	NewSlot domain.Slot
	Booking domain.Booking
}

type Coordinator struct {
	tx     store.Transactor
	retry  RetryConfig
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(tx store.Transactor, retry RetryConfig, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		tx:     tx,
		retry:  retry.withDefaults(),
		log:    log,
		tracer: otel.Tracer("slotbook/coordinator"),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
}

func (c *Coordinator) BookSlot(ctx context.Context, date domain.Date, at domain.TimeOfDay, data BookingData) (SlotBooking, error) {
	key := domain.NewSlotKey(date, at)
	if err := key.Validate(); err != nil {
		return SlotBooking{}, validationError(err.Error())
	}
	data.BookingID = strings.TrimSpace(data.BookingID)
	switch {
	case data.BookingID == "":
		return SlotBooking{}, validationError("booking id is required")
	case strings.TrimSpace(data.PatientName) == "":
		return SlotBooking{}, validationError("patient name is required")
	case strings.TrimSpace(data.PatientEmail) == "":
		return SlotBooking{}, validationError("patient email is required")
	case strings.TrimSpace(data.ServiceType) == "":
		return SlotBooking{}, validationError("service type is required")
	}

	ctx, span := c.start(ctx, "BookSlot",
		attribute.String("slot.key", key.String()),
		attribute.String("booking.id", data.BookingID),
	)
	defer span.End()

	now := c.now()
	var out SlotBooking
	err := c.run(ctx, "BookSlot", func(ctx context.Context, tx store.DocumentTx) error {
		slot, err := getSlot(ctx, tx, key.String())
		if err != nil {
			return err
		}
		booking, err := getBooking(ctx, tx, data.BookingID)
		if err != nil {
			return err
		}

		if slot.Status != domain.SlotStatusAvailable {
			return &domain.SlotNotAvailableError{Key: slot.Key, Status: slot.Status}
		}
		if booking.Status != domain.BookingStatusPending {
			return &domain.BookingAlreadyProcessedError{ID: booking.ID, Status: booking.Status}
		}

		slot = domain.BookSlotUpdate{
			BookingID:    booking.ID,
			PatientName:  data.PatientName,
			PatientEmail: data.PatientEmail,
			PatientPhone: data.PatientPhone,
			ServiceType:  data.ServiceType,
			Notes:        data.Notes,
			At:           now,
		}.Apply(slot)
		booking = domain.ConfirmBookingUpdate{Slot: key, At: now}.Apply(booking)
		if err := domain.CheckPair(slot, booking); err != nil {
			return fmt.Errorf("book slot: %w", err)
		}

		if err := tx.PutSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.PutBooking(ctx, booking); err != nil {
			return err
		}
		out = SlotBooking{Slot: slot, Booking: booking}
		return nil
	})
	if err != nil {
		return SlotBooking{}, c.fail(span, err)
	}
	return out, nil
}

func (c *Coordinator) CancelBooking(ctx context.Context, key domain.SlotKey, bookingID, reason string) (SlotBooking, error) {
	if err := key.Validate(); err != nil {
		return SlotBooking{}, validationError(err.Error())
	}
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return SlotBooking{}, validationError("booking id is required")
	}

	ctx, span := c.start(ctx, "CancelBooking",
		attribute.String("slot.key", key.String()),
		attribute.String("booking.id", bookingID),
	)
	defer span.End()

	now := c.now()
	var out SlotBooking
	err := c.run(ctx, "CancelBooking", func(ctx context.Context, tx store.DocumentTx) error {
		slot, err := getSlot(ctx, tx, key.String())
		if err != nil {
			return err
		}
		booking, err := getBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}

		if slot.Status != domain.SlotStatusBooked || slot.BookingID != bookingID {
			return &domain.SlotBookingMismatchError{Key: slot.Key, BookingID: bookingID, HeldBy: slot.BookingID}
		}
		if booking.Status != domain.BookingStatusConfirmed {
			return &domain.BookingAlreadyProcessedError{ID: booking.ID, Status: booking.Status}
		}

		slot = domain.ReleaseSlotUpdate{At: now}.Apply(slot)
		booking = domain.CancelBookingUpdate{Reason: reason, At: now}.Apply(booking)
		if err := domain.CheckPair(slot, booking); err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}

		if err := tx.PutSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.PutBooking(ctx, booking); err != nil {
			return err
		}
		out = SlotBooking{Slot: slot, Booking: booking}
		return nil
	})
	if err != nil {
		return SlotBooking{}, c.fail(span, err)
	}
	return out, nil
}

func (c *Coordinator) Reschedule(ctx context.Context, oldKey, newKey domain.SlotKey, bookingID string, data RescheduleData) (RescheduleResult, error) {
	if err := oldKey.Validate(); err != nil {
		return RescheduleResult{}, validationError("old slot: " + err.Error())
	}
	if err := newKey.Validate(); err != nil {
		return RescheduleResult{}, validationError("new slot: " + err.Error())
	}
	if oldKey == newKey {
		return RescheduleResult{}, validationError("new slot must differ from the current slot")
	}
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return RescheduleResult{}, validationError("booking id is required")
	}

	ctx, span := c.start(ctx, "Reschedule",
		attribute.String("slot.old_key", oldKey.String()),
		attribute.String("slot.new_key", newKey.String()),
		attribute.String("booking.id", bookingID),
	)
	defer span.End()

	now := c.now()
	var out RescheduleResult
	err := c.run(ctx, "Reschedule", func(ctx context.Context, tx store.DocumentTx) error {
		oldSlot, err := getSlot(ctx, tx, oldKey.String())
		if err != nil {
			return err
		}
		newSlot, err := getSlot(ctx, tx, newKey.String())
		if err != nil {
			return err
		}
		booking, err := getBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}

		if oldSlot.Status != domain.SlotStatusBooked || oldSlot.BookingID != bookingID {
			return &domain.SlotBookingMismatchError{Key: oldSlot.Key, BookingID: bookingID, HeldBy: oldSlot.BookingID}
		}
		if newSlot.Status != domain.SlotStatusAvailable {
			return &domain.SlotNotAvailableError{Key: newSlot.Key, Status: newSlot.Status}
		}
		if booking.Status != domain.BookingStatusConfirmed {
			return &domain.BookingAlreadyProcessedError{ID: booking.ID, Status: booking.Status}
		}
		if booking.ConfirmedSlotID != oldSlot.Key {
			return &domain.SlotBookingMismatchError{Key: oldSlot.Key, BookingID: bookingID, HeldBy: oldSlot.BookingID}
		}

		vacated := oldSlot
		newSlot = domain.RescheduleSlotUpdate{From: vacated, Notes: data.Notes, At: now}.Apply(newSlot)
		oldSlot = domain.ReleaseSlotUpdate{At: now}.Apply(oldSlot)
		booking = domain.MoveBookingUpdate{From: oldKey, To: newKey, Reason: data.Reason, At: now}.Apply(booking)
		if err := domain.CheckPair(newSlot, booking); err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		if err := domain.CheckPair(oldSlot, booking); err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}

		if err := tx.PutSlot(ctx, oldSlot); err != nil {
			return err
		}
		if err := tx.PutSlot(ctx, newSlot); err != nil {
			return err
		}
		if err := tx.PutBooking(ctx, booking); err != nil {
			return err
		}
		out = RescheduleResult{OldSlot: oldSlot, NewSlot: newSlot, Booking: booking}
		return nil
	})
	if err != nil {
		return RescheduleResult{}, c.fail(span, err)
	}
	return out, nil
}

// BlockSlots blocks every slot in keys or none of them. Slots that are
// already blocked get their block metadata replaced.
func (c *Coordinator) BlockSlots(ctx context.Context, keys []domain.SlotKey, data BlockData) ([]domain.Slot, error) {
	if err := validateBatch(keys); err != nil {
		return nil, err
	}
	if strings.TrimSpace(data.Reason) == "" {
		return nil, validationError("block reason is required")
	}
	if strings.TrimSpace(data.BlockedBy) == "" {
		return nil, validationError("blocked by is required")
	}

	ctx, span := c.start(ctx, "BlockSlots", attribute.Int("batch.size", len(keys)))
	defer span.End()

	update := domain.BlockSlotUpdate{Reason: data.Reason, BlockedBy: data.BlockedBy, At: c.now()}
	out, err := c.runBatch(ctx, "BlockSlots", keys, func(s domain.Slot) error {
		if s.Status == domain.SlotStatusBooked {
			return &domain.SlotNotAvailableError{Key: s.Key, Status: s.Status}
		}
		return nil
	}, update.Apply)
	if err != nil {
		return nil, c.fail(span, err)
	}
	return out, nil
}

func (c *Coordinator) UnblockSlots(ctx context.Context, keys []domain.SlotKey, data UnblockData) ([]domain.Slot, error) {
	if err := validateBatch(keys); err != nil {
		return nil, err
	}
	if strings.TrimSpace(data.UnblockedBy) == "" {
		return nil, validationError("unblocked by is required")
	}

	ctx, span := c.start(ctx, "UnblockSlots", attribute.Int("batch.size", len(keys)))
	defer span.End()

	update := domain.UnblockSlotUpdate{Reason: data.Reason, UnblockedBy: data.UnblockedBy, At: c.now()}
	out, err := c.runBatch(ctx, "UnblockSlots", keys, func(s domain.Slot) error {
		if s.Status != domain.SlotStatusBlocked {
			return &domain.SlotNotAvailableError{Key: s.Key, Status: s.Status}
		}
		return nil
	}, update.Apply)
	if err != nil {
		return nil, c.fail(span, err)
	}
	return out, nil
}

// RejectBooking declines a pending booking. No slot is involved.
func (c *Coordinator) RejectBooking(ctx context.Context, bookingID, reason string) (domain.Booking, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return domain.Booking{}, validationError("booking id is required")
	}

	ctx, span := c.start(ctx, "RejectBooking", attribute.String("booking.id", bookingID))
	defer span.End()

	now := c.now()
	var out domain.Booking
	err := c.run(ctx, "RejectBooking", func(ctx context.Context, tx store.DocumentTx) error {
		booking, err := getBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if booking.Status != domain.BookingStatusPending {
			return &domain.BookingAlreadyProcessedError{ID: booking.ID, Status: booking.Status}
		}
		booking = domain.RejectBookingUpdate{Reason: reason, At: now}.Apply(booking)
		if err := tx.PutBooking(ctx, booking); err != nil {
			return err
		}
		out = booking
		return nil
	})
	if err != nil {
		return domain.Booking{}, c.fail(span, err)
	}
	return out, nil
}

func (c *Coordinator) runBatch(ctx context.Context, op string, keys []domain.SlotKey, check func(domain.Slot) error, apply func(domain.Slot) domain.Slot) ([]domain.Slot, error) {
	var out []domain.Slot
	err := c.run(ctx, op, func(ctx context.Context, tx store.DocumentTx) error {
		slots := make([]domain.Slot, 0, len(keys))
		for i, key := range keys {
			slot, err := getSlot(ctx, tx, key.String())
			if err != nil {
				if domain.IsPreconditionFailure(err) {
					return &domain.BatchPreconditionError{Index: i, Key: key.String(), Err: err}
				}
				return err
			}
			slots = append(slots, slot)
		}
		for i, slot := range slots {
			if err := check(slot); err != nil {
				return &domain.BatchPreconditionError{Index: i, Key: slot.Key, Err: err}
			}
		}

		updated := make([]domain.Slot, 0, len(slots))
		for _, slot := range slots {
			slot = apply(slot)
			if err := domain.CheckSlot(slot); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			if err := tx.PutSlot(ctx, slot); err != nil {
				return err
			}
			updated = append(updated, slot)
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateBatch(keys []domain.SlotKey) error {
	if len(keys) == 0 {
		return validationError("at least one slot key is required")
	}
	if len(keys) > MaxBatchSize {
		return validationError(fmt.Sprintf("at most %d slot keys per call", MaxBatchSize))
	}
	seen := make(map[domain.SlotKey]struct{}, len(keys))
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			return validationError(err.Error())
		}
		if _, ok := seen[key]; ok {
			return validationError("duplicate slot key " + key.String())
		}
		seen[key] = struct{}{}
	}
	return nil
}

func getSlot(ctx context.Context, tx store.DocumentTx, key string) (domain.Slot, error) {
	slot, err := tx.GetSlot(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Slot{}, &domain.SlotNotFoundError{Key: key}
	}
	return slot, err
}

func getBooking(ctx context.Context, tx store.DocumentTx, id string) (domain.Booking, error) {
	b, err := tx.GetBooking(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Booking{}, &domain.BookingNotFoundError{ID: id}
	}
	return b, err
}

func (c *Coordinator) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
}

func (c *Coordinator) fail(span trace.Span, err error) error {
	if !domain.IsPreconditionFailure(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("precondition", err.Error()))
	}
	return err
}
