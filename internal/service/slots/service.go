// Package slots manages the slot inventory and booking intake: slot
// generation from business hours, admin CRUD on individual slots, and the
// creation of pending bookings that the coordinator later confirms.
package slots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotbook/internal/domain"
	"slotbook/internal/store"
)

// MaxQueryDays bounds the date range of a single slot listing.
const MaxQueryDays = 93

var (
	ErrSlotExists    = errors.New("slot already exists")
	ErrBookingExists = errors.New("booking already exists")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type Repository interface {
	store.SlotRepository
	store.BookingRepository
	store.Transactor
}

type Service struct {
	repo     Repository
	calendar domain.CalendarConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, calendar domain.CalendarConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		calendar: calendar,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Calendar() domain.CalendarConfig {
	return s.calendar
}

func (s *Service) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	k, err := domain.ParseSlotKey(key)
	if err != nil {
		return domain.Slot{}, validationError(err.Error())
	}
	slot, err := s.repo.GetSlot(ctx, k.String())
	if errors.Is(err, store.ErrNotFound) {
		return domain.Slot{}, &domain.SlotNotFoundError{Key: k.String()}
	}
	return slot, err
}

type ListInput struct {
	From     domain.Date
	To       domain.Date
	Statuses []domain.SlotStatus
}

func (s *Service) ListSlots(ctx context.Context, in ListInput) ([]domain.Slot, error) {
	if in.From.IsZero() {
		return nil, validationError("from date is required")
	}
	if in.To.IsZero() {
		in.To = in.From
	}
	if in.To.Before(in.From) {
		return nil, validationError("to date must not be before from date")
	}
	if in.From.AddDays(MaxQueryDays).Before(in.To) {
		return nil, validationError(fmt.Sprintf("date range must be at most %d days", MaxQueryDays))
	}
	for _, st := range in.Statuses {
		if !st.Valid() {
			return nil, validationError(fmt.Sprintf("unknown slot status %q", st))
		}
	}
	return s.repo.QuerySlots(ctx, store.SlotQuery{From: in.From, To: in.To, Statuses: in.Statuses})
}

type CreateSlotInput struct {
	Date            domain.Date
	Time            domain.TimeOfDay
	DurationMinutes int
}

// CreateSlot adds a single available slot outside the generated schedule.
func (s *Service) CreateSlot(ctx context.Context, in CreateSlotInput) (domain.Slot, error) {
	key := domain.NewSlotKey(in.Date, in.Time)
	if err := key.Validate(); err != nil {
		return domain.Slot{}, validationError(err.Error())
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = s.calendar.SlotDurationMinutes
	}
	if in.DurationMinutes <= 0 || !in.Time.Add(in.DurationMinutes).Valid() {
		return domain.Slot{}, validationError("slot must end on the same day")
	}

	created, err := s.repo.CreateSlots(ctx, []domain.Slot{domain.NewAvailableSlot(key, in.DurationMinutes, s.now())})
	if err != nil {
		return domain.Slot{}, err
	}
	if len(created) == 0 {
		return domain.Slot{}, ErrSlotExists
	}
	return created[0], nil
}

// DeleteSlot removes an available slot. Booked and blocked slots must be
// cancelled or unblocked first.
func (s *Service) DeleteSlot(ctx context.Context, key string) error {
	k, err := domain.ParseSlotKey(key)
	if err != nil {
		return validationError(err.Error())
	}
	return s.repo.InTransaction(ctx, func(ctx context.Context, tx store.DocumentTx) error {
		slot, err := tx.GetSlot(ctx, k.String())
		if errors.Is(err, store.ErrNotFound) {
			return &domain.SlotNotFoundError{Key: k.String()}
		}
		if err != nil {
			return err
		}
		if slot.Status != domain.SlotStatusAvailable {
			return &domain.SlotNotAvailableError{Key: slot.Key, Status: slot.Status}
		}
		return tx.DeleteSlot(ctx, slot.Key)
	})
}

// GenerateForDate creates the slots the calendar defines for date and returns
// only the ones that did not exist yet. Existing slots keep their state.
func (s *Service) GenerateForDate(ctx context.Context, date domain.Date) ([]domain.Slot, error) {
	if date.IsZero() {
		return nil, validationError("date is required")
	}
	now := s.now()
	if err := s.checkWindow(domain.DateOf(now), date, date); err != nil {
		return nil, err
	}
	return s.generate(ctx, date, now)
}

// GenerateRange runs GenerateForDate for every day in [from, to]. The range
// must lie inside the advance booking window.
func (s *Service) GenerateRange(ctx context.Context, from, to domain.Date) ([]domain.Slot, error) {
	now := s.now()
	if from.IsZero() || to.IsZero() {
		return nil, validationError("from and to dates are required")
	}
	if to.Before(from) {
		return nil, validationError("to date must not be before from date")
	}
	if err := s.checkWindow(domain.DateOf(now), from, to); err != nil {
		return nil, err
	}

	var out []domain.Slot
	for d := from; !to.Before(d); d = d.AddDays(1) {
		created, err := s.generate(ctx, d, now)
		if err != nil {
			return out, err
		}
		out = append(out, created...)
	}
	return out, nil
}

// GenerateAhead fills the advance booking window [today, today+AdvanceBookingDays).
func (s *Service) GenerateAhead(ctx context.Context) ([]domain.Slot, error) {
	if s.calendar.AdvanceBookingDays <= 0 {
		return nil, nil
	}
	today := domain.DateOf(s.now())
	return s.GenerateRange(ctx, today, today.AddDays(s.calendar.AdvanceBookingDays-1))
}

// checkWindow rejects dates before today and, when an advance window is
// configured, dates on or after today+AdvanceBookingDays.
func (s *Service) checkWindow(today, from, to domain.Date) error {
	if from.Before(today) {
		return validationError("cannot generate slots in the past")
	}
	if s.calendar.AdvanceBookingDays <= 0 {
		return nil
	}
	if last := today.AddDays(s.calendar.AdvanceBookingDays - 1); last.Before(to) {
		return validationError(fmt.Sprintf("cannot generate slots after %s", last))
	}
	return nil
}

func (s *Service) generate(ctx context.Context, date domain.Date, now time.Time) ([]domain.Slot, error) {
	times := s.calendar.SlotTimes(date, s.calendar.SlotDurationMinutes)
	if len(times) == 0 {
		return nil, nil
	}
	slots := make([]domain.Slot, 0, len(times))
	for _, t := range times {
		slots = append(slots, domain.NewAvailableSlot(domain.NewSlotKey(date, t), s.calendar.SlotDurationMinutes, now))
	}
	created, err := s.repo.CreateSlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("generate %s: %w", date, err)
	}
	if len(created) > 0 {
		s.log.Info("generated slots", slog.String("date", date.String()), slog.Int("count", len(created)))
	}
	return created, nil
}

type CreateBookingInput struct {
	PatientName    string
	PatientEmail   string
	PatientPhone   string
	ServiceType    string
	Notes          string
	PreferredDate  string
	PreferredTime  string
	IdempotencyKey string
}

// CreateBooking records a pending booking request. With an idempotency key
// the booking id is derived from it, so a retried request maps to the same
// booking.
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (domain.Booking, error) {
	name := strings.TrimSpace(in.PatientName)
	email := strings.TrimSpace(in.PatientEmail)
	if name == "" {
		return domain.Booking{}, validationError("patient name is required")
	}
	if email == "" || !strings.Contains(email, "@") {
		return domain.Booking{}, validationError("a valid patient email is required")
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		return domain.Booking{}, validationError("service type is required")
	}
	if in.PreferredDate != "" {
		if _, err := domain.ParseDate(in.PreferredDate); err != nil {
			return domain.Booking{}, validationError(err.Error())
		}
	}
	if in.PreferredTime != "" {
		if _, err := domain.ParseTimeOfDay(in.PreferredTime); err != nil {
			return domain.Booking{}, validationError(err.Error())
		}
	}

	now := s.now()
	b := domain.Booking{
		PatientName:   name,
		PatientEmail:  email,
		PatientPhone:  strings.TrimSpace(in.PatientPhone),
		ServiceType:   strings.TrimSpace(in.ServiceType),
		Notes:         in.Notes,
		PreferredDate: in.PreferredDate,
		PreferredTime: in.PreferredTime,
		Status:        domain.BookingStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Booking{}, validationError("idempotency key too long")
		}
		b.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("slotbook:create_booking:"+email+":"+key)).String()
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Booking{}, err
		}
		b.ID = id.String()
	}

	created, err := s.repo.CreateBooking(ctx, b)
	if errors.Is(err, store.ErrAlreadyExists) {
		if key == "" {
			return domain.Booking{}, ErrBookingExists
		}
		return s.repo.GetBooking(ctx, b.ID)
	}
	return created, err
}

func (s *Service) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Booking{}, validationError("booking id is required")
	}
	b, err := s.repo.GetBooking(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Booking{}, &domain.BookingNotFoundError{ID: id}
	}
	return b, err
}
