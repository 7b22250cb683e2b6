package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"slotbook/internal/domain"
	"slotbook/internal/store"
	"slotbook/internal/store/memory"
)

var testNow = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)

func newTestCoordinator(tx store.Transactor) *Coordinator {
	c := New(tx, RetryConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return testNow }
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func mustKey(t *testing.T, s string) domain.SlotKey {
	t.Helper()
	k, err := domain.ParseSlotKey(s)
	if err != nil {
		t.Fatalf("ParseSlotKey(%q) error: %v", s, err)
	}
	return k
}

func seedSlots(t *testing.T, s *memory.Store, keys ...string) {
	t.Helper()
	slots := make([]domain.Slot, 0, len(keys))
	for _, k := range keys {
		slots = append(slots, domain.NewAvailableSlot(mustKey(t, k), 30, testNow))
	}
	if _, err := s.CreateSlots(context.Background(), slots); err != nil {
		t.Fatalf("CreateSlots error: %v", err)
	}
}

func seedBooking(t *testing.T, s *memory.Store, id string) {
	t.Helper()
	_, err := s.CreateBooking(context.Background(), domain.Booking{
		ID:           id,
		PatientName:  "Patient " + id,
		PatientEmail: id + "@example.com",
		ServiceType:  "consultation",
		Status:       domain.BookingStatusPending,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	})
	if err != nil {
		t.Fatalf("CreateBooking error: %v", err)
	}
}

func bookingData(id string) BookingData {
	return BookingData{
		BookingID:    id,
		PatientName:  "Patient " + id,
		PatientEmail: id + "@example.com",
		PatientPhone: "+15550100",
		ServiceType:  "consultation",
		Notes:        "first visit",
	}
}

func getSlotT(t *testing.T, s *memory.Store, key string) domain.Slot {
	t.Helper()
	slot, err := s.GetSlot(context.Background(), key)
	if err != nil {
		t.Fatalf("GetSlot(%s) error: %v", key, err)
	}
	return slot
}

func getBookingT(t *testing.T, s *memory.Store, id string) domain.Booking {
	t.Helper()
	b, err := s.GetBooking(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBooking(%s) error: %v", id, err)
	}
	return b
}

func book(t *testing.T, c *Coordinator, key domain.SlotKey, id string) SlotBooking {
	t.Helper()
	res, err := c.BookSlot(context.Background(), key.Date, key.Time, bookingData(id))
	if err != nil {
		t.Fatalf("BookSlot(%s, %s) error: %v", key, id, err)
	}
	return res
}

func TestBookSlot_ConfirmsBookingAndSecondCallerSeesBooked(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430")
	seedBooking(t, s, "B1")
	seedBooking(t, s, "B2")
	c := newTestCoordinator(s)

	res, err := c.BookSlot(context.Background(), domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("14:30"), bookingData("B1"))
	if err != nil {
		t.Fatalf("BookSlot error: %v", err)
	}
	if res.Slot.Status != domain.SlotStatusBooked || res.Slot.BookingID != "B1" || res.Slot.Version != 1 {
		t.Fatalf("slot = %s/%s/v%d, want booked/B1/v1", res.Slot.Status, res.Slot.BookingID, res.Slot.Version)
	}
	if !res.Slot.BookedAt.Equal(testNow) {
		t.Fatalf("bookedAt = %v, want %v", res.Slot.BookedAt, testNow)
	}
	if res.Booking.Status != domain.BookingStatusConfirmed || res.Booking.ConfirmedSlotID != "2024-01-15_1430" {
		t.Fatalf("booking = %s/%s, want confirmed/2024-01-15_1430", res.Booking.Status, res.Booking.ConfirmedSlotID)
	}
	if res.Booking.ConfirmedDate != "2024-01-15" || res.Booking.ConfirmedTime != "14:30" {
		t.Fatalf("confirmed date/time = %s %s", res.Booking.ConfirmedDate, res.Booking.ConfirmedTime)
	}

	stored := getSlotT(t, s, "2024-01-15_1430")
	if stored.Version != 1 || stored.PatientEmail != "B1@example.com" {
		t.Fatalf("stored slot = %+v", stored)
	}

	_, err = c.BookSlot(context.Background(), domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("14:30"), bookingData("B2"))
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &notAvail) {
		t.Fatalf("err = %v, want SlotNotAvailableError", err)
	}
	if notAvail.Status != domain.SlotStatusBooked {
		t.Fatalf("status = %s, want booked", notAvail.Status)
	}
	if got := getBookingT(t, s, "B2"); got.Status != domain.BookingStatusPending {
		t.Fatalf("B2 status = %s, want pending", got.Status)
	}
}

func TestBookSlot_ConcurrentCallersExactlyOneWins(t *testing.T) {
	const callers = 20
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430")
	for i := 0; i < callers; i++ {
		seedBooking(t, s, fmt.Sprintf("B%02d", i))
	}
	c := newTestCoordinator(s)
	c.sleep = func(context.Context, time.Duration) error {
		time.Sleep(time.Millisecond)
		return nil
	}

	date, at := domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("14:30")
	start := make(chan struct{})
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.BookSlot(context.Background(), date, at, bookingData(fmt.Sprintf("B%02d", i)))
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	winner := ""
	for i, err := range errs {
		id := fmt.Sprintf("B%02d", i)
		if err == nil {
			winners++
			winner = id
			continue
		}
		var notAvail *domain.SlotNotAvailableError
		if !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusBooked {
			t.Fatalf("caller %s err = %v, want SlotNotAvailableError(booked)", id, err)
		}
		if got := getBookingT(t, s, id); got.Status != domain.BookingStatusPending {
			t.Fatalf("loser %s status = %s, want pending", id, got.Status)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}

	slot := getSlotT(t, s, "2024-01-15_1430")
	if slot.BookingID != winner || slot.Version != 1 {
		t.Fatalf("slot = %s/v%d, want %s/v1", slot.BookingID, slot.Version, winner)
	}
	if b := getBookingT(t, s, winner); b.Status != domain.BookingStatusConfirmed {
		t.Fatalf("winner status = %s, want confirmed", b.Status)
	}
}

func TestBookSlot_Preconditions(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900", "2024-01-15_0930")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_0900")

	_, err := c.BookSlot(context.Background(), key.Date, domain.MustParseTimeOfDay("10:00"), bookingData("B1"))
	var slotNF *domain.SlotNotFoundError
	if !errors.As(err, &slotNF) || slotNF.Key != "2024-01-15_1000" {
		t.Fatalf("err = %v, want SlotNotFoundError(2024-01-15_1000)", err)
	}

	_, err = c.BookSlot(context.Background(), key.Date, key.Time, bookingData("missing"))
	var bookingNF *domain.BookingNotFoundError
	if !errors.As(err, &bookingNF) {
		t.Fatalf("err = %v, want BookingNotFoundError", err)
	}

	book(t, c, key, "B1")
	other := mustKey(t, "2024-01-15_0930")
	_, err = c.BookSlot(context.Background(), other.Date, other.Time, bookingData("B1"))
	var processed *domain.BookingAlreadyProcessedError
	if !errors.As(err, &processed) || processed.Status != domain.BookingStatusConfirmed {
		t.Fatalf("err = %v, want BookingAlreadyProcessedError(confirmed)", err)
	}
	if got := getSlotT(t, s, "2024-01-15_0930"); got.Status != domain.SlotStatusAvailable || got.Version != 0 {
		t.Fatalf("untouched slot changed: %s/v%d", got.Status, got.Version)
	}
}

func TestBookSlot_BlockedSlotIsNotAvailable(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_0900")

	if _, err := c.BlockSlots(context.Background(), []domain.SlotKey{key}, BlockData{Reason: "holiday", BlockedBy: "admin"}); err != nil {
		t.Fatalf("BlockSlots error: %v", err)
	}
	_, err := c.BookSlot(context.Background(), key.Date, key.Time, bookingData("B1"))
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusBlocked {
		t.Fatalf("err = %v, want SlotNotAvailableError(blocked)", err)
	}
}

func TestBookSlot_ValidatesInput(t *testing.T) {
	c := newTestCoordinator(memory.New())
	date, at := domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("09:00")

	cases := map[string]BookingData{
		"missing id":      {PatientName: "A", PatientEmail: "a@example.com", ServiceType: "x"},
		"missing name":    {BookingID: "B1", PatientEmail: "a@example.com", ServiceType: "x"},
		"missing email":   {BookingID: "B1", PatientName: "A", ServiceType: "x"},
		"missing service": {BookingID: "B1", PatientName: "A", PatientEmail: "a@example.com"},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.BookSlot(context.Background(), date, at, data)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	_, err := c.BookSlot(context.Background(), date, domain.TimeOfDay(24*60), bookingData("B1"))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError for out-of-range time", err)
	}
}

func TestCancelBooking_RestoresSlotAndAddsTwoVersions(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_1430")

	before := getSlotT(t, s, key.String())
	book(t, c, key, "B1")

	res, err := c.CancelBooking(context.Background(), key, "B1", "feeling better")
	if err != nil {
		t.Fatalf("CancelBooking error: %v", err)
	}

	slot := getSlotT(t, s, key.String())
	if slot.Version != before.Version+2 {
		t.Fatalf("version = %d, want %d", slot.Version, before.Version+2)
	}
	if slot.Status != domain.SlotStatusAvailable {
		t.Fatalf("status = %s, want available", slot.Status)
	}
	if slot.BookingID != "" || slot.PatientName != "" || slot.PatientEmail != "" || slot.PatientPhone != "" ||
		slot.ServiceType != "" || slot.Notes != "" || !slot.BookedAt.IsZero() {
		t.Fatalf("booking fields not cleared: %+v", slot)
	}
	if !slot.CancelledAt.Equal(testNow) {
		t.Fatalf("cancelledAt = %v, want %v", slot.CancelledAt, testNow)
	}

	b := getBookingT(t, s, "B1")
	if b.Status != domain.BookingStatusCancelled || b.CancellationReason != "feeling better" {
		t.Fatalf("booking = %s/%q", b.Status, b.CancellationReason)
	}
	if b.ConfirmedSlotID != "" {
		t.Fatalf("cancelled booking still holds %s", b.ConfirmedSlotID)
	}
	if res.Slot.Version != slot.Version || res.Booking.Status != b.Status {
		t.Fatalf("result does not match committed state")
	}
}

func TestCancelBooking_Preconditions(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430", "2024-01-15_1500")
	seedBooking(t, s, "B1")
	seedBooking(t, s, "B2")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_1430")
	book(t, c, key, "B1")

	_, err := c.CancelBooking(context.Background(), key, "B2", "")
	var mismatch *domain.SlotBookingMismatchError
	if !errors.As(err, &mismatch) || mismatch.HeldBy != "B1" {
		t.Fatalf("err = %v, want SlotBookingMismatchError held by B1", err)
	}

	_, err = c.CancelBooking(context.Background(), mustKey(t, "2024-01-15_1500"), "B1", "")
	if !errors.As(err, &mismatch) || mismatch.HeldBy != "" {
		t.Fatalf("err = %v, want SlotBookingMismatchError for unbooked slot", err)
	}

	if slot := getSlotT(t, s, key.String()); slot.Version != 1 || slot.BookingID != "B1" {
		t.Fatalf("slot changed by failed cancel: %s/v%d", slot.BookingID, slot.Version)
	}

	if _, err := c.CancelBooking(context.Background(), key, "B1", ""); err != nil {
		t.Fatalf("CancelBooking error: %v", err)
	}
	_, err = c.CancelBooking(context.Background(), key, "B1", "")
	if !errors.As(err, &mismatch) {
		t.Fatalf("second cancel err = %v, want SlotBookingMismatchError", err)
	}
}

func TestReschedule_MovesBookingAtomically(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430", "2024-01-16_1000")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	oldKey, newKey := mustKey(t, "2024-01-15_1430"), mustKey(t, "2024-01-16_1000")
	book(t, c, oldKey, "B1")

	res, err := c.Reschedule(context.Background(), oldKey, newKey, "B1", RescheduleData{Reason: "clash"})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}

	oldSlot := getSlotT(t, s, oldKey.String())
	if oldSlot.Status != domain.SlotStatusAvailable || oldSlot.BookingID != "" || oldSlot.Version != 2 {
		t.Fatalf("old slot = %s/%q/v%d, want available/empty/v2", oldSlot.Status, oldSlot.BookingID, oldSlot.Version)
	}
	newSlot := getSlotT(t, s, newKey.String())
	if newSlot.Status != domain.SlotStatusBooked || newSlot.BookingID != "B1" || newSlot.Version != 1 {
		t.Fatalf("new slot = %s/%q/v%d, want booked/B1/v1", newSlot.Status, newSlot.BookingID, newSlot.Version)
	}
	if newSlot.PatientPhone != "+15550100" || newSlot.Notes != "first visit" || newSlot.RescheduledFrom != oldKey.String() {
		t.Fatalf("new slot did not inherit booking fields: %+v", newSlot)
	}
	b := getBookingT(t, s, "B1")
	if b.Status != domain.BookingStatusConfirmed || b.ConfirmedSlotID != newKey.String() ||
		b.RescheduledFrom != oldKey.String() || b.RescheduleReason != "clash" {
		t.Fatalf("booking = %+v", b)
	}
	if b.ConfirmedDate != "2024-01-16" || b.ConfirmedTime != "10:00" {
		t.Fatalf("confirmed date/time = %s %s", b.ConfirmedDate, b.ConfirmedTime)
	}
	if res.NewSlot.Key != newKey.String() || res.OldSlot.Key != oldKey.String() {
		t.Fatalf("result keys = %s -> %s", res.OldSlot.Key, res.NewSlot.Key)
	}
}

// interferingTransactor lets a concurrent writer commit right after the
// wrapped transaction first reads a chosen slot.
type interferingTransactor struct {
	inner store.Transactor
	key   string
	once  sync.Once
	fire  func()
}

func (it *interferingTransactor) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	return it.inner.InTransaction(ctx, func(ctx context.Context, tx store.DocumentTx) error {
		return fn(ctx, &interferingTx{DocumentTx: tx, it: it})
	})
}

type interferingTx struct {
	store.DocumentTx
	it *interferingTransactor
}

func (t *interferingTx) GetSlot(ctx context.Context, key string) (domain.Slot, error) {
	slot, err := t.DocumentTx.GetSlot(ctx, key)
	if err == nil && key == t.it.key {
		t.it.once.Do(t.it.fire)
	}
	return slot, err
}

func TestReschedule_TargetBlockedMidTransactionLeavesEverythingIntact(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430", "2024-01-16_1000")
	seedBooking(t, s, "B1")
	admin := newTestCoordinator(s)
	oldKey, newKey := mustKey(t, "2024-01-15_1430"), mustKey(t, "2024-01-16_1000")
	book(t, admin, oldKey, "B1")

	it := &interferingTransactor{inner: s, key: newKey.String()}
	it.fire = func() {
		if _, err := admin.BlockSlots(context.Background(), []domain.SlotKey{newKey}, BlockData{Reason: "maintenance", BlockedBy: "admin"}); err != nil {
			t.Errorf("BlockSlots error: %v", err)
		}
	}
	c := newTestCoordinator(it)

	_, err := c.Reschedule(context.Background(), oldKey, newKey, "B1", RescheduleData{Reason: "clash"})
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusBlocked {
		t.Fatalf("err = %v, want SlotNotAvailableError(blocked)", err)
	}

	oldSlot := getSlotT(t, s, oldKey.String())
	if oldSlot.Status != domain.SlotStatusBooked || oldSlot.BookingID != "B1" || oldSlot.Version != 1 {
		t.Fatalf("old slot = %s/%q/v%d, want booked/B1/v1", oldSlot.Status, oldSlot.BookingID, oldSlot.Version)
	}
	if b := getBookingT(t, s, "B1"); b.ConfirmedSlotID != oldKey.String() {
		t.Fatalf("confirmedSlotId = %s, want %s", b.ConfirmedSlotID, oldKey)
	}
	if newSlot := getSlotT(t, s, newKey.String()); newSlot.Status != domain.SlotStatusBlocked || newSlot.BookingID != "" {
		t.Fatalf("new slot = %s/%q, want blocked/empty", newSlot.Status, newSlot.BookingID)
	}
}

func TestReschedule_Preconditions(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430", "2024-01-15_1500", "2024-01-16_1000")
	seedBooking(t, s, "B1")
	seedBooking(t, s, "B2")
	c := newTestCoordinator(s)
	k1, k2, k3 := mustKey(t, "2024-01-15_1430"), mustKey(t, "2024-01-15_1500"), mustKey(t, "2024-01-16_1000")
	book(t, c, k1, "B1")
	book(t, c, k2, "B2")

	_, err := c.Reschedule(context.Background(), k1, k2, "B1", RescheduleData{})
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusBooked {
		t.Fatalf("err = %v, want SlotNotAvailableError(booked)", err)
	}

	_, err = c.Reschedule(context.Background(), k1, k3, "B2", RescheduleData{})
	var mismatch *domain.SlotBookingMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want SlotBookingMismatchError", err)
	}

	_, err = c.Reschedule(context.Background(), k1, k1, "B1", RescheduleData{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError for same slot", err)
	}

	_, err = c.Reschedule(context.Background(), k1, mustKey(t, "2024-01-17_1000"), "B1", RescheduleData{})
	var nf *domain.SlotNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want SlotNotFoundError", err)
	}

	for _, key := range []string{k1.String(), k2.String()} {
		if slot := getSlotT(t, s, key); slot.Version != 1 {
			t.Fatalf("%s version = %d after failed reschedules, want 1", key, slot.Version)
		}
	}
}

func TestBlockSlots_RefusesBookedSlot(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_1430")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_1430")
	book(t, c, key, "B1")

	_, err := c.BlockSlots(context.Background(), []domain.SlotKey{key}, BlockData{Reason: "holiday", BlockedBy: "admin"})
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusBooked {
		t.Fatalf("err = %v, want SlotNotAvailableError(booked)", err)
	}
	if slot := getSlotT(t, s, key.String()); slot.Version != 1 || slot.Status != domain.SlotStatusBooked {
		t.Fatalf("slot = %s/v%d, want booked/v1", slot.Status, slot.Version)
	}
}

func TestBlockSlots_AllOrNothing(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900", "2024-01-15_0930", "2024-01-15_1000")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	k1, k2, k3 := mustKey(t, "2024-01-15_0900"), mustKey(t, "2024-01-15_0930"), mustKey(t, "2024-01-15_1000")
	book(t, c, k2, "B1")

	_, err := c.BlockSlots(context.Background(), []domain.SlotKey{k1, k2, k3}, BlockData{Reason: "holiday", BlockedBy: "admin"})
	var batch *domain.BatchPreconditionError
	if !errors.As(err, &batch) {
		t.Fatalf("err = %v, want BatchPreconditionError", err)
	}
	if batch.Index != 1 || batch.Key != k2.String() {
		t.Fatalf("batch failure at %d (%s), want 1 (%s)", batch.Index, batch.Key, k2)
	}
	if !domain.IsPreconditionFailure(err) {
		t.Fatalf("batch error is not a precondition failure")
	}

	for _, k := range []domain.SlotKey{k1, k3} {
		slot := getSlotT(t, s, k.String())
		if slot.Version != 0 || slot.Status != domain.SlotStatusAvailable || slot.BlockReason != "" {
			t.Fatalf("%s = %s/v%d, want untouched available/v0", k, slot.Status, slot.Version)
		}
	}
}

func TestBlockSlots_MissingSlotAbortsBatch(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900")
	c := newTestCoordinator(s)

	_, err := c.BlockSlots(context.Background(),
		[]domain.SlotKey{mustKey(t, "2024-01-15_0900"), mustKey(t, "2024-01-15_0930")},
		BlockData{Reason: "holiday", BlockedBy: "admin"})
	var batch *domain.BatchPreconditionError
	var nf *domain.SlotNotFoundError
	if !errors.As(err, &batch) || batch.Index != 1 || !errors.As(err, &nf) {
		t.Fatalf("err = %v, want BatchPreconditionError wrapping SlotNotFoundError at 1", err)
	}
	if slot := getSlotT(t, s, "2024-01-15_0900"); slot.Version != 0 {
		t.Fatalf("version = %d, want 0", slot.Version)
	}
}

func TestBlockAndUnblock_Lifecycle(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900", "2024-01-15_0930")
	c := newTestCoordinator(s)
	keys := []domain.SlotKey{mustKey(t, "2024-01-15_0900"), mustKey(t, "2024-01-15_0930")}

	blocked, err := c.BlockSlots(context.Background(), keys, BlockData{Reason: "training", BlockedBy: "admin@clinic"})
	if err != nil {
		t.Fatalf("BlockSlots error: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("blocked = %d, want 2", len(blocked))
	}
	for _, slot := range blocked {
		if slot.Status != domain.SlotStatusBlocked || slot.BlockReason != "training" || slot.BlockedBy != "admin@clinic" || slot.Version != 1 {
			t.Fatalf("blocked slot = %+v", slot)
		}
	}

	// Re-blocking refreshes metadata.
	if _, err := c.BlockSlots(context.Background(), keys[:1], BlockData{Reason: "extended", BlockedBy: "lead"}); err != nil {
		t.Fatalf("re-block error: %v", err)
	}
	if slot := getSlotT(t, s, keys[0].String()); slot.BlockReason != "extended" || slot.Version != 2 {
		t.Fatalf("re-blocked slot = %q/v%d", slot.BlockReason, slot.Version)
	}

	unblocked, err := c.UnblockSlots(context.Background(), keys, UnblockData{Reason: "done", UnblockedBy: "admin@clinic"})
	if err != nil {
		t.Fatalf("UnblockSlots error: %v", err)
	}
	for _, slot := range unblocked {
		if slot.Status != domain.SlotStatusAvailable || slot.BlockReason != "" || slot.BlockedBy != "" || !slot.BlockedAt.IsZero() {
			t.Fatalf("unblocked slot kept block metadata: %+v", slot)
		}
		if slot.UnblockedBy != "admin@clinic" || slot.UnblockReason != "done" {
			t.Fatalf("unblock audit = %q/%q", slot.UnblockedBy, slot.UnblockReason)
		}
	}
	if slot := getSlotT(t, s, keys[1].String()); slot.Version != 2 {
		t.Fatalf("version = %d, want 2", slot.Version)
	}
}

func TestUnblockSlots_RequiresBlocked(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900", "2024-01-15_0930")
	c := newTestCoordinator(s)
	k1, k2 := mustKey(t, "2024-01-15_0900"), mustKey(t, "2024-01-15_0930")
	if _, err := c.BlockSlots(context.Background(), []domain.SlotKey{k1}, BlockData{Reason: "x", BlockedBy: "admin"}); err != nil {
		t.Fatalf("BlockSlots error: %v", err)
	}

	_, err := c.UnblockSlots(context.Background(), []domain.SlotKey{k1, k2}, UnblockData{UnblockedBy: "admin"})
	var batch *domain.BatchPreconditionError
	var notAvail *domain.SlotNotAvailableError
	if !errors.As(err, &batch) || batch.Index != 1 || !errors.As(err, &notAvail) || notAvail.Status != domain.SlotStatusAvailable {
		t.Fatalf("err = %v, want BatchPreconditionError(available) at 1", err)
	}
	if slot := getSlotT(t, s, k1.String()); slot.Status != domain.SlotStatusBlocked || slot.Version != 1 {
		t.Fatalf("k1 = %s/v%d, want blocked/v1", slot.Status, slot.Version)
	}
}

func TestBatch_ValidatesInput(t *testing.T) {
	c := newTestCoordinator(memory.New())
	k := mustKey(t, "2024-01-15_0900")
	data := BlockData{Reason: "x", BlockedBy: "admin"}

	cases := map[string]func() error{
		"empty": func() error {
			_, err := c.BlockSlots(context.Background(), nil, data)
			return err
		},
		"duplicate": func() error {
			_, err := c.BlockSlots(context.Background(), []domain.SlotKey{k, k}, data)
			return err
		},
		"no reason": func() error {
			_, err := c.BlockSlots(context.Background(), []domain.SlotKey{k}, BlockData{BlockedBy: "admin"})
			return err
		},
		"no actor": func() error {
			_, err := c.UnblockSlots(context.Background(), []domain.SlotKey{k}, UnblockData{Reason: "x"})
			return err
		},
		"too many": func() error {
			keys := make([]domain.SlotKey, MaxBatchSize+1)
			for i := range keys {
				keys[i] = domain.NewSlotKey(k.Date.AddDays(i/100), domain.TimeOfDay(i%100))
			}
			_, err := c.BlockSlots(context.Background(), keys, data)
			return err
		},
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			var ve *ValidationError
			if err := call(); !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestVersion_IncrementsOncePerMutation(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900")
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)
	key := mustKey(t, "2024-01-15_0900")

	steps := []func() error{
		func() error {
			_, err := c.BlockSlots(context.Background(), []domain.SlotKey{key}, BlockData{Reason: "x", BlockedBy: "a"})
			return err
		},
		func() error {
			_, err := c.UnblockSlots(context.Background(), []domain.SlotKey{key}, UnblockData{UnblockedBy: "a"})
			return err
		},
		func() error {
			_, err := c.BookSlot(context.Background(), key.Date, key.Time, bookingData("B1"))
			return err
		},
		func() error {
			_, err := c.CancelBooking(context.Background(), key, "B1", "")
			return err
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
		if v := getSlotT(t, s, key.String()).Version; v != int64(i+1) {
			t.Fatalf("after step %d version = %d, want %d", i, v, i+1)
		}
	}
}

func TestRejectBooking(t *testing.T) {
	s := memory.New()
	seedBooking(t, s, "B1")
	c := newTestCoordinator(s)

	b, err := c.RejectBooking(context.Background(), "B1", "no capacity")
	if err != nil {
		t.Fatalf("RejectBooking error: %v", err)
	}
	if b.Status != domain.BookingStatusRejected || b.RejectionReason != "no capacity" || !b.RejectedAt.Equal(testNow) {
		t.Fatalf("booking = %+v", b)
	}

	_, err = c.RejectBooking(context.Background(), "B1", "")
	var processed *domain.BookingAlreadyProcessedError
	if !errors.As(err, &processed) || processed.Status != domain.BookingStatusRejected {
		t.Fatalf("err = %v, want BookingAlreadyProcessedError(rejected)", err)
	}
}

type countingTransactor struct {
	inner store.Transactor
	calls int
	err   error
}

func (ct *countingTransactor) InTransaction(ctx context.Context, fn func(ctx context.Context, tx store.DocumentTx) error) error {
	ct.calls++
	if ct.err != nil {
		return ct.err
	}
	return ct.inner.InTransaction(ctx, fn)
}

func TestRun_ConflictsExhaustRetryBudget(t *testing.T) {
	ct := &countingTransactor{err: fmt.Errorf("commit: %w", store.ErrConflict)}
	c := newTestCoordinator(ct)
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.BookSlot(context.Background(), domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("09:00"), bookingData("B1"))
	var ce *ContentionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ContentionError", err)
	}
	if ce.Attempts != 5 || ct.calls != 5 {
		t.Fatalf("attempts = %d, calls = %d, want 5", ce.Attempts, ct.calls)
	}
	if len(slept) != 4 {
		t.Fatalf("backoff sleeps = %d, want 4", len(slept))
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("contention error does not wrap the conflict")
	}
	if domain.IsPreconditionFailure(err) {
		t.Fatalf("contention reported as precondition failure")
	}
}

func TestRun_DomainErrorsAreNotRetried(t *testing.T) {
	s := memory.New()
	seedSlots(t, s, "2024-01-15_0900")
	seedBooking(t, s, "B1")
	seedBooking(t, s, "B2")
	book(t, newTestCoordinator(s), mustKey(t, "2024-01-15_0900"), "B1")

	ct := &countingTransactor{inner: s}
	c := newTestCoordinator(ct)
	_, err := c.BookSlot(context.Background(), domain.MustParseDate("2024-01-15"), domain.MustParseTimeOfDay("09:00"), bookingData("B2"))
	if !domain.IsPreconditionFailure(err) {
		t.Fatalf("err = %v, want precondition failure", err)
	}
	if ct.calls != 1 {
		t.Fatalf("calls = %d, want 1", ct.calls)
	}
}

func TestRun_StopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ct := &countingTransactor{err: store.ErrConflict}
	c := newTestCoordinator(ct)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, time.Hour)
	}

	_, err := c.RejectBooking(ctx, "B1", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ct.calls != 1 {
		t.Fatalf("calls = %d, want 1", ct.calls)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}.withDefaults()
	for attempt := 1; attempt <= 10; attempt++ {
		limit := cfg.BaseBackoff << (attempt - 1)
		if limit > cfg.MaxBackoff || limit <= 0 {
			limit = cfg.MaxBackoff
		}
		for i := 0; i < 50; i++ {
			d := cfg.backoff(attempt)
			if d <= 0 || d > limit {
				t.Fatalf("backoff(%d) = %v, want in (0, %v]", attempt, d, limit)
			}
		}
	}

	def := RetryConfig{}.withDefaults()
	if def.MaxAttempts != 5 {
		t.Fatalf("default attempts = %d, want 5", def.MaxAttempts)
	}
}
