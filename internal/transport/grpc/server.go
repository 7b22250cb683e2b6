package grpc

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"slotbook/internal/domain"
	"slotbook/internal/notify"
	"slotbook/internal/service/coordinator"
	"slotbook/internal/service/slots"
	"slotbook/internal/transport/apierr"
)

type Server struct {
	coord  bookingCoordinator
	slots  slotService
	events eventDispatcher
	log    *slog.Logger
}

type bookingCoordinator interface {
	BookSlot(ctx context.Context, date domain.Date, at domain.TimeOfDay, data coordinator.BookingData) (coordinator.SlotBooking, error)
	CancelBooking(ctx context.Context, key domain.SlotKey, bookingID, reason string) (coordinator.SlotBooking, error)
	Reschedule(ctx context.Context, oldKey, newKey domain.SlotKey, bookingID string, data coordinator.RescheduleData) (coordinator.RescheduleResult, error)
	BlockSlots(ctx context.Context, keys []domain.SlotKey, data coordinator.BlockData) ([]domain.Slot, error)
	UnblockSlots(ctx context.Context, keys []domain.SlotKey, data coordinator.UnblockData) ([]domain.Slot, error)
	RejectBooking(ctx context.Context, bookingID, reason string) (domain.Booking, error)
}

type slotService interface {
	GetSlot(ctx context.Context, key string) (domain.Slot, error)
	ListSlots(ctx context.Context, in slots.ListInput) ([]domain.Slot, error)
	CreateBooking(ctx context.Context, in slots.CreateBookingInput) (domain.Booking, error)
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
}

type eventDispatcher interface {
	DispatchAsync(ctx context.Context, ev notify.Event)
}

// NewServer builds the gRPC handler. events may be nil, in which case
// committed transitions are not published.
func NewServer(coord bookingCoordinator, svc slotService, events eventDispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		coord:  coord,
		slots:  svc,
		events: events,
		log:    log.With(slog.String("component", "grpc.slotbooking")),
	}
}

func (s *Server) BookSlot(ctx context.Context, req *BookSlotRequest) (*SlotBookingResponse, error) {
	log := s.log.With(slog.String("rpc", "BookSlot"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	date, err := domain.ParseDate(req.Date)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("date", req.Date))
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}
	at, err := domain.ParseTimeOfDay(req.Time)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_time"), slog.String("time", req.Time))
		return nil, status.Error(codes.InvalidArgument, "time must be HH:MM")
	}

	res, err := s.coord.BookSlot(ctx, date, at, coordinator.BookingData{
		BookingID:    req.Booking.BookingID,
		PatientName:  req.Booking.PatientName,
		PatientEmail: req.Booking.PatientEmail,
		PatientPhone: req.Booking.PatientPhone,
		ServiceType:  req.Booking.ServiceType,
		Notes:        req.Booking.Notes,
	})
	if err != nil {
		return nil, s.fail(log, "book slot", err, slog.String("booking_id", req.Booking.BookingID))
	}

	log.Info(
		"slot booked",
		slog.String("slot_key", res.Slot.Key),
		slog.String("booking_id", res.Booking.ID),
		slog.Int64("version", res.Slot.Version),
	)
	s.publish(ctx, notify.BookingConfirmed(res.Slot, res.Booking))

	return &SlotBookingResponse{Slot: res.Slot, Booking: res.Booking}, nil
}

func (s *Server) CancelBooking(ctx context.Context, req *CancelBookingRequest) (*SlotBookingResponse, error) {
	log := s.log.With(slog.String("rpc", "CancelBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	key, err := domain.ParseSlotKey(req.SlotKey)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_slot_key"), slog.String("slot_key", req.SlotKey))
		return nil, status.Error(codes.InvalidArgument, "slot_key is invalid")
	}

	res, err := s.coord.CancelBooking(ctx, key, req.BookingID, req.Reason)
	if err != nil {
		return nil, s.fail(log, "cancel booking", err, slog.String("booking_id", req.BookingID))
	}

	log.Info("booking cancelled", slog.String("slot_key", res.Slot.Key), slog.String("booking_id", res.Booking.ID))
	s.publish(ctx, notify.BookingCancelled(res.Slot, res.Booking))

	return &SlotBookingResponse{Slot: res.Slot, Booking: res.Booking}, nil
}

func (s *Server) RescheduleBooking(ctx context.Context, req *RescheduleBookingRequest) (*RescheduleBookingResponse, error) {
	log := s.log.With(slog.String("rpc", "RescheduleBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	oldKey, err := domain.ParseSlotKey(req.OldSlotKey)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_old_slot_key"), slog.String("slot_key", req.OldSlotKey))
		return nil, status.Error(codes.InvalidArgument, "old_slot_key is invalid")
	}
	newKey, err := domain.ParseSlotKey(req.NewSlotKey)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_new_slot_key"), slog.String("slot_key", req.NewSlotKey))
		return nil, status.Error(codes.InvalidArgument, "new_slot_key is invalid")
	}

	res, err := s.coord.Reschedule(ctx, oldKey, newKey, req.BookingID, coordinator.RescheduleData{
		Reason: req.Reason,
		Notes:  req.Notes,
	})
	if err != nil {
		return nil, s.fail(log, "reschedule booking", err, slog.String("booking_id", req.BookingID))
	}

	log.Info(
		"booking rescheduled",
		slog.String("booking_id", res.Booking.ID),
		slog.String("from", res.OldSlot.Key),
		slog.String("to", res.NewSlot.Key),
	)
	s.publish(ctx, notify.BookingRescheduled(res.OldSlot, res.NewSlot, res.Booking))

	return &RescheduleBookingResponse{OldSlot: res.OldSlot, NewSlot: res.NewSlot, Booking: res.Booking}, nil
}

func (s *Server) BlockSlots(ctx context.Context, req *BlockSlotsRequest) (*SlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "BlockSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	keys, err := parseSlotKeys(req.SlotKeys)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_slot_key"), slog.Any("err", err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out, err := s.coord.BlockSlots(ctx, keys, coordinator.BlockData{Reason: req.Reason, BlockedBy: req.BlockedBy})
	if err != nil {
		return nil, s.fail(log, "block slots", err, slog.Int("count", len(keys)))
	}

	log.Info("slots blocked", slog.Int("count", len(out)), slog.String("blocked_by", req.BlockedBy))
	s.publish(ctx, notify.SlotsBlocked(out))

	return &SlotsResponse{Slots: out}, nil
}

func (s *Server) UnblockSlots(ctx context.Context, req *UnblockSlotsRequest) (*SlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "UnblockSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	keys, err := parseSlotKeys(req.SlotKeys)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_slot_key"), slog.Any("err", err))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out, err := s.coord.UnblockSlots(ctx, keys, coordinator.UnblockData{Reason: req.Reason, UnblockedBy: req.UnblockedBy})
	if err != nil {
		return nil, s.fail(log, "unblock slots", err, slog.Int("count", len(keys)))
	}

	log.Info("slots unblocked", slog.Int("count", len(out)), slog.String("unblocked_by", req.UnblockedBy))
	s.publish(ctx, notify.SlotsUnblocked(out))

	return &SlotsResponse{Slots: out}, nil
}

func (s *Server) RejectBooking(ctx context.Context, req *RejectBookingRequest) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", "RejectBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	b, err := s.coord.RejectBooking(ctx, req.BookingID, req.Reason)
	if err != nil {
		return nil, s.fail(log, "reject booking", err, slog.String("booking_id", req.BookingID))
	}

	log.Info("booking rejected", slog.String("booking_id", b.ID))
	s.publish(ctx, notify.BookingRejected(b))

	return &BookingResponse{Booking: b}, nil
}

func (s *Server) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", "CreateBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	b, err := s.slots.CreateBooking(ctx, slots.CreateBookingInput{
		PatientName:    req.PatientName,
		PatientEmail:   req.PatientEmail,
		PatientPhone:   req.PatientPhone,
		ServiceType:    req.ServiceType,
		Notes:          req.Notes,
		PreferredDate:  req.PreferredDate,
		PreferredTime:  req.PreferredTime,
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.fail(log, "create booking", err)
	}

	log.Info("booking created", slog.String("booking_id", b.ID), slog.String("status", string(b.Status)))
	return &BookingResponse{Booking: b}, nil
}

func (s *Server) GetBooking(ctx context.Context, req *GetBookingRequest) (*BookingResponse, error) {
	log := s.log.With(slog.String("rpc", "GetBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	b, err := s.slots.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, s.fail(log, "get booking", err, slog.String("booking_id", req.BookingID))
	}
	return &BookingResponse{Booking: b}, nil
}

func (s *Server) GetSlot(ctx context.Context, req *GetSlotRequest) (*SlotResponse, error) {
	log := s.log.With(slog.String("rpc", "GetSlot"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	slot, err := s.slots.GetSlot(ctx, req.SlotKey)
	if err != nil {
		return nil, s.fail(log, "get slot", err, slog.String("slot_key", req.SlotKey))
	}
	return &SlotResponse{Slot: slot}, nil
}

func (s *Server) ListSlots(ctx context.Context, req *ListSlotsRequest) (*SlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	from, err := domain.ParseDate(req.From)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_from"), slog.String("from", req.From))
		return nil, status.Error(codes.InvalidArgument, "from must be YYYY-MM-DD")
	}
	var to domain.Date
	if req.To != "" {
		if to, err = domain.ParseDate(req.To); err != nil {
			log.Warn("invalid request", slog.String("reason", "invalid_to"), slog.String("to", req.To))
			return nil, status.Error(codes.InvalidArgument, "to must be YYYY-MM-DD")
		}
	}
	statuses := make([]domain.SlotStatus, 0, len(req.Statuses))
	for _, st := range req.Statuses {
		statuses = append(statuses, domain.SlotStatus(strings.ToLower(strings.TrimSpace(st))))
	}

	out, err := s.slots.ListSlots(ctx, slots.ListInput{From: from, To: to, Statuses: statuses})
	if err != nil {
		return nil, s.fail(log, "list slots", err)
	}

	log.Debug("slots listed", slog.String("from", req.From), slog.String("to", req.To), slog.Int("count", len(out)))
	return &SlotsResponse{Slots: out}, nil
}

// fail logs err at a level matching its class and converts it to a status
// carrying an ErrorInfo detail.
func (s *Server) fail(log *slog.Logger, op string, err error, attrs ...any) error {
	p := apierr.Classify(err)
	attrs = append(attrs, slog.Any("err", err))

	switch p.Kind {
	case apierr.KindInternal:
		log.Error(op+" failed", attrs...)
		return status.Error(codes.Internal, p.Message)
	case apierr.KindInvalid:
		log.Warn("invalid request", attrs...)
	case apierr.KindContention:
		log.Warn(op+" contention", attrs...)
	default:
		log.Info(op+" rejected", append(attrs, slog.String("reason", p.Reason))...)
	}

	st := status.New(codeFor(p.Kind), p.Message)
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   p.Reason,
		Domain:   "slotbook",
		Metadata: p.Metadata,
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func codeFor(k apierr.Kind) codes.Code {
	switch k {
	case apierr.KindInvalid:
		return codes.InvalidArgument
	case apierr.KindNotFound:
		return codes.NotFound
	case apierr.KindAlreadyExists:
		return codes.AlreadyExists
	case apierr.KindPrecondition:
		return codes.FailedPrecondition
	case apierr.KindContention:
		return codes.Aborted
	case apierr.KindCanceled:
		return codes.Canceled
	case apierr.KindDeadline:
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func (s *Server) publish(ctx context.Context, ev notify.Event) {
	if s.events == nil {
		return
	}
	s.events.DispatchAsync(ctx, ev)
}

func parseSlotKeys(raw []string) ([]domain.SlotKey, error) {
	keys := make([]domain.SlotKey, 0, len(raw))
	for _, r := range raw {
		k, err := domain.ParseSlotKey(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
