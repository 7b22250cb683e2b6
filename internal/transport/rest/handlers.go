package rest

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"slotbook/internal/domain"
	"slotbook/internal/notify"
	"slotbook/internal/service/coordinator"
	"slotbook/internal/service/slots"
	"slotbook/internal/transport/apierr"
)

// statusClientClosedRequest is the de facto code for a client that went away.
const statusClientClosedRequest = 499

type errorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func errorBody(code, msg string, details map[string]string) gin.H {
	return gin.H{"error": errorPayload{Code: code, Message: msg, Details: details}}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("INVALID_ARGUMENT", msg, nil))
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	p := apierr.Classify(err)
	code := httpStatus(p.Kind)

	switch p.Kind {
	case apierr.KindInternal:
		h.log.Error(op+" failed", slog.Any("err", err))
	case apierr.KindContention:
		h.log.Warn(op+" contention", slog.Any("err", err))
		c.Header("Retry-After", "1")
	default:
		h.log.Info(op+" rejected", slog.String("reason", p.Reason), slog.Any("err", err))
	}
	c.AbortWithStatusJSON(code, errorBody(p.Reason, p.Message, p.Metadata))
}

func httpStatus(k apierr.Kind) int {
	switch k {
	case apierr.KindInvalid:
		return http.StatusBadRequest
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindAlreadyExists, apierr.KindPrecondition:
		return http.StatusConflict
	case apierr.KindContention:
		return http.StatusServiceUnavailable
	case apierr.KindCanceled:
		return statusClientClosedRequest
	case apierr.KindDeadline:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) publish(c *gin.Context, ev notify.Event) {
	if h.events != nil {
		h.events.DispatchAsync(c.Request.Context(), ev)
	}
}

// GET /v1/slots?from=YYYY-MM-DD&to=YYYY-MM-DD&status=available,blocked
func (h *Handler) ListSlots(c *gin.Context) {
	from, err := domain.ParseDate(c.Query("from"))
	if err != nil {
		badRequest(c, "from must be YYYY-MM-DD")
		return
	}
	var to domain.Date
	if raw := c.Query("to"); raw != "" {
		if to, err = domain.ParseDate(raw); err != nil {
			badRequest(c, "to must be YYYY-MM-DD")
			return
		}
	}
	var statuses []domain.SlotStatus
	for _, raw := range c.QueryArray("status") {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, domain.SlotStatus(strings.ToLower(st)))
			}
		}
	}

	out, err := h.slots.ListSlots(c.Request.Context(), slots.ListInput{From: from, To: to, Statuses: statuses})
	if err != nil {
		h.fail(c, "list slots", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": out})
}

// GET /v1/slots/:key
func (h *Handler) GetSlot(c *gin.Context) {
	slot, err := h.slots.GetSlot(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.fail(c, "get slot", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": slot})
}

// POST /v1/slots/:key/book
func (h *Handler) BookSlot(c *gin.Context) {
	key, err := domain.ParseSlotKey(c.Param("key"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var in struct {
		BookingID    string `json:"bookingId" binding:"required"`
		PatientName  string `json:"patientName" binding:"required"`
		PatientEmail string `json:"patientEmail" binding:"required"`
		PatientPhone string `json:"patientPhone"`
		ServiceType  string `json:"serviceType" binding:"required"`
		Notes        string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.coord.BookSlot(c.Request.Context(), key.Date, key.Time, coordinator.BookingData{
		BookingID:    in.BookingID,
		PatientName:  in.PatientName,
		PatientEmail: in.PatientEmail,
		PatientPhone: in.PatientPhone,
		ServiceType:  in.ServiceType,
		Notes:        in.Notes,
	})
	if err != nil {
		h.fail(c, "book slot", err)
		return
	}
	h.log.Info("slot booked", slog.String("slot_key", res.Slot.Key), slog.String("booking_id", res.Booking.ID))
	h.publish(c, notify.BookingConfirmed(res.Slot, res.Booking))
	c.JSON(http.StatusOK, gin.H{"slot": res.Slot, "booking": res.Booking})
}

// POST /v1/slots/:key/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	key, err := domain.ParseSlotKey(c.Param("key"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	var in struct {
		BookingID string `json:"bookingId" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	res, err := h.coord.CancelBooking(c.Request.Context(), key, in.BookingID, in.Reason)
	if err != nil {
		h.fail(c, "cancel booking", err)
		return
	}
	h.log.Info("booking cancelled", slog.String("slot_key", res.Slot.Key), slog.String("booking_id", res.Booking.ID))
	h.publish(c, notify.BookingCancelled(res.Slot, res.Booking))
	c.JSON(http.StatusOK, gin.H{"slot": res.Slot, "booking": res.Booking})
}

// POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var in struct {
		PatientName   string `json:"patientName"`
		PatientEmail  string `json:"patientEmail"`
		PatientPhone  string `json:"patientPhone"`
		ServiceType   string `json:"serviceType"`
		Notes         string `json:"notes"`
		PreferredDate string `json:"preferredDate"`
		PreferredTime string `json:"preferredTime"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	b, err := h.slots.CreateBooking(c.Request.Context(), slots.CreateBookingInput{
		PatientName:    in.PatientName,
		PatientEmail:   in.PatientEmail,
		PatientPhone:   in.PatientPhone,
		ServiceType:    in.ServiceType,
		Notes:          in.Notes,
		PreferredDate:  in.PreferredDate,
		PreferredTime:  in.PreferredTime,
		IdempotencyKey: key,
	})
	if err != nil {
		h.fail(c, "create booking", err)
		return
	}
	h.log.Info("booking created", slog.String("booking_id", b.ID))
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.slots.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get booking", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// POST /v1/bookings/:id/reschedule
func (h *Handler) RescheduleBooking(c *gin.Context) {
	var in struct {
		OldSlotKey string `json:"oldSlotKey" binding:"required"`
		NewSlotKey string `json:"newSlotKey" binding:"required"`
		Reason     string `json:"reason"`
		Notes      string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	oldKey, err := domain.ParseSlotKey(in.OldSlotKey)
	if err != nil {
		badRequest(c, "oldSlotKey: "+err.Error())
		return
	}
	newKey, err := domain.ParseSlotKey(in.NewSlotKey)
	if err != nil {
		badRequest(c, "newSlotKey: "+err.Error())
		return
	}

	res, err := h.coord.Reschedule(c.Request.Context(), oldKey, newKey, c.Param("id"), coordinator.RescheduleData{
		Reason: in.Reason,
		Notes:  in.Notes,
	})
	if err != nil {
		h.fail(c, "reschedule booking", err)
		return
	}
	h.log.Info("booking rescheduled",
		slog.String("booking_id", res.Booking.ID),
		slog.String("from", res.OldSlot.Key),
		slog.String("to", res.NewSlot.Key),
	)
	h.publish(c, notify.BookingRescheduled(res.OldSlot, res.NewSlot, res.Booking))
	c.JSON(http.StatusOK, gin.H{"oldSlot": res.OldSlot, "newSlot": res.NewSlot, "booking": res.Booking})
}

// POST /v1/admin/slots
func (h *Handler) CreateSlot(c *gin.Context) {
	var in struct {
		Date            string `json:"date" binding:"required"`
		Time            string `json:"time" binding:"required"`
		DurationMinutes int    `json:"durationMinutes"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := domain.ParseDate(in.Date)
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD")
		return
	}
	at, err := domain.ParseTimeOfDay(in.Time)
	if err != nil {
		badRequest(c, "time must be HH:MM")
		return
	}

	slot, err := h.slots.CreateSlot(c.Request.Context(), slots.CreateSlotInput{
		Date:            date,
		Time:            at,
		DurationMinutes: in.DurationMinutes,
	})
	if err != nil {
		h.fail(c, "create slot", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"slot": slot})
}

// DELETE /v1/admin/slots/:key
func (h *Handler) DeleteSlot(c *gin.Context) {
	if err := h.slots.DeleteSlot(c.Request.Context(), c.Param("key")); err != nil {
		h.fail(c, "delete slot", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type batchRequest struct {
	SlotKeys []string `json:"slotKeys" binding:"required"`
	Reason   string   `json:"reason"`
	Actor    string   `json:"actor" binding:"required"`
}

func (r batchRequest) keys() ([]domain.SlotKey, error) {
	out := make([]domain.SlotKey, 0, len(r.SlotKeys))
	for _, raw := range r.SlotKeys {
		k, err := domain.ParseSlotKey(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// POST /v1/admin/slots/block
func (h *Handler) BlockSlots(c *gin.Context) {
	var in batchRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	keys, err := in.keys()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.coord.BlockSlots(c.Request.Context(), keys, coordinator.BlockData{Reason: in.Reason, BlockedBy: in.Actor})
	if err != nil {
		h.fail(c, "block slots", err)
		return
	}
	h.log.Info("slots blocked", slog.Int("count", len(out)), slog.String("blocked_by", in.Actor))
	h.publish(c, notify.SlotsBlocked(out))
	c.JSON(http.StatusOK, gin.H{"slots": out})
}

// POST /v1/admin/slots/unblock
func (h *Handler) UnblockSlots(c *gin.Context) {
	var in batchRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	keys, err := in.keys()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	out, err := h.coord.UnblockSlots(c.Request.Context(), keys, coordinator.UnblockData{Reason: in.Reason, UnblockedBy: in.Actor})
	if err != nil {
		h.fail(c, "unblock slots", err)
		return
	}
	h.log.Info("slots unblocked", slog.Int("count", len(out)), slog.String("unblocked_by", in.Actor))
	h.publish(c, notify.SlotsUnblocked(out))
	c.JSON(http.StatusOK, gin.H{"slots": out})
}

// POST /v1/admin/slots/generate
//
// With no body the whole advance booking window is filled.
func (h *Handler) GenerateSlots(c *gin.Context) {
	var in struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	var (
		created []domain.Slot
		err     error
	)
	if in.From == "" {
		created, err = h.slots.GenerateAhead(c.Request.Context())
	} else {
		from, perr := domain.ParseDate(in.From)
		if perr != nil {
			badRequest(c, "from must be YYYY-MM-DD")
			return
		}
		to := from
		if in.To != "" {
			if to, perr = domain.ParseDate(in.To); perr != nil {
				badRequest(c, "to must be YYYY-MM-DD")
				return
			}
		}
		created, err = h.slots.GenerateRange(c.Request.Context(), from, to)
	}
	if err != nil {
		h.fail(c, "generate slots", err)
		return
	}
	h.log.Info("slots generated", slog.Int("created", len(created)))
	c.JSON(http.StatusOK, gin.H{"created": len(created), "slots": created})
}

// POST /v1/admin/bookings/:id/reject
func (h *Handler) RejectBooking(c *gin.Context) {
	var in struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	b, err := h.coord.RejectBooking(c.Request.Context(), c.Param("id"), in.Reason)
	if err != nil {
		h.fail(c, "reject booking", err)
		return
	}
	h.log.Info("booking rejected", slog.String("booking_id", b.ID))
	h.publish(c, notify.BookingRejected(b))
	c.JSON(http.StatusOK, gin.H{"booking": b})
}
