// Package rest exposes slot booking over JSON/HTTP.
package rest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"slotbook/internal/domain"
	"slotbook/internal/notify"
	"slotbook/internal/service/coordinator"
	"slotbook/internal/service/slots"
)

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
	CreateSlot(ctx context.Context, in slots.CreateSlotInput) (domain.Slot, error)
	DeleteSlot(ctx context.Context, key string) error
	GenerateRange(ctx context.Context, from, to domain.Date) ([]domain.Slot, error)
	GenerateAhead(ctx context.Context) ([]domain.Slot, error)
	CreateBooking(ctx context.Context, in slots.CreateBookingInput) (domain.Booking, error)
	GetBooking(ctx context.Context, id string) (domain.Booking, error)
}

type eventDispatcher interface {
	DispatchAsync(ctx context.Context, ev notify.Event)
}

type Config struct {
	AllowedOrigins     []string
	AdminToken         string
	RateLimitPerMinute int
	RateLimitBurst     int
}

type Handler struct {
	coord  bookingCoordinator
	slots  slotService
	events eventDispatcher
	log    *slog.Logger
}

// NewRouter wires every route onto a fresh gin engine. events may be nil.
func NewRouter(cfg Config, coord bookingCoordinator, svc slotService, events eventDispatcher, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))
	h := &Handler{coord: coord, slots: svc, events: events, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: len(cfg.AllowedOrigins) > 0,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	if cfg.RateLimitPerMinute > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitPerMinute
		}
		v1.Use(rateLimit(newIPLimiter(cfg.RateLimitPerMinute, burst), log))
	}
	{
		v1.GET("/slots", h.ListSlots)
		v1.GET("/slots/:key", h.GetSlot)
		v1.POST("/slots/:key/book", h.BookSlot)
		v1.POST("/slots/:key/cancel", h.CancelBooking)

		v1.POST("/bookings", h.CreateBooking)
		v1.GET("/bookings/:id", h.GetBooking)
		v1.POST("/bookings/:id/reschedule", h.RescheduleBooking)

		admin := v1.Group("/admin")
		admin.Use(adminAuth(cfg.AdminToken))
		admin.POST("/slots", h.CreateSlot)
		admin.DELETE("/slots/:key", h.DeleteSlot)
		admin.POST("/slots/block", h.BlockSlots)
		admin.POST("/slots/unblock", h.UnblockSlots)
		admin.POST("/slots/generate", h.GenerateSlots)
		admin.POST("/bookings/:id/reject", h.RejectBooking)
	}

	return r
}
