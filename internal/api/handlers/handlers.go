package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/policy-outreach/internal/app"
	callsvc "github.com/acme/policy-outreach/internal/service/call"
	outcomesvc "github.com/acme/policy-outreach/internal/service/outcome"
	schedulesvc "github.com/acme/policy-outreach/internal/service/schedule"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	schedule  *schedulesvc.Service
	calls     *callsvc.Service
	outcomes  *outcomesvc.Service
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return &HandlerSet{
		container: container,
		schedule:  services.Schedule,
		calls:     services.Call,
		outcomes:  services.Outcome,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	scheduler := v1.Group("/scheduler")
	scheduler.Get("/config", h.getSchedulerConfig)
	scheduler.Put("/config", h.updateSchedulerConfig)
	scheduler.Get("/stats", h.schedulerStats)
	scheduler.Get("/pending", h.pendingScheduledCalls)
	scheduler.Get("/eligible", h.eligibleCandidates)
	scheduler.Post("/run", h.runScheduler)
	scheduler.Post("/cleanup", h.runCleanup)
	scheduler.Delete("/cleanup", h.runCleanup)

	scheduled := v1.Group("/scheduled-calls")
	scheduled.Post("/", h.createScheduledCall)
	scheduled.Get("/", h.listScheduledCalls)
	scheduled.Get("/:id", h.getScheduledCall)
	scheduled.Post("/:id/cancel", h.cancelScheduledCall)
	scheduled.Get("/:id/attempts", h.listDialAttempts)

	calls := v1.Group("/calls")
	calls.Get("/", h.listCalls)
	calls.Get("/active", h.listActiveCalls)
	calls.Get("/sessions", h.listSessions)
	calls.Get("/:id", h.getCall)
	calls.Post("/:id/outcome", h.recordOutcome)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
		errs["postgres"] = err.Error()
	}

	if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
		errs["redis"] = err.Error()
	}

	if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
		errs["scylla"] = err.Error()
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
