package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
)

type schedulerConfigResponse struct {
	Enabled                bool      `json:"enabled"`
	DailyCallTime          string    `json:"daily_call_time"`
	DaysBeforeExpiry       int       `json:"days_before_expiry"`
	MaxCallsPerDay         int       `json:"max_calls_per_day"`
	MaxConcurrentCalls     int       `json:"max_concurrent_calls"`
	RetryFailedAfterHours  int       `json:"retry_failed_after_hours"`
	MaxRetriesPerCustomer  int       `json:"max_retries_per_customer"`
	SkipIfCalledWithinDays int       `json:"skip_if_called_within_days"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type schedulerConfigRequest struct {
	Enabled                *bool   `json:"enabled"`
	DailyCallTime          *string `json:"daily_call_time"`
	DaysBeforeExpiry       *int    `json:"days_before_expiry"`
	MaxCallsPerDay         *int    `json:"max_calls_per_day"`
	MaxConcurrentCalls     *int    `json:"max_concurrent_calls"`
	RetryFailedAfterHours  *int    `json:"retry_failed_after_hours"`
	MaxRetriesPerCustomer  *int    `json:"max_retries_per_customer"`
	SkipIfCalledWithinDays *int    `json:"skip_if_called_within_days"`
}

func (h *HandlerSet) getSchedulerConfig(ctx *fiber.Ctx) error {
	cfg, err := h.schedule.Config(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toConfigResponse(cfg))
}

func (h *HandlerSet) updateSchedulerConfig(ctx *fiber.Ctx) error {
	var req schedulerConfigRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	cfg, err := h.schedule.UpdateConfig(ctx.Context(), domain.SchedulerConfigPatch{
		Enabled:                req.Enabled,
		DailyCallTime:          req.DailyCallTime,
		DaysBeforeExpiry:       req.DaysBeforeExpiry,
		MaxCallsPerDay:         req.MaxCallsPerDay,
		MaxConcurrentCalls:     req.MaxConcurrentCalls,
		RetryFailedAfterHours:  req.RetryFailedAfterHours,
		MaxRetriesPerCustomer:  req.MaxRetriesPerCustomer,
		SkipIfCalledWithinDays: req.SkipIfCalledWithinDays,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toConfigResponse(cfg))
}

func (h *HandlerSet) schedulerStats(ctx *fiber.Ctx) error {
	stats, err := h.schedule.Stats(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	resp := fiber.Map{
		"pending":         stats.Pending,
		"queued":          stats.Queued,
		"calling":         stats.Calling,
		"completed_today": stats.CompletedToday,
		"failed_today":    stats.FailedToday,
		"total_today":     stats.TotalToday,
	}
	if stats.NextRunAt != nil {
		resp["next_run_at"] = stats.NextRunAt
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

type eligibleCandidateResponse struct {
	CustomerID     uuid.UUID  `json:"customer_id"`
	Name           string     `json:"name"`
	Phone          string     `json:"phone"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	TemplateName   string     `json:"template_name"`
	EndDate        time.Time  `json:"end_date"`
	DaysToExpiry   int        `json:"days_to_expiry"`
	CallCount      int        `json:"call_count"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
}

// eligibleCandidates previews today's selection without scheduling
// anything.
func (h *HandlerSet) eligibleCandidates(ctx *fiber.Ctx) error {
	candidates, err := h.schedule.Eligible(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	resp := make([]eligibleCandidateResponse, 0, len(candidates))
	for _, cand := range candidates {
		resp = append(resp, eligibleCandidateResponse{
			CustomerID:     cand.Customer.ID,
			Name:           cand.Customer.Name,
			Phone:          cand.Customer.Phone,
			SubscriptionID: cand.Subscription.ID,
			TemplateName:   cand.TemplateName,
			EndDate:        cand.Subscription.EndDate,
			DaysToExpiry:   cand.DaysToExpiry,
			CallCount:      cand.CallCount,
			LastCallAt:     cand.LastCallAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) pendingScheduledCalls(ctx *fiber.Ctx) error {
	limit := ctx.QueryInt("limit", 100)
	pending, err := h.schedule.Pending(ctx.Context(), limit)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toScheduledCallResponses(pending))
}

// runScheduler fires a batch run immediately, bypassing the daily time
// gate. Per-customer dedupe still applies.
func (h *HandlerSet) runScheduler(ctx *fiber.Ctx) error {
	result, err := h.schedule.RunBatch(ctx.Context(), true)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(result)
}

type cleanupRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

func (h *HandlerSet) runCleanup(ctx *fiber.Ctx) error {
	req := cleanupRequest{OlderThanDays: ctx.QueryInt("days", 0)}
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	deleted, err := h.schedule.Cleanup(ctx.Context(), req.OlderThanDays)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"deleted": deleted})
}

func toConfigResponse(cfg *domain.SchedulerConfig) schedulerConfigResponse {
	return schedulerConfigResponse{
		Enabled:                cfg.Enabled,
		DailyCallTime:          cfg.DailyCallTime,
		DaysBeforeExpiry:       cfg.DaysBeforeExpiry,
		MaxCallsPerDay:         cfg.MaxCallsPerDay,
		MaxConcurrentCalls:     cfg.MaxConcurrentCalls,
		RetryFailedAfterHours:  cfg.RetryFailedAfterHours,
		MaxRetriesPerCustomer:  cfg.MaxRetriesPerCustomer,
		SkipIfCalledWithinDays: cfg.SkipIfCalledWithinDays,
		UpdatedAt:              cfg.UpdatedAt,
	}
}
