package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	schedulesvc "github.com/acme/policy-outreach/internal/service/schedule"
)

type scheduledCallResponse struct {
	ID             uuid.UUID  `json:"id"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	Phone          string     `json:"phone"`
	CustomerName   string     `json:"customer_name"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason"`
	Priority       int        `json:"priority"`
	Notes          string     `json:"notes,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastError      *string    `json:"last_error,omitempty"`
	CallID         *uuid.UUID `json:"call_id,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type createScheduledCallRequest struct {
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Phone          string `json:"phone"`
	ScheduledFor   string `json:"scheduled_for"`
	Reason         string `json:"reason"`
	Priority       int    `json:"priority"`
	Notes          string `json:"notes"`
}

func (h *HandlerSet) createScheduledCall(ctx *fiber.Ctx) error {
	var req createScheduledCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid customer id")
	}

	input := schedulesvc.ManualInput{
		CustomerID: customerID,
		Phone:      req.Phone,
		Reason:     domain.ScheduleReason(req.Reason),
		Priority:   req.Priority,
		Notes:      req.Notes,
	}
	if req.SubscriptionID != "" {
		subscriptionID, err := uuid.Parse(req.SubscriptionID)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid subscription id")
		}
		input.SubscriptionID = &subscriptionID
	}
	if req.ScheduledFor != "" {
		at, err := time.Parse("2006-01-02", req.ScheduledFor)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid scheduled_for, expected YYYY-MM-DD")
		}
		input.ScheduledFor = &at
	}

	sc, err := h.schedule.CreateManual(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toScheduledCallResponse(sc))
}

func (h *HandlerSet) listScheduledCalls(ctx *fiber.Ctx) error {
	filter := repository.ScheduledCallFilter{
		Status: domain.ScheduledCallStatus(ctx.Query("status")),
		Limit:  ctx.QueryInt("limit", 100),
	}
	if day := ctx.Query("day"); day != "" {
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid day, expected YYYY-MM-DD")
		}
		filter.Day = &parsed
	}
	if raw := ctx.Query("customer_id"); raw != "" {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid customer id")
		}
		filter.CustomerID = &customerID
	}

	scheduled, err := h.schedule.List(ctx.Context(), filter)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toScheduledCallResponses(scheduled))
}

func (h *HandlerSet) getScheduledCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid scheduled call id")
	}

	sc, err := h.schedule.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toScheduledCallResponse(sc))
}

func (h *HandlerSet) cancelScheduledCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid scheduled call id")
	}

	if err := h.schedule.Cancel(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

type dialAttemptResponse struct {
	AttemptedAt    time.Time  `json:"attempted_at"`
	CallID         *uuid.UUID `json:"call_id,omitempty"`
	Phone          string     `json:"phone"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	ProviderStatus string     `json:"provider_status,omitempty"`
}

func (h *HandlerSet) listDialAttempts(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid scheduled call id")
	}

	page, err := h.calls.ListAttempts(ctx.Context(), id,
		ctx.QueryInt("limit", 100), ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	attempts := make([]dialAttemptResponse, 0, len(page.Attempts))
	for _, a := range page.Attempts {
		attempts = append(attempts, dialAttemptResponse{
			AttemptedAt:    a.AttemptedAt,
			CallID:         a.CallID,
			Phone:          a.Phone,
			Success:        a.Success,
			Error:          a.Error,
			ProviderStatus: a.ProviderStatus,
		})
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"attempts":        attempts,
		"next_page_token": page.NextToken,
	})
}

func toScheduledCallResponse(sc *domain.ScheduledCall) scheduledCallResponse {
	return scheduledCallResponse{
		ID:             sc.ID,
		CustomerID:     sc.CustomerID,
		SubscriptionID: sc.SubscriptionID,
		Phone:          sc.Phone,
		CustomerName:   sc.CustomerName,
		ScheduledFor:   sc.ScheduledFor,
		Status:         string(sc.Status),
		Reason:         string(sc.Reason),
		Priority:       sc.Priority,
		Notes:          sc.Notes,
		RetryCount:     sc.RetryCount,
		LastError:      sc.LastError,
		CallID:         sc.CallID,
		ExecutedAt:     sc.ExecutedAt,
		CreatedAt:      sc.CreatedAt,
		UpdatedAt:      sc.UpdatedAt,
	}
}

func toScheduledCallResponses(scheduled []*domain.ScheduledCall) []scheduledCallResponse {
	responses := make([]scheduledCallResponse, 0, len(scheduled))
	for _, sc := range scheduled {
		responses = append(responses, toScheduledCallResponse(sc))
	}
	return responses
}
