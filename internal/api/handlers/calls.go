package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/policy-outreach/internal/domain"
	"github.com/acme/policy-outreach/internal/repository"
	outcomesvc "github.com/acme/policy-outreach/internal/service/outcome"
)

type callResponse struct {
	ID              uuid.UUID  `json:"id"`
	CustomerID      uuid.UUID  `json:"customer_id"`
	SubscriptionID  *uuid.UUID `json:"subscription_id,omitempty"`
	Phone           string     `json:"phone"`
	RoomName        string     `json:"room_name"`
	Status          string     `json:"status"`
	Outcome         *string    `json:"outcome,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	ProductID       *uuid.UUID `json:"product_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
}

func (h *HandlerSet) listCalls(ctx *fiber.Ctx) error {
	filter := repository.CallFilter{
		Status: domain.CallStatus(ctx.Query("status")),
		Limit:  ctx.QueryInt("limit", 50),
	}
	if raw := ctx.Query("customer_id"); raw != "" {
		customerID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid customer id")
		}
		filter.CustomerID = &customerID
	}
	if raw := ctx.Query("after_id"); raw != "" {
		afterID, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		filter.AfterID = &afterID
	}

	calls, err := h.calls.List(ctx.Context(), filter)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponses(calls))
}

func (h *HandlerSet) listActiveCalls(ctx *fiber.Ctx) error {
	calls, err := h.calls.Active(ctx.Context())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponses(calls))
}

type sessionResponse struct {
	Token            string `json:"token"`
	ParticipantCount int    `json:"participant_count"`
}

// listSessions reports the provider-side view of live rooms.
func (h *HandlerSet) listSessions(ctx *fiber.Ctx) error {
	sessions, err := h.calls.Sessions(ctx.Context())
	if err != nil {
		return translateError(err)
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse{Token: s.Token, ParticipantCount: s.ParticipantCount})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCall(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	record, err := h.calls.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

type recordOutcomeRequest struct {
	Outcome                 string     `json:"outcome"`
	Notes                   string     `json:"notes"`
	Summary                 string     `json:"summary"`
	Transcript              string     `json:"transcript"`
	InterestedProductID     *uuid.UUID `json:"interested_product_id"`
	SubscriptionID          *uuid.UUID `json:"subscription_id"`
	RenewalAgreed           bool       `json:"renewal_agreed"`
	UpgradeAgreed           bool       `json:"upgrade_agreed"`
	UpgradeTargetTemplateID *uuid.UUID `json:"upgrade_target_template_id"`
}

func (h *HandlerSet) recordOutcome(ctx *fiber.Ctx) error {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid call id")
	}

	var req recordOutcomeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	record, err := h.outcomes.Record(ctx.Context(), outcomesvc.Input{
		CallID:                  id,
		Outcome:                 domain.CallOutcome(req.Outcome),
		Notes:                   req.Notes,
		Summary:                 req.Summary,
		Transcript:              req.Transcript,
		InterestedProductID:     req.InterestedProductID,
		SubscriptionID:          req.SubscriptionID,
		RenewalAgreed:           req.RenewalAgreed,
		UpgradeAgreed:           req.UpgradeAgreed,
		UpgradeTargetTemplateID: req.UpgradeTargetTemplateID,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCallResponse(record))
}

func toCallResponse(call *domain.Call) callResponse {
	resp := callResponse{
		ID:              call.ID,
		CustomerID:      call.CustomerID,
		SubscriptionID:  call.SubscriptionID,
		Phone:           call.Phone,
		RoomName:        call.RoomName,
		Status:          string(call.Status),
		FailureReason:   call.FailureReason,
		Notes:           call.Notes,
		Summary:         call.Summary,
		Transcript:      call.Transcript,
		ProductID:       call.ProductID,
		StartedAt:       call.StartedAt,
		EndedAt:         call.EndedAt,
		DurationSeconds: call.DurationSeconds,
	}
	if call.Outcome != nil {
		outcome := string(*call.Outcome)
		resp.Outcome = &outcome
	}
	return resp
}

func toCallResponses(calls []*domain.Call) []callResponse {
	responses := make([]callResponse, 0, len(calls))
	for _, call := range calls {
		responses = append(responses, toCallResponse(call))
	}
	return responses
}
