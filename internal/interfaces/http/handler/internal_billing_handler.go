package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/telemetry"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
)

// ItemEvaluation runs inventory writes through the billable predicate
type ItemEvaluation interface {
	Evaluate(ctx context.Context, tenantID uuid.UUID, item entitlement.BillableItem) appent.Evaluation
	ApplyChange(ctx context.Context, change appent.ItemChange) (*appent.ItemChangeOutcome, error)
}

// Admitter decides +1 admissions
type Admitter interface {
	Admit(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID) (*entitlement.QuotaDecision, error)
}

// InternalBillingHandler serves the hooks called by the inventory service
type InternalBillingHandler struct {
	BaseHandler
	evaluator ItemEvaluation
	admitter  Admitter
}

// NewInternalBillingHandler creates a new internal billing handler
func NewInternalBillingHandler(evaluator ItemEvaluation, admitter Admitter) *InternalBillingHandler {
	return &InternalBillingHandler{
		evaluator: evaluator,
		admitter:  admitter,
	}
}

// Evaluate godoc
//
//	@ID				evaluateBillableItem
//	@Summary		Evaluate whether an item counts toward its tenant's quota
//	@Tags			billing-internal
//	@Accept			json
//	@Produce		json
//	@Param			request	body		EvaluateRequest	true	"Item"
//	@Success		200		{object}	APIResponse[appent.Evaluation]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		401		{object}	ErrorResponse
//	@Router			/internal/billing/evaluate [post]
func (h *InternalBillingHandler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if !h.BindJSON(c, &req) {
		return
	}
	tenantID := uuid.MustParse(req.TenantID)

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "InternalBillingHandler", "Evaluate",
		telemetry.WithAttribute("tenant_id", req.TenantID))
	defer span.End()

	ev := h.evaluator.Evaluate(ctx, tenantID, *req.Item.toDomain(tenantID))
	telemetry.SetAttributes(span, "billing.billable", ev.Billable)
	h.Success(c, ev)
}

// Admit godoc
//
//	@ID				admitBillableItem
//	@Summary		Admit one more billable item
//	@Description	Checks the tenant quota, or the organization pool for pooled tenants, and reserves one slot on success. A rejection answers 429 with the governing decision.
//	@Tags			billing-internal
//	@Accept			json
//	@Produce		json
//	@Param			request	body		AdmitRequest	true	"Admission"
//	@Success		200		{object}	APIResponse[AdmissionResponse]
//	@Failure		429		{object}	QuotaExceededResponse
//	@Failure		503		{object}	QuotaExceededResponse
//	@Router			/internal/billing/admit [post]
func (h *InternalBillingHandler) Admit(c *gin.Context) {
	var req AdmitRequest
	if !h.BindJSON(c, &req) {
		return
	}
	tenantID := uuid.MustParse(req.TenantID)
	orgID := parseUUIDPtr(req.OrganizationID)

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "InternalBillingHandler", "Admit",
		telemetry.WithAttribute("tenant_id", req.TenantID))
	defer span.End()

	decision, err := h.admitter.Admit(ctx, tenantID, orgID)
	if decision != nil {
		telemetry.SetAttributes(span,
			"billing.admitted", decision.Admitted,
			"billing.reason", decision.Reason)
	}
	if err != nil {
		h.reject(c, err, AdmissionResponse{Decision: decision})
		return
	}
	h.Success(c, AdmissionResponse{Decision: decision})
}

// ItemChange godoc
//
//	@ID				applyBillableItemChange
//	@Summary		Apply an inventory write to the tenant's billable count
//	@Description	Transitions into billable go through admission. The caller must abort its write on a non-2xx answer.
//	@Tags			billing-internal
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ItemChangeRequest	true	"Item change"
//	@Success		200		{object}	APIResponse[appent.ItemChangeOutcome]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/internal/billing/item-change [post]
func (h *InternalBillingHandler) ItemChange(c *gin.Context) {
	var req ItemChangeRequest
	if !h.BindJSON(c, &req) {
		return
	}
	tenantID := uuid.MustParse(req.TenantID)

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "InternalBillingHandler", "ItemChange",
		telemetry.WithAttribute("tenant_id", req.TenantID))
	defer span.End()

	outcome, err := h.evaluator.ApplyChange(ctx, appent.ItemChange{
		TenantID:       tenantID,
		OrganizationID: parseUUIDPtr(req.OrganizationID),
		Before:         req.Before.toDomain(tenantID),
		After:          req.After.toDomain(tenantID),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		h.reject(c, err, outcome)
		return
	}
	telemetry.SetAttributes(span, "billing.delta", outcome.Delta, "billing.count", outcome.Count)
	h.Success(c, outcome)
}

// reject answers a rejected or unevaluated write, keeping the decision in the body
func (h *InternalBillingHandler) reject(c *gin.Context, err error, data any) {
	var exceeded *entitlement.QuotaExceededError
	if !errors.As(err, &exceeded) && !errors.Is(err, entitlement.ErrAdmissionUnavailable) {
		h.HandleError(c, err)
		return
	}
	_ = c.Error(err)
	code, message := dto.CodeAndMessage(err)
	resp := dto.NewErrorResponseWithRequestID(code, message, getRequestID(c))
	resp.Data = data
	c.JSON(dto.GetHTTPStatus(code), resp)
}
