package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/telemetry"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
)

const (
	defaultDriftEventLimit = 20
	maxDriftEventLimit     = 200
)

// CounterReader serves per-tenant counters and their maintenance
type CounterReader interface {
	GetCounters(ctx context.Context, tenantID uuid.UUID) (*appent.CounterView, error)
	Reconcile(ctx context.Context, tenantID uuid.UUID) (*appent.ReconcileResult, error)
	SetQuota(ctx context.Context, tenantID uuid.UUID, plan string, quota int64) (*entitlement.TenantCounter, error)
	RefreshQuota(ctx context.Context, tenantID uuid.UUID) (*entitlement.TenantCounter, error)
	DriftEvents(ctx context.Context, tenantID uuid.UUID, limit int) ([]entitlement.CounterDriftEvent, error)
}

// TenantBillingHandler handles tenant counter and quota HTTP requests
type TenantBillingHandler struct {
	BaseHandler
	counters CounterReader
}

// NewTenantBillingHandler creates a new tenant billing handler
func NewTenantBillingHandler(counters CounterReader) *TenantBillingHandler {
	return &TenantBillingHandler{counters: counters}
}

// GetCounters godoc
//
//	@ID				getTenantBillingCounters
//	@Summary		Get the billable SKU count and quota of a tenant
//	@Tags			billing-counters
//	@Produce		json
//	@Param			id	path		string	true	"Tenant ID"	format(uuid)
//	@Success		200	{object}	APIResponse[appent.CounterView]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tenant/{id}/billing/counters [get]
func (h *TenantBillingHandler) GetCounters(c *gin.Context) {
	tenantID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	view, err := h.counters.GetCounters(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, view)
}

// Reconcile godoc
//
//	@ID				reconcileTenantBillingCounter
//	@Summary		Recompute a tenant's billable count now
//	@Description	Rescans the tenant's items under the policy effective now and corrects the stored count. Drift beyond the tolerance is reported in the response.
//	@Tags			billing-counters
//	@Produce		json
//	@Param			id	path		string	true	"Tenant ID"	format(uuid)
//	@Success		200	{object}	APIResponse[ReconcileResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tenant/{id}/billing/reconcile [post]
func (h *TenantBillingHandler) Reconcile(c *gin.Context) {
	tenantID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "TenantBillingHandler", "Reconcile",
		telemetry.WithAttribute("tenant_id", tenantID.String()))
	defer span.End()

	result, err := h.counters.Reconcile(ctx, tenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		h.HandleError(c, err)
		return
	}
	telemetry.SetAttributes(span,
		"billing.count", result.BillableCount,
		"billing.drift_detected", result.Drift != nil)
	h.Success(c, ToReconcileResponse(result))
}

// SetQuota godoc
//
//	@ID				setTenantSkuQuota
//	@Summary		Set a tenant's SKU quota
//	@Description	Sets the ceiling explicitly; -1 means unlimited
//	@Tags			billing-quota
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Tenant ID"	format(uuid)
//	@Param			request	body		SetQuotaRequest	true	"Quota"
//	@Success		200		{object}	APIResponse[TenantCounterResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tenant/{id}/billing/quota [put]
func (h *TenantBillingHandler) SetQuota(c *gin.Context) {
	tenantID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req SetQuotaRequest
	if !h.BindJSON(c, &req) {
		return
	}
	counter, err := h.counters.SetQuota(c.Request.Context(), tenantID, req.Plan, *req.Quota)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ToTenantCounterResponse(counter))
}

// RefreshQuota godoc
//
//	@ID				refreshTenantSkuQuota
//	@Summary		Re-read a tenant's quota from its subscription plan
//	@Tags			billing-quota
//	@Produce		json
//	@Param			id	path		string	true	"Tenant ID"	format(uuid)
//	@Success		200	{object}	APIResponse[TenantCounterResponse]
//	@Failure		403	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tenant/{id}/billing/quota/refresh [post]
func (h *TenantBillingHandler) RefreshQuota(c *gin.Context) {
	tenantID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	counter, err := h.counters.RefreshQuota(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ToTenantCounterResponse(counter))
}

// DriftEvents godoc
//
//	@ID				listTenantDriftEvents
//	@Summary		List recent counter drift corrections
//	@Tags			billing-counters
//	@Produce		json
//	@Param			id		path		string	true	"Tenant ID"	format(uuid)
//	@Param			limit	query		int		false	"Maximum events"	default(20)
//	@Success		200		{object}	APIResponse[[]DriftEventResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/tenant/{id}/billing/drift-events [get]
func (h *TenantBillingHandler) DriftEvents(c *gin.Context) {
	tenantID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	limit := defaultDriftEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDriftEventLimit {
			h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput,
				"limit must be between 1 and "+strconv.Itoa(maxDriftEventLimit))
			return
		}
		limit = n
	}
	events, err := h.counters.DriftEvents(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ToDriftEventResponses(events))
}
