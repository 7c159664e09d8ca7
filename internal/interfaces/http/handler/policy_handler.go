package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/telemetry"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/middleware"
)

// PolicyWriter writes and lists versioned billing policies
type PolicyWriter interface {
	SetPolicy(ctx context.Context, in appent.SetPolicyInput, auditCtx appent.AuditContext) (*appent.SetPolicyResult, error)
	History(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyHistoryRecord, error)
	AuditLogs(ctx context.Context, key entitlement.ScopeKey, filter shared.Filter) ([]entitlement.PolicyAuditLog, error)
}

// PolicyLookup resolves the effective policy for a tenant
type PolicyLookup interface {
	ResolveOrDefault(ctx context.Context, tenantID uuid.UUID, organizationID *uuid.UUID, at time.Time) *appent.ResolvedPolicy
}

// PolicyHandler handles billing policy HTTP requests
type PolicyHandler struct {
	BaseHandler
	policies PolicyWriter
	resolver PolicyLookup
	now      func() time.Time
}

// NewPolicyHandler creates a new policy handler
func NewPolicyHandler(policies PolicyWriter, resolver PolicyLookup) *PolicyHandler {
	return &PolicyHandler{
		policies: policies,
		resolver: resolver,
		now:      time.Now,
	}
}

// Resolve godoc
//
//	@ID				resolveBillingPolicy
//	@Summary		Resolve the effective billing policy
//	@Description	Layers tenant, organization and global policies for the given instant. Falls back to the conservative default when no policy is effective.
//	@Tags			billing-policy
//	@Produce		json
//	@Param			tenantId		query		string	true	"Tenant ID"	format(uuid)
//	@Param			organizationId	query		string	false	"Organization ID"	format(uuid)
//	@Param			at				query		string	false	"Instant (RFC3339 or YYYY-MM-DD)"
//	@Success		200				{object}	APIResponse[ResolvedPolicyResponse]
//	@Failure		400				{object}	ErrorResponse
//	@Failure		403				{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/policy/resolve [get]
func (h *PolicyHandler) Resolve(c *gin.Context) {
	tenantID, err := uuid.Parse(c.Query("tenantId"))
	if err != nil {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "tenantId must be a UUID")
		return
	}
	var orgID *uuid.UUID
	if raw := c.Query("organizationId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "organizationId must be a UUID")
			return
		}
		orgID = &id
	}
	now := h.now().UTC()
	at, err := ParseInstant(c.Query("at"), now)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "PolicyHandler", "Resolve",
		telemetry.WithAttribute("tenant_id", tenantID.String()))
	defer span.End()

	resolved := h.resolver.ResolveOrDefault(ctx, tenantID, orgID, at)
	telemetry.SetAttributes(span,
		"policy.source", resolved.Source.String(),
		"policy.fallback", resolved.Fallback)
	h.Success(c, ToResolvedPolicyResponse(resolved, now))
}

// SetGlobal godoc
//
//	@ID				setGlobalBillingPolicy
//	@Summary		Set the global billing policy
//	@Description	Opens a new global policy record and closes the current one at its effective-from
//	@Tags			billing-policy
//	@Accept			json
//	@Produce		json
//	@Param			request	body		SetPolicyRequest	true	"Policy flags"
//	@Success		200		{object}	APIResponse[SetPolicyResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/policy/global [put]
func (h *PolicyHandler) SetGlobal(c *gin.Context) {
	h.setPolicy(c, entitlement.GlobalScopeKey())
}

// SetScoped godoc
//
//	@ID				setScopedBillingPolicy
//	@Summary		Set an organization or tenant billing policy
//	@Tags			billing-policy
//	@Accept			json
//	@Produce		json
//	@Param			scope	path		string				true	"Scope"	Enums(global, organization, tenant)
//	@Param			scopeId	path		string				true	"Organization or tenant ID"
//	@Param			request	body		SetPolicyRequest	true	"Policy flags"
//	@Success		200		{object}	APIResponse[SetPolicyResponse]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/policy/{scope}/{scopeId} [put]
func (h *PolicyHandler) SetScoped(c *gin.Context) {
	key, err := scopeKeyFromPath(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.setPolicy(c, key)
}

func (h *PolicyHandler) setPolicy(c *gin.Context, key entitlement.ScopeKey) {
	var req SetPolicyRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "PolicyHandler", "SetPolicy",
		telemetry.WithAttribute("policy.scope", key.Scope.String()),
		telemetry.WithAttribute("policy.scope_id", key.ScopeID.String()))
	defer span.End()

	result, err := h.policies.SetPolicy(ctx, appent.SetPolicyInput{
		Key:             key,
		Flags:           req.flags(),
		EffectiveFrom:   req.EffectiveFrom,
		Note:            req.Note,
		ExpectedVersion: req.ExpectedVersion,
	}, auditContext(c))
	if err != nil {
		telemetry.RecordError(span, err)
		h.HandleError(c, err)
		return
	}
	telemetry.SetAttributes(span, "policy.version", result.Version, "policy.attempts", result.Attempts)
	h.Success(c, ToSetPolicyResponse(result, h.now().UTC()))
}

// History godoc
//
//	@ID				listBillingPolicyHistory
//	@Summary		List superseded records of a policy series
//	@Tags			billing-policy
//	@Produce		json
//	@Param			scope		path		string	true	"Scope"	Enums(global, organization, tenant)
//	@Param			scopeId		path		string	true	"Organization or tenant ID; ignored for global"
//	@Param			page		query		int		false	"Page number"	default(1)
//	@Param			page_size	query		int		false	"Page size"		default(20)
//	@Success		200			{object}	APIResponse[[]PolicyHistoryResponse]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		403			{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/policy/{scope}/{scopeId}/history [get]
func (h *PolicyHandler) History(c *gin.Context) {
	key, filter, ok := h.listTarget(c)
	if !ok {
		return
	}
	records, err := h.policies.History(c.Request.Context(), key, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, ToPolicyHistoryResponses(records), len(records), filter.Page, filter.PageSize)
}

// Audit godoc
//
//	@ID				listBillingPolicyAudit
//	@Summary		List audit entries of a policy series
//	@Tags			billing-policy
//	@Produce		json
//	@Param			scope		path		string	true	"Scope"	Enums(global, organization, tenant)
//	@Param			scopeId		path		string	true	"Organization or tenant ID; ignored for global"
//	@Param			page		query		int		false	"Page number"	default(1)
//	@Param			page_size	query		int		false	"Page size"		default(20)
//	@Success		200			{object}	APIResponse[[]AuditLogResponse]
//	@Failure		400			{object}	ErrorResponse
//	@Failure		403			{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/policy/{scope}/{scopeId}/audit [get]
func (h *PolicyHandler) Audit(c *gin.Context) {
	key, filter, ok := h.listTarget(c)
	if !ok {
		return
	}
	entries, err := h.policies.AuditLogs(c.Request.Context(), key, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, ToAuditLogResponses(entries), len(entries), filter.Page, filter.PageSize)
}

func (h *PolicyHandler) listTarget(c *gin.Context) (entitlement.ScopeKey, shared.Filter, bool) {
	key, err := scopeKeyFromPath(c)
	if err != nil {
		h.HandleError(c, err)
		return entitlement.ScopeKey{}, shared.Filter{}, false
	}
	req := dto.DefaultListRequest()
	if err := c.ShouldBindQuery(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return entitlement.ScopeKey{}, shared.Filter{}, false
	}
	return key, shared.Filter{
		Page:     req.Page,
		PageSize: req.PageSize,
		OrderBy:  req.OrderBy,
		OrderDir: req.OrderDir,
	}, true
}

// scopeKeyFromPath reads :scope and :scopeId. The ID is ignored for the global scope.
func scopeKeyFromPath(c *gin.Context) (entitlement.ScopeKey, error) {
	scope, err := entitlement.ParseScope(c.Param("scope"))
	if err != nil {
		return entitlement.ScopeKey{}, err
	}
	if scope == entitlement.ScopeGlobal {
		return entitlement.GlobalScopeKey(), nil
	}
	id, err := uuid.Parse(c.Param("scopeId"))
	if err != nil {
		return entitlement.ScopeKey{}, dto.NewInputError("scopeId must be a UUID")
	}
	return entitlement.NewScopeKey(scope, id)
}
