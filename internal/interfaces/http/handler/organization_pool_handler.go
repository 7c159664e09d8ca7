package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	appent "github.com/paulyarl/retail-visibility-platform-sub000/internal/application/entitlement"
)

// PoolManager stores organization pools
type PoolManager interface {
	SavePool(ctx context.Context, organizationID uuid.UUID, maxTotalSKUs int64, members []uuid.UUID) (*appent.PoolUsage, error)
	GetPool(ctx context.Context, organizationID uuid.UUID) (*appent.PoolUsage, error)
}

// OrganizationPoolHandler handles organization SKU pool HTTP requests
type OrganizationPoolHandler struct {
	BaseHandler
	pools PoolManager
}

// NewOrganizationPoolHandler creates a new organization pool handler
func NewOrganizationPoolHandler(pools PoolManager) *OrganizationPoolHandler {
	return &OrganizationPoolHandler{pools: pools}
}

// SavePool godoc
//
//	@ID				saveOrganizationSkuPool
//	@Summary		Create or replace an organization's shared SKU pool
//	@Description	Member tenants are admitted against the pool ceiling instead of their own quota
//	@Tags			billing-pool
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Organization ID"	format(uuid)
//	@Param			request	body		SavePoolRequest	true	"Pool"
//	@Success		200		{object}	APIResponse[appent.PoolUsage]
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/organization/{id}/billing/pool [put]
func (h *OrganizationPoolHandler) SavePool(c *gin.Context) {
	orgID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req SavePoolRequest
	if !h.BindJSON(c, &req) {
		return
	}
	members := make([]uuid.UUID, 0, len(req.MemberTenantIDs))
	for _, raw := range req.MemberTenantIDs {
		members = append(members, uuid.MustParse(raw))
	}

	usage, err := h.pools.SavePool(c.Request.Context(), orgID, *req.MaxTotalSKUs, members)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, usage)
}

// GetPool godoc
//
//	@ID				getOrganizationSkuPool
//	@Summary		Get an organization's pool ceiling and aggregate usage
//	@Tags			billing-pool
//	@Produce		json
//	@Param			id	path		string	true	"Organization ID"	format(uuid)
//	@Success		200	{object}	APIResponse[appent.PoolUsage]
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		BearerAuth
//	@Router			/organization/{id}/billing/pool [get]
func (h *OrganizationPoolHandler) GetPool(c *gin.Context) {
	orgID, ok := h.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	usage, err := h.pools.GetPool(c.Request.Context(), orgID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, usage)
}
