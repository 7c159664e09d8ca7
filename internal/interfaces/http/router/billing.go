package router

import (
	"github.com/gin-gonic/gin"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/authz"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/handler"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// Handlers are the HTTP handlers served by the billing API
type Handlers struct {
	Policy        *handler.PolicyHandler
	TenantBilling *handler.TenantBillingHandler
	Pool          *handler.OrganizationPoolHandler
	Internal      *handler.InternalBillingHandler
	System        *handler.SystemHandler
}

// Security carries what the route groups need to authenticate and authorize callers.
// A nil Limiter disables rate limiting. A nil Members denies organization owners
// policy resolution for tenants other than their own.
type Security struct {
	Verifier      middleware.TokenVerifier
	Decider       middleware.AccessDecider
	Members       middleware.TenantMembership
	Limiter       *middleware.RateLimiter
	InternalToken string
	Logger        *zap.Logger
}

// authenticated returns the middleware shared by every caller-facing group
func (s Security) authenticated() []gin.HandlerFunc {
	chain := []gin.HandlerFunc{
		middleware.Authenticate(s.Verifier, s.Logger),
		middleware.CallerAttributes(),
	}
	if s.Limiter != nil {
		chain = append(chain, middleware.RateLimit(s.Limiter))
	}
	return chain
}

func (s Security) require(action string, target middleware.AccessTarget) gin.HandlerFunc {
	return middleware.RequireAccess(s.Decider, s.Logger, action, target)
}

// PolicyRoutes builds /policy
func PolicyRoutes(h *handler.PolicyHandler, s Security) *DomainGroup {
	g := NewDomainGroup("policy", "/policy").Use(s.authenticated()...)
	g.GET("/resolve", s.require(authz.ActionRead, middleware.ResolveTarget(s.Members)), h.Resolve)
	g.PUT("/global", s.require(authz.ActionWrite, middleware.GlobalPolicyTarget()), h.SetGlobal)
	g.PUT("/:scope/:scopeId", s.require(authz.ActionWrite, middleware.PolicyScopeTarget()), h.SetScoped)
	g.GET("/:scope/:scopeId/history", s.require(authz.ActionRead, middleware.PolicyScopeTarget()), h.History)
	g.GET("/:scope/:scopeId/audit", s.require(authz.ActionRead, middleware.PolicyScopeTarget()), h.Audit)
	return g
}

// TenantBillingRoutes builds /tenant/:id/billing
func TenantBillingRoutes(h *handler.TenantBillingHandler, s Security) *DomainGroup {
	counters := middleware.TenantTarget("id", authz.ObjectCounters)
	quota := middleware.TenantTarget("id", authz.ObjectQuota)

	g := NewDomainGroup("tenant-billing", "/tenant/:id/billing").Use(s.authenticated()...)
	g.GET("/counters", s.require(authz.ActionRead, counters), h.GetCounters)
	g.POST("/reconcile", s.require(authz.ActionWrite, counters), h.Reconcile)
	g.GET("/drift-events", s.require(authz.ActionRead, counters), h.DriftEvents)
	g.PUT("/quota", s.require(authz.ActionWrite, quota), h.SetQuota)
	g.POST("/quota/refresh", s.require(authz.ActionRefresh, quota), h.RefreshQuota)
	return g
}

// OrganizationPoolRoutes builds /organization/:id/billing
func OrganizationPoolRoutes(h *handler.OrganizationPoolHandler, s Security) *DomainGroup {
	pool := middleware.OrganizationTarget("id", authz.ObjectPool)

	g := NewDomainGroup("organization-pool", "/organization/:id/billing").Use(s.authenticated()...)
	g.GET("/pool", s.require(authz.ActionRead, pool), h.GetPool)
	g.PUT("/pool", s.require(authz.ActionWrite, pool), h.SavePool)
	return g
}

// InternalBillingRoutes builds /internal/billing. These hooks are called by the
// inventory service with a shared token, not a user token.
func InternalBillingRoutes(h *handler.InternalBillingHandler, s Security) *DomainGroup {
	g := NewDomainGroup("internal-billing", "/internal/billing").Use(middleware.InternalToken(s.InternalToken))
	g.POST("/evaluate", h.Evaluate)
	g.POST("/admit", h.Admit)
	g.POST("/item-change", h.ItemChange)
	return g
}

// SetupBilling mounts the health probes, the versioned billing API and the
// not-found fallback on engine.
func SetupBilling(engine *gin.Engine, h Handlers, s Security, opts ...RouterOption) *Router {
	engine.GET("/health/live", h.System.Live)
	engine.GET("/health/ready", h.System.Ready)
	engine.NoRoute(h.System.NotFound)

	r := NewRouter(engine, opts...)
	r.Register(
		NewDomainGroup("system", "/system").GET("/info", h.System.GetSystemInfo),
		PolicyRoutes(h.Policy, s),
		TenantBillingRoutes(h.TenantBilling, s),
		OrganizationPoolRoutes(h.Pool, s),
		InternalBillingRoutes(h.Internal, s),
	)
	r.Setup()
	return r
}
