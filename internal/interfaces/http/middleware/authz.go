package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/auth"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/authz"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// AccessDecider is satisfied by *authz.Authorizer
type AccessDecider interface {
	Authorize(subject, domain, object, action string) (allowed bool, enforced bool, err error)
}

// AccessTarget names what a request touches, relative to the caller.
// A non-nil error is a malformed target and answers 400.
type AccessTarget func(c *gin.Context, p *auth.Principal) (domain, object string, err error)

// RequireAccess authorizes the authenticated caller for action on the target.
// It must run after Authenticate.
func RequireAccess(decider AccessDecider, log *zap.Logger, action string, target AccessTarget) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		if principal == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				dto.NewErrorResponseWithRequestID(dto.ErrCodeUnauthorized, "Authentication required", GetRequestID(c)))
			return
		}

		domain, object, err := target(c, principal)
		if err != nil {
			code := dto.ErrorCode(err)
			if code == "" {
				code = dto.ErrCodeBadRequest
			}
			c.AbortWithStatusJSON(http.StatusBadRequest,
				dto.NewErrorResponseWithRequestID(code, err.Error(), GetRequestID(c)))
			return
		}

		subject := authz.SubjectFromRole(principal.Role)
		allowed, enforced, err := decider.Authorize(subject, domain, object, action)
		if err != nil {
			log.Error("Authorization check failed",
				zap.Error(err),
				zap.String("subject", subject),
				zap.String("object", object),
			)
			if enforced {
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					dto.NewErrorResponseWithRequestID(dto.ErrCodeInternal, "Authorization check failed", GetRequestID(c)))
				return
			}
		}
		if !allowed {
			fields := []zap.Field{
				zap.String("subject", subject),
				zap.String("domain", domain),
				zap.String("object", object),
				zap.String("action", action),
				zap.String("user_id", principal.UserID.String()),
			}
			if !enforced {
				log.Info("Authorization denied (not enforced)", fields...)
			} else {
				log.Warn("Authorization denied", fields...)
				c.AbortWithStatusJSON(http.StatusForbidden,
					dto.NewErrorResponseWithRequestID(dto.ErrCodeForbidden, "Insufficient privilege for this scope", GetRequestID(c)))
				return
			}
		}

		c.Next()
	}
}

func pathUUID(c *gin.Context, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		return uuid.Nil, dto.NewInputError(param + " must be a UUID")
	}
	return id, nil
}

// TenantTarget guards a tenant resource addressed by path parameter param
func TenantTarget(param, object string) AccessTarget {
	return func(c *gin.Context, p *auth.Principal) (string, string, error) {
		id, err := pathUUID(c, param)
		if err != nil {
			return "", "", err
		}
		return authz.Ownership(p.OwnsTenant(id)), object, nil
	}
}

// OrganizationTarget guards an organization resource addressed by path parameter param
func OrganizationTarget(param, object string) AccessTarget {
	return func(c *gin.Context, p *auth.Principal) (string, string, error) {
		id, err := pathUUID(c, param)
		if err != nil {
			return "", "", err
		}
		return authz.Ownership(p.OwnsOrganization(id)), object, nil
	}
}

// GlobalPolicyTarget guards the global policy
func GlobalPolicyTarget() AccessTarget {
	return func(*gin.Context, *auth.Principal) (string, string, error) {
		return authz.DomainGlobal, authz.ObjectPolicyGlobal, nil
	}
}

// PolicyScopeTarget guards policy records addressed by :scope and :scopeId
func PolicyScopeTarget() AccessTarget {
	return func(c *gin.Context, p *auth.Principal) (string, string, error) {
		scope, err := entitlement.ParseScope(c.Param("scope"))
		if err != nil {
			return "", "", err
		}
		if scope == entitlement.ScopeGlobal {
			return authz.DomainGlobal, authz.ObjectPolicyGlobal, nil
		}
		id, err := pathUUID(c, "scopeId")
		if err != nil {
			return "", "", err
		}
		owns := p.OwnsTenant(id)
		if scope == entitlement.ScopeOrganization {
			owns = p.OwnsOrganization(id)
		}
		return authz.Ownership(owns), authz.PolicyObject(scope), nil
	}
}

// TenantMembership reports the organization a tenant belongs to, nil when it belongs to none
type TenantMembership interface {
	TenantOrganization(ctx context.Context, tenantID uuid.UUID) (*uuid.UUID, error)
}

// ResolveTarget guards policy resolution for the tenantId query parameter. An
// organization owner may resolve for a member tenant of the organization named in organizationId.
func ResolveTarget(members TenantMembership) AccessTarget {
	return func(c *gin.Context, p *auth.Principal) (string, string, error) {
		tenantID, err := uuid.Parse(c.Query("tenantId"))
		if err != nil {
			return "", "", dto.NewInputError("tenantId must be a UUID")
		}
		if p.OwnsTenant(tenantID) {
			return authz.DomainSelf, authz.ObjectPolicyTenant, nil
		}
		if raw := c.Query("organizationId"); raw != "" {
			orgID, err := uuid.Parse(raw)
			if err != nil {
				return "", "", dto.NewInputError("organizationId must be a UUID")
			}
			if p.OwnsOrganization(orgID) && memberOf(c.Request.Context(), members, tenantID, orgID) {
				return authz.DomainSelf, authz.ObjectPolicyOrganization, nil
			}
		}
		return authz.DomainOther, authz.ObjectPolicyTenant, nil
	}
}

// memberOf fails closed when membership cannot be established
func memberOf(ctx context.Context, members TenantMembership, tenantID, orgID uuid.UUID) bool {
	if members == nil {
		return false
	}
	got, err := members.TenantOrganization(ctx, tenantID)
	if err != nil || got == nil {
		return false
	}
	return *got == orgID
}
