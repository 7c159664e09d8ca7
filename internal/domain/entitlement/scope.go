package entitlement

import (
	"strings"

	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
)

// Scope is the level at which a billing policy applies.
type Scope string

const (
	// ScopeGlobal is the platform-wide default
	ScopeGlobal Scope = "GLOBAL"

	// ScopeOrganization is a chain-wide override
	ScopeOrganization Scope = "ORGANIZATION"

	// ScopeTenant is a single-location override
	ScopeTenant Scope = "TENANT"
)

// String returns the string representation of Scope
func (s Scope) String() string {
	return string(s)
}

// IsValid returns true if the scope is valid
func (s Scope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganization, ScopeTenant:
		return true
	}
	return false
}

// ResolutionOrder is the order in which scopes are consulted, most specific first.
var ResolutionOrder = []Scope{ScopeTenant, ScopeOrganization, ScopeGlobal}

// ParseScope parses a scope from a path segment or JSON value.
// It is case-insensitive and accepts the short forms "org" and "tenant".
func ParseScope(raw string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GLOBAL":
		return ScopeGlobal, nil
	case "ORGANIZATION", "ORG":
		return ScopeOrganization, nil
	case "TENANT":
		return ScopeTenant, nil
	}
	return "", shared.NewDomainError("INVALID_SCOPE", "Scope must be one of global, organization, tenant")
}

// ScopeKey identifies the series of policy records for one scope.
// Global policies use uuid.Nil as their scope ID.
type ScopeKey struct {
	Scope   Scope     `json:"scope"`
	ScopeID uuid.UUID `json:"scope_id"`
}

// NewScopeKey validates and builds a scope key
func NewScopeKey(scope Scope, scopeID uuid.UUID) (ScopeKey, error) {
	if !scope.IsValid() {
		return ScopeKey{}, shared.NewDomainError("INVALID_SCOPE", "Invalid policy scope")
	}
	if scope == ScopeGlobal {
		if scopeID != uuid.Nil {
			return ScopeKey{}, shared.NewDomainError("INVALID_SCOPE_ID", "Global policies do not take a scope ID")
		}
		return ScopeKey{Scope: ScopeGlobal}, nil
	}
	if scopeID == uuid.Nil {
		return ScopeKey{}, shared.NewDomainError("INVALID_SCOPE_ID", "Scope ID is required for "+strings.ToLower(scope.String())+" policies")
	}
	return ScopeKey{Scope: scope, ScopeID: scopeID}, nil
}

// GlobalScopeKey returns the key of the global policy series
func GlobalScopeKey() ScopeKey {
	return ScopeKey{Scope: ScopeGlobal}
}

// TenantScopeKey returns the key of a tenant override series
func TenantScopeKey(tenantID uuid.UUID) ScopeKey {
	return ScopeKey{Scope: ScopeTenant, ScopeID: tenantID}
}

// OrganizationScopeKey returns the key of an organization override series
func OrganizationScopeKey(organizationID uuid.UUID) ScopeKey {
	return ScopeKey{Scope: ScopeOrganization, ScopeID: organizationID}
}

// String returns "GLOBAL" or "<SCOPE>:<id>"
func (k ScopeKey) String() string {
	if k.Scope == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(k.Scope) + ":" + k.ScopeID.String()
}
