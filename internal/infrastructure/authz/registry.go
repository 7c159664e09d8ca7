package authz

import "github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"

const RoleAnonymous = "anonymous"

// Request domains
const (
	DomainGlobal = "global"
	DomainSelf   = "self"
	DomainOther  = "other"
)

// Actions
const (
	ActionRead    = "read"
	ActionWrite   = "write"
	ActionRefresh = "refresh"
)

// Objects
const (
	ObjectPolicyGlobal       = "billing.policy.global"
	ObjectPolicyOrganization = "billing.policy.organization"
	ObjectPolicyTenant       = "billing.policy.tenant"
	ObjectCounters           = "billing.counters"
	ObjectQuota              = "billing.quota"
	ObjectPool               = "billing.pool"
)

// PolicyObject returns the object guarding policy records of scope
func PolicyObject(scope entitlement.Scope) string {
	switch scope {
	case entitlement.ScopeOrganization:
		return ObjectPolicyOrganization
	case entitlement.ScopeTenant:
		return ObjectPolicyTenant
	default:
		return ObjectPolicyGlobal
	}
}

// Ownership maps whether the caller owns the target to a request domain
func Ownership(owns bool) string {
	if owns {
		return DomainSelf
	}
	return DomainOther
}

// Owners write overrides for their own scope; quotas, pools and the global policy
// belong to platform operators.
var builtinPolicies = [][]string{
	{"role:platform_operator", "*", "billing.*", "*"},

	{"role:org_owner", DomainSelf, ObjectPolicyOrganization, "*"},
	{"role:org_owner", DomainSelf, ObjectPool, ActionRead},
	{"role:org_owner", DomainGlobal, ObjectPolicyGlobal, ActionRead},

	{"role:tenant_admin", DomainSelf, ObjectCounters, "*"},
	{"role:tenant_admin", DomainSelf, ObjectQuota, ActionRead},
	{"role:tenant_admin", DomainSelf, ObjectPolicyTenant, "*"},
	{"role:tenant_admin", DomainGlobal, ObjectPolicyGlobal, ActionRead},

	{"role:tenant_owner", DomainSelf, ObjectQuota, ActionRefresh},
}

var builtinRoleInheritance = [][]string{
	{"role:tenant_owner", "role:tenant_admin"},
}
