// Package authz decides which callers may read or change billing state, backed by casbin.
package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/config"
)

// Mode controls whether decisions are enforced
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode parses a configured mode; empty means enforce
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeEnforce:
		return ModeEnforce, nil
	case ModeShadow:
		return ModeShadow, nil
	case ModeDisabled:
		return ModeDisabled, nil
	}
	return "", fmt.Errorf("authz: invalid mode %q (expected enforce|shadow|disabled)", raw)
}

// builtinModel is RBAC where the request domain says how the caller relates to the
// target scope: "self" when it owns it, "other" otherwise, "global" for global state.
const builtinModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.dom == "*" || r.dom == p.dom) && keyMatch(r.obj, p.obj) && (p.act == "*" || r.act == p.act)
`

// Authorizer evaluates access decisions
type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// NewAuthorizer builds an authorizer from configuration. Without a model path the
// built-in model and policy are used.
func NewAuthorizer(cfg config.AuthzConfig) (*Authorizer, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	if cfg.ModelPath != "" {
		if cfg.PolicyPath == "" {
			return nil, errors.New("authz: policy path is required with a model path")
		}
		enforcer, err := casbin.NewEnforcer(cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("authz: load model: %w", err)
		}
		enforcer.SetAdapter(fileadapter.NewAdapter(cfg.PolicyPath))
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, fmt.Errorf("authz: load policy: %w", err)
		}
		return &Authorizer{enforcer: enforcer, mode: mode}, nil
	}

	return NewBuiltinAuthorizer(mode)
}

// NewBuiltinAuthorizer builds an authorizer with the built-in model and policy
func NewBuiltinAuthorizer(mode Mode) (*Authorizer, error) {
	m, err := model.NewModelFromString(builtinModel)
	if err != nil {
		return nil, fmt.Errorf("authz: parse model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	if _, err := enforcer.AddPolicies(builtinPolicies); err != nil {
		return nil, fmt.Errorf("authz: load policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies(builtinRoleInheritance); err != nil {
		return nil, fmt.Errorf("authz: load role inheritance: %w", err)
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// Mode returns the configured mode
func (a *Authorizer) Mode() Mode {
	return a.mode
}

// Authorize evaluates one request. enforced is false when the caller should proceed
// regardless of allowed (shadow and disabled modes).
func (a *Authorizer) Authorize(subject, domain, object, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, false, err
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}

// SubjectFromRole returns the casbin subject of a role
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = RoleAnonymous
	}
	return "role:" + role
}
