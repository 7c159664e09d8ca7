package auth

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/config"
)

// Roles carried in access tokens
const (
	RolePlatformOperator = "platform_operator"
	RoleOrgOwner         = "org_owner"
	RoleTenantOwner      = "tenant_owner"
	RoleTenantAdmin      = "tenant_admin"
)

// Common errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrMissingUserID    = errors.New("missing user_id in claims")
	ErrMissingRole      = errors.New("missing role in claims")
)

// Claims are the access token claims the engine reads. Tokens are issued by the
// platform's identity service; this package only verifies them.
type Claims struct {
	jwt.RegisteredClaims
	UserID         string `json:"user_id"`
	TenantID       string `json:"tenant_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role"`
}

// Principal is the verified caller
type Principal struct {
	UserID         uuid.UUID
	TenantID       *uuid.UUID
	OrganizationID *uuid.UUID
	Role           string
}

// IsPlatformOperator reports whether the caller operates the whole platform
func (p *Principal) IsPlatformOperator() bool {
	return p.Role == RolePlatformOperator
}

// OwnsTenant reports whether the caller's token is bound to tenantID
func (p *Principal) OwnsTenant(tenantID uuid.UUID) bool {
	return p.TenantID != nil && *p.TenantID == tenantID
}

// OwnsOrganization reports whether the caller's token is bound to organizationID
func (p *Principal) OwnsOrganization(organizationID uuid.UUID) bool {
	return p.OrganizationID != nil && *p.OrganizationID == organizationID
}

// JWTService verifies HMAC-signed access tokens
type JWTService struct {
	secret []byte
	issuer string
}

// NewJWTService creates a new JWT service
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
	}
}

// Verify validates a token and returns the caller it identifies
func (s *JWTService) Verify(tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	return claims.principal()
}

func (c *Claims) principal() (*Principal, error) {
	if c.UserID == "" {
		return nil, ErrMissingUserID
	}
	role := strings.ToLower(strings.TrimSpace(c.Role))
	if role == "" {
		return nil, ErrMissingRole
	}

	userID, err := uuid.Parse(c.UserID)
	if err != nil {
		return nil, ErrInvalidClaims
	}
	p := &Principal{UserID: userID, Role: role}

	if c.TenantID != "" {
		id, err := uuid.Parse(c.TenantID)
		if err != nil {
			return nil, ErrInvalidClaims
		}
		p.TenantID = &id
	}
	if c.OrganizationID != "" {
		id, err := uuid.Parse(c.OrganizationID)
		if err != nil {
			return nil, ErrInvalidClaims
		}
		p.OrganizationID = &id
	}
	return p, nil
}
