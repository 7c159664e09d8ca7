package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-at-least-32-chars"

func newTestJWTService() *JWTService {
	return NewJWTService(config.JWTConfig{Secret: testSecret, Issuer: "platform-identity"})
}

func sign(t *testing.T, claims *Claims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(role string) *Claims {
	now := time.Now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "platform-identity",
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: uuid.NewString(),
		Role:   role,
	}
}

func TestJWTService_Verify(t *testing.T) {
	svc := newTestJWTService()
	tenantID := uuid.New()
	orgID := uuid.New()

	claims := validClaims("Tenant_Owner")
	claims.TenantID = tenantID.String()
	claims.OrganizationID = orgID.String()

	p, err := svc.Verify(sign(t, claims, testSecret))

	require.NoError(t, err)
	assert.Equal(t, RoleTenantOwner, p.Role)
	assert.True(t, p.OwnsTenant(tenantID))
	assert.False(t, p.OwnsTenant(uuid.New()))
	assert.True(t, p.OwnsOrganization(orgID))
	assert.False(t, p.IsPlatformOperator())
}

func TestJWTService_Verify_PlatformOperatorWithoutTenant(t *testing.T) {
	p, err := newTestJWTService().Verify(sign(t, validClaims(RolePlatformOperator), testSecret))

	require.NoError(t, err)
	assert.True(t, p.IsPlatformOperator())
	assert.Nil(t, p.TenantID)
	assert.False(t, p.OwnsTenant(uuid.New()))
}

func TestJWTService_Verify_Rejections(t *testing.T) {
	svc := newTestJWTService()

	expired := validClaims(RoleTenantAdmin)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	notYet := validClaims(RoleTenantAdmin)
	notYet.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))

	wrongIssuer := validClaims(RoleTenantAdmin)
	wrongIssuer.Issuer = "someone-else"

	noUser := validClaims(RoleTenantAdmin)
	noUser.UserID = ""

	noRole := validClaims("")

	badTenant := validClaims(RoleTenantAdmin)
	badTenant.TenantID = "not-a-uuid"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not.a.token", ErrInvalidToken},
		{"wrong secret", sign(t, validClaims(RoleTenantAdmin), "another-secret-key-of-32-chars!!"), ErrInvalidToken},
		{"expired", sign(t, expired, testSecret), ErrExpiredToken},
		{"not yet valid", sign(t, notYet, testSecret), ErrTokenNotYetValid},
		{"wrong issuer", sign(t, wrongIssuer, testSecret), ErrInvalidToken},
		{"missing user", sign(t, noUser, testSecret), ErrMissingUserID},
		{"missing role", sign(t, noRole, testSecret), ErrMissingRole},
		{"bad tenant id", sign(t, badTenant, testSecret), ErrInvalidClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJWTService_Verify_RejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(RolePlatformOperator)).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newTestJWTService().Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
