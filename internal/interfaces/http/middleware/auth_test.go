package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/auth"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/logger"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVerifier maps raw tokens to principals or errors
type stubVerifier struct {
	principals map[string]*auth.Principal
	errs       map[string]error
}

func (s stubVerifier) Verify(token string) (*auth.Principal, error) {
	if err, ok := s.errs[token]; ok {
		return nil, err
	}
	if p, ok := s.principals[token]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidToken
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthenticate(t *testing.T) {
	tenantID := uuid.New()
	orgID := uuid.New()
	principal := &auth.Principal{
		UserID:         uuid.New(),
		TenantID:       &tenantID,
		OrganizationID: &orgID,
		Role:           auth.RoleTenantAdmin,
	}
	verifier := stubVerifier{
		principals: map[string]*auth.Principal{"good": principal},
		errs:       map[string]error{"expired": auth.ErrExpiredToken},
	}

	router := gin.New()
	router.Use(RequestID(), Authenticate(verifier, nil))
	router.GET("/me", func(c *gin.Context) {
		p := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{
			"user_id":       p.UserID.String(),
			"ctx_tenant_id": logger.GetTenantID(c.Request.Context()),
		})
	})

	t.Run("valid token stores principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set(AuthHeaderKey, "Bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, principal.UserID.String(), body["user_id"])
		assert.Equal(t, tenantID.String(), body["ctx_tenant_id"])
	})

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing header", "", dto.ErrCodeUnauthorized},
		{"not bearer", "Basic abc", dto.ErrCodeUnauthorized},
		{"empty token", "Bearer ", dto.ErrCodeUnauthorized},
		{"unknown token", "Bearer nope", dto.ErrCodeTokenInvalid},
		{"expired token", "Bearer expired", dto.ErrCodeTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderKey, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			resp := decodeEnvelope(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.RequestID)
		})
	}
}

func TestGetPrincipal_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetPrincipal(c))

	c.Set(PrincipalKey, "not a principal")
	assert.Nil(t, GetPrincipal(c))
}

func TestInternalToken(t *testing.T) {
	newRouter := func(token string) *gin.Engine {
		router := gin.New()
		router.Use(InternalToken(token))
		router.POST("/hook", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router
	}

	t.Run("empty token disables check", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hook", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("matching token passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.Header.Set(InternalTokenHeader, "s3cret")
		w := httptest.NewRecorder()
		newRouter("s3cret").ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.Header.Set(InternalTokenHeader, "guess")
		w := httptest.NewRecorder()
		newRouter("s3cret").ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeUnauthorized, decodeEnvelope(t, w).Error.Code)
	})
}
