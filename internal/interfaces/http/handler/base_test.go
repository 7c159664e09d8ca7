package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/shared"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/infrastructure/auth"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestBaseHandlerSuccess(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext(http.MethodGet, "/")

	h.Success(c, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeResponse(t, w).Success)
}

func TestBaseHandlerSuccessWithMeta(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext(http.MethodGet, "/")

	h.SuccessWithMeta(c, []string{"a", "b"}, 2, 1, 10)

	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 2, resp.Meta.Count)
	assert.Equal(t, 10, resp.Meta.PageSize)
}

func TestBaseHandlerErrorCarriesRequestID(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext(http.MethodGet, "/")
	c.Set(middleware.RequestIDKey, "req-42")

	h.BadRequest(c, "nope")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, dto.ErrCodeBadRequest, resp.Error.Code)
	assert.Equal(t, "req-42", resp.Error.RequestID)
}

func TestBaseHandlerErrorWithCode(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext(http.MethodGet, "/")

	h.ErrorWithCode(c, "NOT_FOUND", "missing")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, dto.ErrCodeNotFound, decodeResponse(t, w).Error.Code)
}

func TestBaseHandlerHandleError(t *testing.T) {
	key := entitlement.GlobalScopeKey()
	decision := &entitlement.QuotaDecision{
		TenantID: uuid.New(), CeilingKind: entitlement.CeilingTenant,
		CurrentCount: 50, Ceiling: 50, RequestedDelta: 1, Reason: entitlement.ReasonQuotaExceeded,
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"not found", shared.ErrNotFound, http.StatusNotFound, dto.ErrCodeNotFound, "Resource not found"},
		{"wrapped domain error", fmt.Errorf("load: %w", shared.NewDomainError("INVALID_SCOPE", "bad scope")),
			http.StatusBadRequest, "INVALID_SCOPE", "bad scope"},
		{"quota exceeded", entitlement.NewQuotaExceededError(decision), http.StatusTooManyRequests,
			dto.ErrCodeQuotaExceeded, "This location has reached its limit of 50 active SKUs (50 in use). Upgrade your plan or archive items to add more."},
		{"edit conflict", &entitlement.ConcurrentPolicyEditConflict{Key: key, ExpectedVersion: 2, ActualVersion: 3},
			http.StatusConflict, dto.ErrCodePolicyEditConflict, ""},
		{"edit conflict wrapping domain error", &entitlement.ConcurrentPolicyEditConflict{Key: key, Retryable: true, Cause: shared.ErrNotFound},
			http.StatusConflict, dto.ErrCodePolicyEditConflict, ""},
		{"admission unavailable", fmt.Errorf("%w: timeout", entitlement.ErrAdmissionUnavailable),
			http.StatusServiceUnavailable, dto.ErrCodeAdmissionUnavailable, ""},
		{"backdated", entitlement.ErrBackdatedPolicy, http.StatusBadRequest, dto.ErrCodePolicyBackdated, ""},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, dto.ErrCodeInternal, "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &BaseHandler{}
			c, w := newTestContext(http.MethodGet, "/")

			h.HandleError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, resp.Error.Message)
			}
		})
	}
}

func TestBaseHandlerHandleError_Nil(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext(http.MethodGet, "/")

	h.HandleError(c, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestParseInstant(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	got, err := ParseInstant("", now)
	require.NoError(t, err)
	assert.Equal(t, now, got)

	got, err = ParseInstant("2026-03-05", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseInstant("2026-03-05T10:00:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC), got)

	_, err = ParseInstant("yesterday", now)
	assert.Equal(t, dto.ErrCodeInvalidInput, dto.ErrorCode(err))
}

func TestAuditContext(t *testing.T) {
	c, _ := newTestContext(http.MethodPut, "/")
	c.Request.Header.Set("User-Agent", "ops-console/1.0")

	ac := auditContext(c)
	assert.Nil(t, ac.UserID)
	assert.Equal(t, "ops-console/1.0", ac.UserAgent)

	userID := uuid.New()
	c.Set(middleware.PrincipalKey, &auth.Principal{UserID: userID, Role: auth.RolePlatformOperator})
	ac = auditContext(c)
	require.NotNil(t, ac.UserID)
	assert.Equal(t, userID, *ac.UserID)
}
