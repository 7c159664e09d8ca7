package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/interfaces/http/dto"
)

// InternalTokenHeader carries the shared secret of internal callers
const InternalTokenHeader = "X-Internal-Token"

// InternalToken guards the hooks called by the inventory service. An empty token
// disables the check.
func InternalToken(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(InternalTokenHeader))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				dto.NewErrorResponseWithRequestID(dto.ErrCodeUnauthorized, "Invalid internal token", GetRequestID(c)))
			return
		}
		c.Next()
	}
}
