package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/apperrors"
)

// RespondError writes err as {"error": msg} with the status its kind maps to.
// Server-side failures are logged with the request id and reported generically.
func RespondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		Logger(c.Request.Context()).Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"kind", apperrors.Kind(err),
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperrors.PublicMessage(err)})
}
