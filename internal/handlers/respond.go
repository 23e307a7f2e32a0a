package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"comm-server/internal/apperrors"
	"comm-server/internal/middleware"
)

// respondError maps an error kind onto a status. Storage details are not
// leaked to clients.
func respondError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	switch status {
	case http.StatusServiceUnavailable:
		c.JSON(status, gin.H{"error": "temporarily unavailable"})
	case http.StatusInternalServerError:
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
	default:
		c.JSON(status, gin.H{"error": err.Error()})
	}
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + strings.ReplaceAll(name, "_", " ")})
		return 0, false
	}
	return id, true
}

func currentUser(c *gin.Context) int64 {
	return c.GetInt64(middleware.UserIDKey)
}
