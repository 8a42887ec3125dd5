package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"snapup/src/api"
)

const loginRoute = "/login"

// respondError maps client errors onto gateway statuses. A missing or expired
// session tells the caller where to log in again.
func respondError(c *gin.Context, err error) {
	var (
		authErr *api.AuthError
		apiErr  *api.ApiError
	)
	switch {
	case errors.Is(err, api.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"message": "error", "error": err.Error()})
	case errors.As(err, &authErr):
		switch authErr.Reason {
		case api.InvalidCredentials, api.RefreshRejected:
			c.JSON(http.StatusUnauthorized, gin.H{"message": "error", "error": err.Error()})
		case api.NoSession:
			c.JSON(http.StatusUnauthorized, gin.H{"message": "error", "error": err.Error(), "redirect": loginRoute})
		default:
			c.JSON(http.StatusGatewayTimeout, gin.H{"message": "error", "error": err.Error()})
		}
	case errors.As(err, &apiErr):
		switch apiErr.Reason {
		case api.SessionExpired:
			c.JSON(http.StatusUnauthorized, gin.H{"message": "error", "error": err.Error(), "redirect": loginRoute})
		case api.ServerRejected:
			c.JSON(http.StatusBadGateway, gin.H{
				"message":         "error",
				"error":           err.Error(),
				"upstream_status": apiErr.Status,
				"upstream_body":   string(apiErr.Body),
			})
		default:
			c.JSON(http.StatusGatewayTimeout, gin.H{"message": "error", "error": err.Error()})
		}
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": "error", "error": err.Error()})
	}
}
