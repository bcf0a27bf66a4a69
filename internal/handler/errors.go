package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-chat-service/internal/errs"
)

// writeError maps domain errors to status codes. Internal errors are attached to the gin
// context for the request logger and not echoed to the client.
func writeError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
