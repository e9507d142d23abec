package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/agentpool/internal/common/errors"
	"github.com/kandev/agentpool/internal/common/logger"
)

// RespondError writes err as a JSON error body with the status carried by its
// AppError. Server side failures are logged with msg.
func RespondError(c *gin.Context, log *logger.Logger, msg string, err error) {
	appErr := apperrors.As(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		log.WithContext(c.Request.Context()).Error(msg, zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}
