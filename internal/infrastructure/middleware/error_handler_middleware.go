package middleware

import (
	apperrors "stagewire/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error as an
// AppError JSON body.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := apperrors.FromError(c.Errors.Last().Err)
		id, _ := ParticipantID(c)
		logger.Warnw("Request failed",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus(),
			"path", c.Request.URL.Path,
			"participant_id", id,
		)

		c.JSON(appErr.HTTPStatus(), gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		})
	}
}

// RecoveryMiddleware turns a handler panic into INTERNAL_ERROR. A panic after
// the WebSocket upgrade only closes that connection.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				id, _ := ParticipantID(c)
				logger.Errorw("Handler panicked",
					"panic", r,
					"path", c.Request.URL.Path,
					"participant_id", id,
				)
				abortWithError(c, apperrors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
