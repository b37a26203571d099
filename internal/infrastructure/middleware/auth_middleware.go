package middleware

import (
	"net/http"
	"strings"

	"stagewire/pkg/auth"
	apperrors "stagewire/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	participantIDKey = "participant_id"
	displayNameKey   = "display_name"
)

// bearerToken reads the stage token from the Authorization header, falling
// back to the token query parameter. Browsers cannot set headers on a
// WebSocket upgrade.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	token := c.Query("token")
	return token, token != ""
}

// AuthMiddleware validates the stage token and stores the participant ID in
// the gin context.
func AuthMiddleware(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("stage token required"))
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			abortWithError(c, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid stage token"))
			return
		}

		c.Set(participantIDKey, claims.ParticipantID())
		c.Set(displayNameKey, claims.DisplayName)
		c.Next()
	}
}

// ParticipantID returns the participant authenticated by AuthMiddleware.
func ParticipantID(c *gin.Context) (string, bool) {
	id := c.GetString(participantIDKey)
	return id, id != ""
}

func DisplayName(c *gin.Context) string {
	return c.GetString(displayNameKey)
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	if appErr.HTTPStatus() == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus(), gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
