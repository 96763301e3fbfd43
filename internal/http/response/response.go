package response

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/ctxutil"
)

type APIError struct {
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ErrorEnvelope struct {
	Error      APIError `json:"error"`
	RetryAfter float64  `json:"retry_after,omitempty"` // seconds
}

// RespondError maps a classified error onto the stable transport contract.
// Unclassified errors surface as internal.
func RespondError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	status := apierr.HTTPStatus(kind)

	env := ErrorEnvelope{
		Error: APIError{
			Message:       err.Error(),
			Code:          string(kind),
			CorrelationID: ctxutil.CorrelationID(c.Request.Context()),
		},
	}
	if hint := apierr.RetryAfterFrom(err); hint > 0 {
		secs := math.Ceil(hint.Seconds())
		env.RetryAfter = secs
		c.Header("Retry-After", strconv.Itoa(int(secs)))
	}
	c.JSON(status, env)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
