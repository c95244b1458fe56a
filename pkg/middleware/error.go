package middleware

import (
	"errors"
	"net/http"

	"rental-payouts/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenericMessage replaces internal error messages sent to clients.
const GenericMessage = "something went wrong, support has been notified"

// Error renders the last handler error as JSON. Internal errors are logged with
// their cause and answered with GenericMessage.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var base errutil.BaseError
		if !errors.As(last.Err, &base) {
			base = errutil.BaseError{Code: errutil.StatusInternal, Err: last.Err}
		}

		if base.Code.HTTPStatus() >= 500 {
			zap.L().Error("request failed",
				zap.String("request_id", GetRequestID(c)),
				zap.String("path", c.FullPath()),
				zap.String("reason", base.Reason),
				zap.Error(last.Err),
			)
		}

		if base.Code.HTTPStatus() == http.StatusInternalServerError {
			base.Code = errutil.StatusInternal
			base.Reason = ""
			base.Message = GenericMessage
			base.Details = nil
		}

		c.AbortWithStatusJSON(base.Code.HTTPStatus(), base.JSON())
	}
}
