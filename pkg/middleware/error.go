package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders every error as an ErrorResponse. Unmatched routes become a 404 naming
// the route, a wrong method on a known route a 405. Anything unrecognized is a 500 with
// a generic message.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(http.StatusInternalServerError)
		meta := map[string]any{}

		var he *echo.HTTPError
		switch {
		case errors.Is(err, echo.ErrNotFound):
			code = http.StatusNotFound
			message = fmt.Sprintf("route %s %s not found", c.Request().Method, c.Request().URL.Path)
		case errors.Is(err, echo.ErrMethodNotAllowed):
			code = http.StatusMethodNotAllowed
			message = fmt.Sprintf("method %s not allowed on %s", c.Request().Method, c.Request().URL.Path)
		case httperror.IsHTTPError(err):
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Message
			if httperr.Meta != nil {
				meta = httperr.Meta
			}
		case errors.As(err, &he):
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
