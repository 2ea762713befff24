package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/damacus/drive-index/internal/logging"
	"github.com/damacus/drive-index/internal/services"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	headerRange        = "Range"
	headerContentRange = "Content-Range"
)

// Response is the envelope for every JSON reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the stable machine-readable error shape.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Details any    `json:"details,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Success: true, Data: data})
}

// errorClasses maps each sentinel to its status and default code. Refinements
// come before the sentinel they wrap.
var errorClasses = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable, "RANGE_NOT_SATISFIABLE"},
	{services.ErrTokenExpired, http.StatusUnauthorized, "TOKEN_EXPIRED"},
	{services.ErrInvalidToken, http.StatusUnauthorized, "INVALID_TOKEN"},
	{services.ErrPasswordRequired, http.StatusUnauthorized, "PASSWORD_REQUIRED"},
	{services.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{services.ErrBadRequest, http.StatusBadRequest, "BAD_REQUEST"},
	{services.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{services.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
}

// classify turns err into a status and the public error body. Internal
// failures never expose their message.
func classify(err error) (int, ErrorBody) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, ErrorBody{
			Code:    strings.ToUpper(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_")),
			Message: fmt.Sprint(httpErr.Message),
		}
	}

	status, body := http.StatusInternalServerError, ErrorBody{Code: "INTERNAL_ERROR", Message: "internal error"}
	for _, class := range errorClasses {
		if errors.Is(err, class.err) {
			status = class.status
			body = ErrorBody{Code: class.code, Message: class.err.Error()}
			break
		}
	}
	if status == http.StatusInternalServerError {
		return status, body
	}

	var indexErr *services.IndexError
	if errors.As(err, &indexErr) {
		body.Code = indexErr.Code
		body.Message = indexErr.Message
		body.Reason = indexErr.Reason
		body.Details = indexErr.Details
	}
	return status, body
}

// StatusOf is the status ErrorHandler writes for err.
func StatusOf(err error) int {
	status, _ := classify(err)
	return status
}

// ErrorHandler renders every handler error in the public error shape.
func ErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		log := logging.Or(logger)
		if c.Response().Committed {
			log.Warn("error after response was committed", zap.Error(err))
			return
		}

		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			logging.WithContext(c.Request().Context()).Error("request failed", zap.Error(err))
		}
		if status == http.StatusRequestedRangeNotSatisfiable && body.Reason != "" {
			c.Response().Header().Set(headerContentRange, body.Reason)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, Response{Success: false, Error: &body})
		}
		if err != nil {
			log.Error("writing error response", zap.Error(err))
		}
	}
}

// parsePath splits an already decoded logical path into segment names.
// Leading and trailing slashes are ignored. The value is not unescaped
// again, so a "%" in a name is literal.
func parsePath(raw string) []string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

func requireParam(c echo.Context, name string) (string, error) {
	v := c.QueryParam(name)
	if v == "" {
		return "", &services.IndexError{
			Err:     services.ErrBadRequest,
			Code:    "MISSING_PARAMETER",
			Message: "required query parameter is missing",
			Reason:  name,
		}
	}
	return v, nil
}
