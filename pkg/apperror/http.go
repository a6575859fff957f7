package apperror

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StatusOf maps an error kind to its HTTP status code.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// EchoErrorHandler renders taxonomy errors as JSON with mapped status codes.
// echo's own HTTPErrors (404 routing, bind failures) pass through unchanged.
func EchoErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		if he, ok := err.(*echo.HTTPError); ok {
			msg := http.StatusText(he.Code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
			_ = c.JSON(he.Code, ErrorResponse{Error: msg, Kind: KindValidation})
			return
		}

		status := StatusOf(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.Path()),
				zap.Error(err),
			)
		}
		_ = c.JSON(status, ErrorResponse{Error: MessageOf(err), Kind: KindOf(err)})
	}
}
