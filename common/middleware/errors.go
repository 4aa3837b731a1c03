package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
)

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ErrorHandler renders apperr errors as {error, details}. Internal errors are logged, not echoed.
func ErrorHandler(log *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := errorBody(err)
		if status >= http.StatusInternalServerError {
			log.WithContext(c.Request().Context()).Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", status,
				"error", err,
			)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			log.Warn("failed to write error response", "error", writeErr)
		}
	}
}

func errorBody(err error) (int, ErrorResponse) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, ErrorResponse{
			Error:   http.StatusText(httpErr.Code),
			Details: httpErr.Message,
		}
	}

	var (
		validation *apperr.ValidationError
		notFound   *apperr.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, ErrorResponse{
			Error:   string(apperr.CodeValidation),
			Details: map[string]string{"field": validation.Field, "message": validation.Message},
		}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   string(apperr.CodeNotFound),
			Details: map[string]string{"resource": notFound.Resource, "id": notFound.ID},
		}
	}

	status := apperr.HTTPStatus(err)
	if status < http.StatusInternalServerError {
		return status, ErrorResponse{Error: string(apperr.CodeOf(err)), Details: err.Error()}
	}
	return status, ErrorResponse{Error: string(apperr.CodeOf(err)), Details: http.StatusText(status)}
}
