package errors

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/geoforge/tilerd/pkg/api/types/errors"
)

type ErrorMessageOption func(in *apierr.ErrorMessage) *apierr.ErrorMessage

func WithAdvice(advice string) ErrorMessageOption {
	return func(in *apierr.ErrorMessage) *apierr.ErrorMessage {
		if advice != "" {
			in.Advice = advice
		}
		return in
	}
}

func WithError(err error) ErrorMessageOption {
	return func(in *apierr.ErrorMessage) *apierr.ErrorMessage {
		if err != nil {
			in.Cause = err
		}
		return in
	}
}

func NewErrorMessage(code int, reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	msg := apierr.ErrorMessage{Reason: reason}
	for _, opt := range opts {
		msg = *opt(&msg)
	}

	return echo.NewHTTPError(code, msg).SetInternal(msg)
}

func NotFound() *echo.HTTPError {
	return NewErrorMessage(http.StatusNotFound, "not found")
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusBadRequest,
		"bad request",
		WithAdvice(advice),
		WithError(err),
	)
}

func Conflict(message string, options ...ErrorMessageOption) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusConflict,
		message,
		options...,
	)
}

func ServiceUnavailable(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusServiceUnavailable,
		"service unavailable temporarily",
		WithAdvice(advice),
		WithError(err),
	)
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusInternalServerError,
		"unexpected error",
		WithError(err),
	)
}

// Unprocessable wraps descriptor validation results into the
// `{"detail": [...]}` payload.
func Unprocessable(detail any) *echo.HTTPError {
	return echo.NewHTTPError(
		http.StatusUnprocessableEntity,
		map[string]any{"detail": detail},
	)
}
