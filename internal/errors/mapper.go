package errors

import (
	"context"
	"errors"
	"net/http"
)

// Map translates a domain error into a ProblemDetails response. The
// instance path and trace ID are stamped by the caller.
func Map(err error, instance, traceID string) *ProblemDetails {
	var pd *ProblemDetails

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pd = NewProblemDetails(http.StatusGatewayTimeout,
			"/errors/timeout", "Request Timeout",
			"The request timed out while processing. Please try again.", instance)

	case errors.Is(err, context.Canceled):
		pd = NewProblemDetails(http.StatusRequestTimeout,
			"/errors/request-canceled", "Request Canceled",
			"The request was canceled before completion.", instance)

	case errors.Is(err, ErrLicenseNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/license-not-found", "License Not Found",
			"No license exists with the given identifier.", instance)

	case errors.Is(err, ErrBinaryNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/binary-not-found", "Binary Not Found",
			"No binary exists with the given identifier.", instance)

	case errors.Is(err, ErrMachineNotFound):
		pd = NewProblemDetails(http.StatusNotFound,
			"/errors/machine-not-found", "Machine Not Found",
			"No machine instance exists for the given fingerprint.", instance)

	case errors.Is(err, ErrImmutableLicense):
		pd = NewProblemDetails(http.StatusUnprocessableEntity,
			"/errors/immutable-license", "Immutable License",
			"This license is readonly; its enforcement fields cannot be changed after creation.", instance).
			WithExtension("license_type", "readonly")

	case errors.Is(err, ErrLicenseNotRevoked):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/license-not-revoked", "License Not Revoked",
			"Revoke the license before deleting it so in-flight verifications cannot race the deletion.", instance)

	case errors.Is(err, ErrTokenInvalid):
		pd = NewProblemDetails(http.StatusForbidden,
			"/errors/download-token-invalid", "Download Token Invalid",
			"The download token is unknown, expired, or already consumed.", instance)

	case errors.Is(err, ErrInvalidRequest):
		pd = NewProblemDetails(http.StatusBadRequest,
			"/errors/invalid-request", "Invalid Request",
			err.Error(), instance)

	case errors.Is(err, ErrConflict):
		pd = NewProblemDetails(http.StatusConflict,
			"/errors/conflict", "Concurrent Update Conflict",
			"The record changed while the request was in flight. Retry the request.", instance).
			WithExtension("retryable", true)

	case errors.Is(err, ErrStoreUnavailable):
		pd = NewProblemDetails(http.StatusServiceUnavailable,
			"/errors/store-unavailable", "Store Unavailable",
			"The backing store is temporarily unreachable. Retry the request.", instance).
			WithExtension("retryable", true)

	default:
		pd = NewProblemDetails(http.StatusInternalServerError,
			"/errors/internal", "Internal Server Error",
			"An unexpected error occurred.", instance)
	}

	if traceID != "" {
		pd.WithExtension("trace_id", traceID)
	}
	return pd
}

// ValidationProblem builds a 400 response for request binding or
// validation failures.
func ValidationProblem(detail, instance, traceID string) *ProblemDetails {
	pd := NewProblemDetails(http.StatusBadRequest,
		"/errors/validation", "Request Validation Failed", detail, instance)
	if traceID != "" {
		pd.WithExtension("trace_id", traceID)
	}
	return pd
}
