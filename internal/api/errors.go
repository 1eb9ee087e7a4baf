package api

import (
	"context"
	"errors"
	"net/http"

	"idgov/internal/domain"
)

// httpStatusFromDomainError maps domain errors to HTTP status codes.
// Failures of the upstream directory surface as 502.
func httpStatusFromDomainError(err error) int {
	var notFound *domain.NotFoundError
	var accessDenied *domain.AccessDeniedError
	var validation *domain.ValidationError
	var conflict *domain.ConflictError
	var transient *domain.TransientFetchError
	var assign *domain.GrantAssignmentError
	var revoke *domain.RevocationError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &transient), errors.As(err, &assign), errors.As(err, &revoke):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
