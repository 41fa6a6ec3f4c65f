package app

import (
	"errors"
	"fmt"
	"net/http"

	"doseref/api/internal/docstore"
	"doseref/api/internal/sharing"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into HTTP status, code, message and
// optional details.
func mapError(err error) (int, string, string, any) {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain.Status, domain.Code, domain.Message, domain.Details
	}
	switch {
	case errors.Is(err, sharing.ErrNotFound), errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, sharing.ErrNoActingUser):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Acting user required", nil
	case errors.Is(err, sharing.ErrContentUnhashable):
		return http.StatusUnprocessableEntity, "CONTENT_UNHASHABLE", "Reference has no hashable content", nil
	case errors.Is(err, sharing.ErrContentMismatch):
		return http.StatusConflict, "CONTENT_MISMATCH", "Content no longer matches the shared group", nil
	case errors.Is(err, sharing.ErrGroupExists):
		return http.StatusConflict, "GROUP_EXISTS", "A group for this content already exists with different members", nil
	case errors.Is(err, sharing.ErrNoReferences):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "At least one reference is required", nil
	default:
		return http.StatusInternalServerError, "STORE_ERROR", "Unexpected storage error", nil
	}
}
