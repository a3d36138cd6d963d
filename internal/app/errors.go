package app

import (
	"fmt"
	"net/http"
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

// The workflow error taxonomy. Every failure a caller can provoke maps onto
// one of these kinds; anything else is a fault of the infrastructure and
// propagates unwrapped.

func errUnauthorized() *DomainError {
	return domainError(http.StatusForbidden, "UNAUTHORIZED", "caller is not a member of the owning organization", nil)
}

func errDoesNotExist(entity string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", entity+" does not exist", map[string]any{"entity": entity})
}

func errAlreadyExists(entity string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_EXISTS", entity+" already exists", map[string]any{"entity": entity})
}

func errCannotBeBlank(field string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "CANNOT_BE_BLANK", field+" cannot be blank", map[string]any{"field": field})
}

func errCannotBeEmpty(field string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "CANNOT_BE_EMPTY", field+" cannot be empty", map[string]any{"field": field})
}

func errInvalid(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID", message, nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}
