package app

import (
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeLockConflict       = "LOCK_CONFLICT"
	CodeValidation         = "VALIDATION_ERROR"
	CodeForbidden          = "FORBIDDEN"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeRateLimited        = "RATE_LIMITED"
	CodeServerError        = "SERVER_ERROR"
)

// DomainError is a classified failure. Status is the HTTP status the REST
// layer answers with; the realtime gateway uses Code and Message.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LockedBy returns the holder named by a lock conflict, if any.
func (e *DomainError) LockedBy() string {
	if e == nil {
		return ""
	}
	if details, ok := e.Details.(map[string]any); ok {
		holder, _ := details["lockedBy"].(string)
		return holder
	}
	return ""
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func lockConflict(message, taskID, holder string) *DomainError {
	details := map[string]any{"taskId": taskID}
	if holder != "" {
		details["lockedBy"] = holder
	}
	return domainError(http.StatusConflict, CodeLockConflict, message, details)
}

func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, map[string]any{"field": field})
}

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func serverError(message string, err error) *DomainError {
	e := domainError(http.StatusInternalServerError, CodeServerError, message, nil)
	e.Err = err
	return e
}
