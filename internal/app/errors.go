package app

import (
	"fmt"
	"net/http"
)

const (
	CodeAnnotationNotFound   = "ANNOTATION_NOT_FOUND"
	CodeUnsupportedOwnerType = "UNSUPPORTED_OWNER_TYPE"
	CodeSubmissionLocked     = "SUBMISSION_LOCKED"
	CodeDeadlinePassed       = "DEADLINE_PASSED"
	CodeSubmissionBusy       = "SUBMISSION_BUSY"
	CodeNotSubmitted         = "SUBMISSION_NOT_SUBMITTED"
	CodeBlobWriteFailure     = "BLOB_WRITE_FAILURE"
	CodeSubmissionSaveFailed = "SUBMISSION_SAVE_FAILED"
	CodeDocumentParseFailure = "DOCUMENT_PARSE_FAILURE"
	CodeValidation           = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// Err is the underlying cause, if any. It is never sent to clients.
	Err error
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func wrapDomainError(err error, status int, code, message string, details any) *DomainError {
	d := domainError(status, code, message, details)
	d.Err = err
	return d
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}
