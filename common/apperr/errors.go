// Package apperr defines the error taxonomy shared by the API and the worker.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class in API responses and job failure reasons
type Code string

const (
	CodeValidation      Code = "validation_error"
	CodeNotFound        Code = "not_found"
	CodeDownload        Code = "download_error"
	CodeUpload          Code = "upload_error"
	CodeHashComputation Code = "hash_computation_error"
	CodeInternal        Code = "internal_error"
)

// ValidationError reports malformed input to a public operation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a lookup against an id that does not exist
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// DownloadError reports a network or HTTP failure fetching external media
type DownloadError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// UploadError reports an object-store write failure
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// HashComputationError reports image bytes that could not be decoded or resized
type HashComputationError struct {
	Err error
}

func (e *HashComputationError) Error() string {
	return fmt.Sprintf("compute image hash: %v", e.Err)
}

func (e *HashComputationError) Unwrap() error { return e.Err }

// Validation builds a ValidationError
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// CodeOf classifies err
func CodeOf(err error) Code {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		download   *DownloadError
		upload     *UploadError
		hash       *HashComputationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &hash):
		return CodeHashComputation
	case errors.As(err, &download):
		return CodeDownload
	case errors.As(err, &upload):
		return CodeUpload
	default:
		return CodeInternal
	}
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// Retryable reports whether a job that failed with err should be attempted again.
// Corrupt image bytes will not change on retry, so hash failures are terminal.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound, CodeHashComputation:
		return false
	default:
		return true
	}
}

// HTTPStatus maps err onto a response status
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDownload, CodeUpload:
		return http.StatusBadGateway
	case CodeHashComputation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
