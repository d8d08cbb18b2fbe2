package errors

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Sentinel errors shared by every layer. Callers classify with errors.Is and
// the HTTP layer maps them onto status codes.
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuth           = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrBusUnavailable = errors.New("bus unavailable")
	ErrStorage        = errors.New("storage failure")
)

// ErrorType represents the classification of errors for retry logic
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
	// ErrorTypeDegraded - can continue with reduced functionality
	ErrorTypeDegraded
)

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	RetryAfter int // Seconds the caller should wait before trying again
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// DegradedError represents an error where service can continue with reduced functionality
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("degraded error: %v", e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// FieldIssue describes a single invalid input field.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a request. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Fields []FieldIssue
}

// NewValidationError builds a ValidationError from a field->message map.
// Fields are sorted so messages are stable.
func NewValidationError(issues map[string]string) *ValidationError {
	keys := make([]string, 0, len(issues))
	for k := range issues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]FieldIssue, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, FieldIssue{Field: k, Message: issues[k]})
	}
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StorageError wraps a failed durable write or read. It matches ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("storage: %v", e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// BusUnavailable returns the transient error reported while the bus refuses
// publishes.
func BusUnavailable(failures int) error {
	return &TransientError{
		Err:     ErrBusUnavailable,
		Message: fmt.Sprintf("bus unavailable after %d consecutive delivery failures", failures),
	}
}

// RateLimited returns the transient error for a caller over its quota.
// RetryAfter is the window rounded up to whole seconds, never below one.
func RateLimited(window time.Duration) error {
	secs := int(math.Ceil(window.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &TransientError{Err: ErrRateLimited, RetryAfter: secs, Message: ErrRateLimited.Error()}
}

// RetryAfter reports the wait hint carried by a transient error, or 0.
func RetryAfter(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return transientErr.RetryAfter
	}
	return 0
}

// IsTransient checks if an error is retry-able
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound)
}

// IsDegraded checks if an error allows degraded operation
func IsDegraded(err error) bool {
	if err == nil {
		return false
	}
	var degradedErr *DegradedError
	return errors.As(err, &degradedErr)
}

// GetErrorType returns the classification of an error
func GetErrorType(err error) ErrorType {
	if IsDegraded(err) {
		return ErrorTypeDegraded
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
