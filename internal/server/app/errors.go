package app

import (
	"fmt"

	apperrors "insight/internal/errors"
)

// The application layer reuses the shared sentinels so that the HTTP layer
// can map every error with errors.Is.

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrNotFound)
}

// ConflictError wraps ErrConflict with a descriptive message.
func ConflictError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperrors.ErrConflict)
}
