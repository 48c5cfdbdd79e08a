package util

import (
	"errors"
	"fmt"
)

// Error categories. Concrete errors wrap one of these so callers can branch
// with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrDailyLimitExceeded = errors.New("daily AI usage limit exceeded")
	ErrExternalCall       = errors.New("external call failed")
	ErrPersistence        = errors.New("persistence error")
)

var (
	ErrNoExtractableText = fmt.Errorf("%w: no extractable text found in PDF", ErrValidation)
	ErrCorruptDocument   = fmt.Errorf("%w: document could not be parsed", ErrValidation)
	ErrInvalidWindow     = fmt.Errorf("%w: overlap must be smaller than window size", ErrValidation)
	ErrInvalidQuestion   = fmt.Errorf("%w: question is required", ErrValidation)
	ErrFileTooLarge      = fmt.Errorf("%w: file exceeds upload limit", ErrValidation)
	ErrUnsupportedFile   = fmt.Errorf("%w: only PDF files are supported", ErrValidation)
	ErrEmptyContent      = fmt.Errorf("%w: document has no content", ErrValidation)
	ErrStatusConflict    = fmt.Errorf("%w: document is not in the expected processing state", ErrValidation)
)

// Kind names the category of err, or "" when it matches none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "rate_limit"
	case errors.Is(err, ErrExternalCall):
		return "external"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return ""
	}
}

// Retryable reports whether a job runner should try err again.
func Retryable(err error) bool {
	switch Kind(err) {
	case "validation", "not_found", "forbidden", "rate_limit":
		return false
	default:
		return err != nil
	}
}

// External wraps a provider failure as ErrExternalCall.
func External(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalCall, op, err)
}

// Persistence wraps a storage failure as ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
