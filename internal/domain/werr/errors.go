// Package werr defines the workflow error taxonomy shared by the provider
// router, the session store, and the pipeline.
package werr

import (
	"errors"
	"fmt"
)

// Category classifies a workflow failure. The category decides retry and
// fallback behavior, so it travels with the error rather than living in log
// text.
type Category string

const (
	// CategoryInvalidInput marks a structural contract violation on a
	// stage's input. Never retried.
	CategoryInvalidInput Category = "invalid_input"

	// CategoryTransientProvider marks timeouts, rate limits, and network
	// faults. Retried within the tier budget, then falls through.
	CategoryTransientProvider Category = "transient_provider_failure"

	// CategoryPermanentProvider marks auth rejections and malformed
	// requests. Skips straight to the next fallback tier.
	CategoryPermanentProvider Category = "permanent_provider_failure"

	// CategoryOutputValidation marks a provider response that failed the
	// declared output shape. Treated as if the tier failed entirely.
	CategoryOutputValidation Category = "output_validation_failure"

	// CategoryStorageUnavailable marks a session store read/write failure.
	// Fatal to the current attempt; the run stays resumable.
	CategoryStorageUnavailable Category = "storage_unavailable"
)

// WorkflowError wraps an error with its taxonomy category.
type WorkflowError struct {
	Category Category
	Err      error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// New creates a categorized error from a format string.
func New(cat Category, format string, args ...interface{}) error {
	return &WorkflowError{Category: cat, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a category to an existing error. A nil err returns nil.
// An already-categorized error keeps its original category.
func Wrap(cat Category, err error) error {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return err
	}
	return &WorkflowError{Category: cat, Err: err}
}

// CategoryOf extracts the category from an error chain. Uncategorized
// errors report an empty category.
func CategoryOf(err error) Category {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Category
	}
	return ""
}

// IsTransient reports whether the error is a transient provider failure,
// i.e. eligible for retry or fallback.
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransientProvider
}

// IsPermanent reports whether the error is a permanent provider failure.
func IsPermanent(err error) bool {
	return CategoryOf(err) == CategoryPermanentProvider
}
