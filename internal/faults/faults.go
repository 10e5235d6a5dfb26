// Package faults defines the error taxonomy shared by the retry executor,
// the workers and the error tracker, plus the tracker itself.
package faults

import (
	"errors"
	"fmt"
)

// Category classifies an error by its origin. Categories decide retryability:
// validation errors are the caller's fault and are never retried, system
// errors are fatal, the rest are transient.
type Category string

const (
	CategoryValidation Category = "validation_error"
	CategoryNetwork    Category = "network_error"
	CategoryResource   Category = "resource_error"
	CategoryModel      Category = "model_error"
	CategoryProcessing Category = "processing_error"
	CategorySystem     Category = "system_error"
)

// Retryable reports whether errors of this category may be retried.
func (c Category) Retryable() bool {
	switch c {
	case CategoryValidation, CategorySystem:
		return false
	default:
		return true
	}
}

// Severity tags an error for logging and health derivation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the explicit result type for downstream failures: a category, a
// severity and the underlying cause, checked with errors.As instead of
// exception-style control flow.
type Error struct {
	Category Category
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a category and severity.
func New(category Category, severity Severity, err error) *Error {
	return &Error{Category: category, Severity: severity, Err: err}
}

// Newf wraps a formatted message with a category and severity.
func Newf(category Category, severity Severity, format string, args ...any) *Error {
	return &Error{Category: category, Severity: severity, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the category and severity from err. Untyped errors
// default to a medium-severity processing error.
func Classify(err error) (Category, Severity) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category, fe.Severity
	}
	return CategoryProcessing, SeverityMedium
}

// Retryable reports whether err belongs to a retryable category.
func Retryable(err error) bool {
	category, _ := Classify(err)
	return category.Retryable()
}
