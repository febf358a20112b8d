// Package errors provides structured error types for the reconciliation engine.
// Every error carries a category, a code, a message and optional details that
// identify the failing node, its key columns and the partition involved.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryEngine     ErrorCategory = "ENGINE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeInvalidPlan    = "INVALID_PLAN"

	// Engine codes
	CodePartitionSpillFailure = "PARTITION_SPILL_FAILURE"
	CodeJoinPrecondition      = "JOIN_PRECONDITION"
	CodeColocationViolation   = "COLOCATION_VIOLATION"
	CodeUpstreamFailed        = "UPSTREAM_FAILED"

	// Storage codes
	CodeReadFailure  = "READ_FAILURE"
	CodeWriteFailure = "WRITE_FAILURE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys shared by the engine and storage layers.
const (
	DetailNode      = "node"
	DetailNodeKind  = "node_kind"
	DetailKeys      = "keys"
	DetailPartition = "partition"
	DetailPath      = "path"
	DetailColumn    = "column"
)

// ReconError is the structured error type used throughout the system.
// Nothing is retried implicitly, so there is no retryable flag.
type ReconError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string. Details are rendered in key order
// so the same failure always prints the same way.
func (e *ReconError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ReconError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ReconError) Is(target error) bool {
	var t *ReconError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ReconError.
func New(category ErrorCategory, code, message string) *ReconError {
	return &ReconError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new ReconError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ReconError {
	return &ReconError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with the given details merged over
// any existing ones.
func (e *ReconError) WithDetails(details map[string]interface{}) *ReconError {
	cp := *e
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

// WithDetail is WithDetails for a single key.
func (e *ReconError) WithDetail(key string, value interface{}) *ReconError {
	return e.WithDetails(map[string]interface{}{key: value})
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ReconError.
func GetCategory(err error) ErrorCategory {
	var re *ReconError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ReconError.
func GetCode(err error) string {
	var re *ReconError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// GetDetail returns a detail value from the first ReconError in the chain
// that carries it.
func GetDetail(err error, key string) (interface{}, bool) {
	for err != nil {
		var re *ReconError
		if !errors.As(err, &re) {
			return nil, false
		}
		if v, ok := re.Details[key]; ok {
			return v, true
		}
		err = re.Cause
	}
	return nil, false
}

// Convenience constructors for common errors.

func NewSchemaMismatch(message string) *ReconError {
	return New(ErrCategoryValidation, CodeSchemaMismatch, message)
}

func NewInvalidPlan(message string) *ReconError {
	return New(ErrCategoryValidation, CodeInvalidPlan, message)
}

func NewSpillFailure(message string, cause error) *ReconError {
	return Wrap(ErrCategoryEngine, CodePartitionSpillFailure, message, cause)
}

func NewJoinPrecondition(message string) *ReconError {
	return New(ErrCategoryEngine, CodeJoinPrecondition, message)
}

func NewColocationViolation(message string) *ReconError {
	return New(ErrCategoryEngine, CodeColocationViolation, message)
}

func NewUpstreamFailed(message string, cause error) *ReconError {
	return Wrap(ErrCategoryEngine, CodeUpstreamFailed, message, cause)
}

func NewReadFailure(message string, cause error) *ReconError {
	return Wrap(ErrCategoryStorage, CodeReadFailure, message, cause)
}

func NewWriteFailure(message string, cause error) *ReconError {
	return Wrap(ErrCategoryStorage, CodeWriteFailure, message, cause)
}

func NewInternalError(message string, cause error) *ReconError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinels for errors.Is comparisons.
var (
	ErrSchemaMismatch        = NewSchemaMismatch("schema mismatch")
	ErrInvalidPlan           = NewInvalidPlan("invalid plan")
	ErrPartitionSpillFailure = NewSpillFailure("partition spill failure", nil)
	ErrJoinPrecondition      = NewJoinPrecondition("join precondition violated")
	ErrColocationViolation   = NewColocationViolation("colocation violated")
	ErrUpstreamFailed        = NewUpstreamFailed("upstream failed", nil)
	ErrReadFailure           = NewReadFailure("read failure", nil)
	ErrWriteFailure          = NewWriteFailure("write failure", nil)
)
