package error

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCategory classifies errors by their nature and appropriate handling strategy.
// The carry driver uses the category to decide between restarting a level and
// aborting the whole propagation.
type ErrorCategory int

const (
	// ErrCategoryUser represents errors caused by an invalid request from the
	// code issuing a tree mutation: missing key, duplicate key, oversized item.
	ErrCategoryUser ErrorCategory = iota

	// ErrCategoryTransient represents expected contention that succeeds when the
	// same step is attempted again: lock incompatibility, deadlock-avoidance refusal.
	ErrCategoryTransient

	// ErrCategorySystem represents resource exhaustion and subsystem aborts.
	// These errors cannot be resolved by retrying.
	ErrCategorySystem

	// ErrCategoryData represents structural problems with tree nodes:
	// a node that is being destroyed, or a node whose content is inconsistent.
	ErrCategoryData

	// ErrCategoryConcurrency represents a low-priority lock stack that was asked
	// to yield to a high-priority requester.
	ErrCategoryConcurrency
)

// Error codes shared by the lock manager, the carry engine and its collaborators.
const (
	CodeRetry            = "RETRY"
	CodeDeadlockDetected = "DEADLOCK_DETECTED"
	CodeInvalidNode      = "INVALID_NODE"
	CodeOutOfSpace       = "OUT_OF_SPACE"
	CodeNoMemory         = "NO_MEMORY"
	CodeCorrupted        = "CORRUPTED"
	CodeCarryAborted     = "CARRY_ABORTED"
	CodeTreeAborted      = "TREE_ABORTED"
	CodeNotFound         = "NOT_FOUND"
	CodeExists           = "EXISTS"
	CodeItemTooLarge     = "ITEM_TOO_LARGE"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
)

// DBError represents a structured error with rich context information.
type DBError struct {
	// Code is a unique identifier for this error type (e.g., "DEADLOCK_DETECTED", "OUT_OF_SPACE").
	Code string

	// Category classifies the error for appropriate handling strategy.
	Category ErrorCategory

	// Message is a human-readable description of what went wrong.
	Message string

	// Detail provides additional context about the specific error instance.
	// Example: "node #42 level 2" where Message might be "node is dying".
	Detail string

	// Hint suggests how the caller might work around this error.
	Hint string

	// Operation identifies the operation that was being performed when the error occurred.
	// Examples: "Acquire", "LockLevel", "Carry", "Insert".
	Operation string

	// Component identifies the system component where the error originated.
	// Examples: "LockManager", "Carry", "Layout", "Allocator".
	Component string

	// Cause is the underlying error that triggered this error.
	Cause error

	// Stack contains the call stack where this error was created.
	// Used for debugging and is automatically captured in New() and Wrap().
	Stack []uintptr
}

// New creates a new DBError with the specified code, category, and message.
func New(category ErrorCategory, code, message string) *DBError {
	err := &DBError{
		Code:     code,
		Category: category,
		Message:  message,
		Stack:    captureStack(),
	}
	return err
}

// Wrap wraps an existing error with context information.
// If the error is already a DBError, it enriches the existing error with
// operation and component context (only if not already set).
func Wrap(err error, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}

	if dbErr, ok := err.(*DBError); ok {
		if dbErr.Operation == "" {
			dbErr.Operation = operation
		}
		if dbErr.Component == "" {
			dbErr.Component = component
		}
		return dbErr
	}

	return &DBError{
		Code:      code,
		Category:  ErrCategorySystem,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		Cause:     err,
		Stack:     captureStack(),
	}
}

// WithDetail sets Detail and returns the receiver for chaining.
func (e *DBError) WithDetail(format string, args ...any) *DBError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// In records where the error was produced and returns the receiver.
func (e *DBError) In(operation, component string) *DBError {
	e.Operation = operation
	e.Component = component
	return e
}

// Retry reports transient contention; the failed step should be attempted again.
func Retry(detail string) *DBError {
	e := New(ErrCategoryTransient, CodeRetry, "operation must be restarted")
	e.Detail = detail
	return e
}

// Deadlock reports that a low-priority lock stack was signaled to yield.
func Deadlock(detail string) *DBError {
	e := New(ErrCategoryConcurrency, CodeDeadlockDetected, "lock stack must release its locks")
	e.Detail = detail
	e.Hint = "release every lock held by the stack and restart the operation"
	return e
}

// Invalid reports that the target node is dying or already removed from the tree.
func Invalid(detail string) *DBError {
	e := New(ErrCategoryData, CodeInvalidNode, "node is being removed from the tree")
	e.Detail = detail
	return e
}

// captureStack captures the current call stack for debugging purposes.
// It skips the first 3 frames to exclude captureStack, New/Wrap, and the
// immediate caller, focusing on the actual error origin.
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// Error implements the standard Go error interface
//
// The format follows the pattern:
// [ERROR_CODE] Message: Detail (operation: Operation, component: Component) caused by: underlying error
func (e *DBError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Detail != "" {
		b.WriteString(fmt.Sprintf(": %s", e.Detail))
	}

	if e.Operation != "" {
		b.WriteString(fmt.Sprintf(" (operation: %s", e.Operation))
		if e.Component != "" {
			b.WriteString(fmt.Sprintf(", component: %s", e.Component))
		}
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(" caused by: %v", e.Cause))
	}

	return b.String()
}

// Unwrap returns the underlying cause error, enabling error chain traversal
// with Go's standard error handling functions like errors.Is and errors.As.
func (e *DBError) Unwrap() error {
	return e.Cause
}

// FormatStack returns a human-readable stack trace for debugging purposes.
func (e *DBError) FormatStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(e.Stack)

	b.WriteString("Stack trace:\n")
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("  %s\n    %s:%d\n",
			f.Function, f.File, f.Line))
		if !more {
			break
		}
	}

	return b.String()
}

// CodeOf returns the code of the outermost DBError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		return dbErr.Code
	}
	return ""
}

// HasCode reports whether the outermost DBError in err's chain carries code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetry reports whether err asks for the current step to be restarted.
func IsRetry(err error) bool {
	return HasCode(err, CodeRetry)
}

// IsDeadlock reports whether err is a deadlock-avoidance unwind request.
func IsDeadlock(err error) bool {
	return HasCode(err, CodeDeadlockDetected)
}

// IsInvalid reports whether err was caused by a dying node.
func IsInvalid(err error) bool {
	return HasCode(err, CodeInvalidNode)
}

// IsRestartable reports whether an operation failing with err can simply be
// attempted again after releasing every lock it holds.
func IsRestartable(err error) bool {
	switch CodeOf(err) {
	case CodeRetry, CodeDeadlockDetected, CodeInvalidNode:
		return true
	}
	return false
}

// IsFatal reports whether err must abort the subsystem instance.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var dbErr *DBError
	if !errors.As(err, &dbErr) {
		return true
	}
	return dbErr.Category == ErrCategorySystem ||
		(dbErr.Category == ErrCategoryData && dbErr.Code != CodeInvalidNode)
}
