// Package tools provides the tool registry and execution framework.
//
// This file defines the typed errors returned by registration and
// execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned when a tool call targets a name that is
// not present in the resolved registry. It indicates a capability
// mismatch, not a transient failure: the run must stop rather than
// retry or skip the call.
type ErrToolNotFound struct {
	Name string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.Name)
}

// ErrInvalidArguments is returned when a call's arguments fail the
// tool's input schema. The handler is not invoked.
type ErrInvalidArguments struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Name, e.Err)
}

// Unwrap returns the validation error.
func (e *ErrInvalidArguments) Unwrap() error { return e.Err }

// ErrToolExecutionFailed wraps an error returned (or a panic raised) by
// a tool handler.
type ErrToolExecutionFailed struct {
	Name   string
	CallID string
	Err    error
}

// Error implements the error interface.
func (e *ErrToolExecutionFailed) Error() string {
	return fmt.Sprintf("tool %q (call %s) failed: %v", e.Name, e.CallID, e.Err)
}

// Unwrap returns the handler's error.
func (e *ErrToolExecutionFailed) Unwrap() error { return e.Err }

// ErrInvalidDefinition is returned by [Registry.Register] for a tool
// without a name or handler, or whose parameter schema does not
// compile.
var ErrInvalidDefinition = errors.New("invalid tool definition")
