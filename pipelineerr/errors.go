// Package pipelineerr defines the typed error taxonomy returned across
// the orchestrator's public operations: validation, state, not-found,
// and internal errors, each carrying one of a fixed set of codes.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure a caller should branch on.
type Code string

const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeInternal           Code = "INTERNAL"
)

// Error is the concrete error type every public operation returns on
// failure. Op names the operation that failed (e.g. "claim_stage").
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// Wrap builds an Error that wraps an existing cause.
func Wrap(op string, code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the Code carried by err, or CodeInternal if err is not
// (or does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
