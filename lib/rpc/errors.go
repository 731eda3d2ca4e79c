// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
)

// Code classifies a remote failure. Codes travel in error frames.
type Code string

const (
	CodeActionNotFound   Code = "action_not_found"
	CodeNoTarget         Code = "no_target"
	CodeValidationFailed Code = "validation_failed"
	CodeHandlerRejected  Code = "handler_rejected"
	CodeUnknown          Code = "unknown"
)

// Messages sent for protocol failures.
const (
	MessageActionNotFound = "Action not found"
	MessageNoTarget       = "No target provided"
	MessageUnknown        = "Unknown error occurred"
)

var (
	ErrActionNotFound   = errors.New("action not found")
	ErrNoTarget         = errors.New("no target")
	ErrValidationFailed = errors.New("validation failed")
	ErrHandlerRejected  = errors.New("handler rejected")
	ErrUnknown          = errors.New("unknown error")

	// ErrClosed is returned for calls that were pending, or issued,
	// after the endpoint closed.
	ErrClosed = errors.New("rpc endpoint closed")

	// ErrTimeout is returned when a call exceeds the endpoint's
	// CallTimeout.
	ErrTimeout = errors.New("rpc call timed out")
)

// CallError is a failure reported by the remote endpoint. Error
// returns the remote message verbatim.
type CallError struct {
	Code    Code
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for e.Code.
func (e *CallError) Unwrap() error {
	switch e.Code {
	case CodeActionNotFound:
		return ErrActionNotFound
	case CodeNoTarget:
		return ErrNoTarget
	case CodeValidationFailed:
		return ErrValidationFailed
	case CodeHandlerRejected:
		return ErrHandlerRejected
	default:
		return ErrUnknown
	}
}

// Reject returns an error that a handler can return to choose the code
// and message sent to the caller.
func Reject(code Code, message string) error {
	return &CallError{Code: code, Message: message}
}
