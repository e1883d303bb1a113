package iscsi

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured engine error with enough context to locate
// the session/connection/command it came from.
type Error struct {
	Op        string    // Operation that failed (e.g., "RX_PDU", "DISPATCH_TM")
	SessionID uint64    // Session ID (0 if not applicable)
	ConnID    int       // Connection number (-1 if not applicable)
	ITT       uint32    // Initiator Task Tag (0 if not applicable)
	Code      ErrorCode // High-level error category
	Msg       string    // Human-readable message
	Inner     error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("sess=%d", e.SessionID))
	}

	if e.ConnID >= 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnID))
	}

	if e.ITT != 0 {
		parts = append(parts, fmt.Sprintf("itt=0x%08x", e.ITT))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("iscsi: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("iscsi: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	ErrCodeProtocolViolation ErrorCode = "protocol violation"
	ErrCodeDigestMismatch    ErrorCode = "digest mismatch"
	ErrCodeUnknownTask       ErrorCode = "unknown task"
	ErrCodeSessionClosed     ErrorCode = "session closed"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeBackendRejected   ErrorCode = "backend rejected command"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// Sentinel errors for conditions callers commonly want to branch on without
// constructing an *Error themselves.
var (
	ErrSessionClosed  = &Error{Code: ErrCodeSessionClosed, Msg: "session closed"}
	ErrInvalidParams  = &Error{Code: ErrCodeInvalidParameters, Msg: "invalid parameters"}
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ConnID: -1, Code: code, Msg: msg}
}

// NewSessionError creates a session-scoped error.
func NewSessionError(op string, sessionID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, SessionID: sessionID, ConnID: -1, Code: code, Msg: msg}
}

// NewCmdError creates a command-scoped error.
func NewCmdError(op string, sessionID uint64, itt uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, SessionID: sessionID, ConnID: -1, ITT: itt, Code: code, Msg: msg}
}

// WrapError wraps an existing error with engine context, preserving any
// structured fields already present on inner.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ie, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			SessionID: ie.SessionID,
			ConnID:    ie.ConnID,
			ITT:       ie.ITT,
			Code:      ie.Code,
			Msg:       ie.Msg,
			Inner:     ie.Inner,
		}
	}

	return &Error{Op: op, ConnID: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
