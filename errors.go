package printfleet

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured fleet error with operation and printer context
type Error struct {
	Op      string    // Operation that failed (e.g., "CONNECT", "UPLOAD")
	Printer string    // Printer name ("" if not applicable)
	Code    ErrorCode // High-level error category
	Msg     string    // Human-readable message
	Inner   error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Printer != "" {
		parts = append(parts, fmt.Sprintf("printer=%s", e.Printer))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("printfleet: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("printfleet: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeTransport covers devices that cannot be opened and I/O that
	// failed mid-exchange.
	ErrCodeTransport ErrorCode = "transport failed"

	// ErrCodeHandshake means the device opened but never answered M115.
	ErrCodeHandshake ErrorCode = "handshake failed"

	// ErrCodeInvalid covers bad names, ports, paths and state
	// preconditions (duplicate printer, queue empty, print in progress).
	ErrCodeInvalid ErrorCode = "invalid argument"

	// ErrCodeUpload means the SD card rejected the file or a transfer
	// line came back with an error.
	ErrCodeUpload ErrorCode = "upload failed"

	// ErrCodeJob wraps failures of the background print-job worker; it is
	// always paired with the printer's job-error flag.
	ErrCodeJob ErrorCode = "print job failed"

	// ErrCodePrinterNotFound means no printer with that name is in the
	// fleet.
	ErrCodePrinterNotFound ErrorCode = "printer not found"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewPrinterError creates a new printer-specific error
func NewPrinterError(op, printer string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:      op,
		Printer: printer,
		Code:    code,
		Msg:     msg,
	}
}

// WrapError wraps an existing error with fleet context
func WrapError(op, printer string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if fe, ok := inner.(*Error); ok {
		return &Error{
			Op:      op,
			Printer: fe.Printer,
			Code:    fe.Code,
			Msg:     fe.Msg,
			Inner:   fe.Inner,
		}
	}

	return &Error{
		Op:      op,
		Printer: printer,
		Code:    code,
		Msg:     inner.Error(),
		Inner:   inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var fleetErr *Error
	if errors.As(err, &fleetErr) {
		return fleetErr.Code == code
	}
	return false
}
