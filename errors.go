package walblog

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured walblog error with context and errno
// mapping.
type Error struct {
	Op    string        // Operation that failed (e.g., "OPEN", "WRITE", "REDO")
	DevID uint32        // Device ID (0 if not applicable)
	Queue int           // Stage index, for pipeline errors (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Underlying errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("stage=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("walblog: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("walblog: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides errors.Is support comparing by error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(SentinelError); ok {
		return e.Code == ErrorCode(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents a high-level error category.
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeDeviceOffline      ErrorCode = "device offline"

	// ErrCodeReadOnly reports a write attempted against a frozen or
	// read-only device.
	ErrCodeReadOnly ErrorCode = "device is read-only"
	// ErrCodeLogOverflow reports the ring invariant latest-oldest <=
	// ring_size would be violated.
	ErrCodeLogOverflow ErrorCode = "log ring overflow"
	// ErrCodeCorruptLog reports a checksum or structural validation
	// failure while decoding a logpack or superblock.
	ErrCodeCorruptLog ErrorCode = "corrupt log"
	// ErrCodeRingTooSmall reports a ring geometry that cannot hold even
	// one maximal logpack.
	ErrCodeRingTooSmall ErrorCode = "ring buffer too small"
	// ErrCodeIncompatibleBlockSize reports a logical/physical block size
	// combination the device cannot serve.
	ErrCodeIncompatibleBlockSize ErrorCode = "incompatible block size"
)

// SentinelError is a bare error-category value usable with errors.Is
// against a structured *Error.
type SentinelError string

func (e SentinelError) Error() string { return string(e) }

// Sentinel error values for errors.Is comparisons.
const (
	ErrNotImplemented        SentinelError = SentinelError(ErrCodeNotImplemented)
	ErrDeviceNotFound        SentinelError = SentinelError(ErrCodeDeviceNotFound)
	ErrDeviceBusy            SentinelError = SentinelError(ErrCodeDeviceBusy)
	ErrInvalidParameters     SentinelError = SentinelError(ErrCodeInvalidParameters)
	ErrPermissionDenied      SentinelError = SentinelError(ErrCodePermissionDenied)
	ErrInsufficientMemory    SentinelError = SentinelError(ErrCodeInsufficientMemory)
	ErrReadOnly              SentinelError = SentinelError(ErrCodeReadOnly)
	ErrLogOverflow           SentinelError = SentinelError(ErrCodeLogOverflow)
	ErrCorruptLog            SentinelError = SentinelError(ErrCodeCorruptLog)
	ErrRingTooSmall          SentinelError = SentinelError(ErrCodeRingTooSmall)
	ErrIncompatibleBlockSize SentinelError = SentinelError(ErrCodeIncompatibleBlockSize)
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying an errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewDeviceError creates a new device-specific error.
func NewDeviceError(op string, devID uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: -1, Code: code, Msg: msg}
}

// NewStageError creates a pipeline-stage-specific error.
func NewStageError(op string, devID uint32, stage int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, DevID: devID, Queue: stage, Code: code, Msg: msg}
}

// WrapError wraps an existing error with walblog context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if we, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: we.DevID, Queue: we.Queue, Code: we.Code, Errno: we.Errno, Msg: we.Msg, Inner: we.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Queue: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Queue: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EROFS:
		return ErrCodeReadOnly
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Errno == errno
	}
	return false
}
