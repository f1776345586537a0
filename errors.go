package sshchan

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation is attempted without a live session or stream.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when a deadline passes while an operation keeps reporting that it
	// would block.
	ErrTimeout = errors.New("connection timeout")

	// ErrInvalidFingerprint is returned when the fingerprint validation handler rejects the
	// server's host key.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrAuthenticationFailed is returned when no usable authentication method exists or the server
	// rejects the supplied credential.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrWouldBlock is returned by non-blocking SecureSession and Stream calls which cannot
	// complete yet. Callers retry once the session signals readiness.
	ErrWouldBlock = errors.New("operation would block")
)

// Error codes reported by SecureSession.LastError. The values follow the numbering used by most
// SSH client libraries so that codes seen in logs are recognizable.
const (
	CodeNone             = 0
	CodeSocketSend       = -7
	CodeKeyExchange      = -8
	CodeSocketDisconnect = -13
	CodeAuthFailed       = -18
	CodeChannelFailure   = -21
	CodeChannelClosed    = -26
	CodeWouldBlock       = -37
	CodeSocketRecv       = -43
)

// UnknownError is an uncategorized failure. It always carries a human-readable message.
type UnknownError struct {
	Message string
}

func (e *UnknownError) Error() string { return e.Message }

// Unknown creates an UnknownError from a format string.
func Unknown(format string, a ...interface{}) error {
	return &UnknownError{fmt.Sprintf(format, a...)}
}

// TransportError is an error propagated from the secure session's last-error state. Code is the
// native code, kept for diagnostics.
type TransportError struct {
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ssh error %d", e.Code)
	}
	return e.Message
}

// IsReceiveFailure reports whether err is a transport error raised while receiving from the
// socket.
func IsReceiveFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Code == CodeSocketRecv
}

// isTyped reports whether err already belongs to the error taxonomy of this package, in which case
// it is propagated as-is rather than re-mapped through the session's last error.
func isTyped(err error) bool {
	var (
		te *TransportError
		ue *UnknownError
	)
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInvalidFingerprint), errors.Is(err, ErrAuthenticationFailed):
		return true
	case errors.As(err, &te), errors.As(err, &ue):
		return true
	}
	return false
}
