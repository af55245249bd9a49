package errors

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrNoPlatformsConfigured = errors.New("no platforms configured")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	ErrInvalidStreamKey      = errors.New("stream key contains control characters")
	ErrInvalidConfig         = errors.New("invalid relay configuration")
)

// Process errors
var (
	ErrExecutableNotFound  = errors.New("media server executable not found")
	ErrSpawnFailed         = errors.New("media server failed to start")
	ErrConfigWriteFailed   = errors.New("failed to write media server configuration")
	ErrStopTimeoutExceeded = errors.New("media server did not exit after forced termination")
	ErrAlreadyRunning      = errors.New("relay already running")
	ErrNotRunning          = errors.New("relay not running")
)

// Runtime errors
var (
	ErrProcessExited = errors.New("process exited unexpectedly")
)

// Kind is the stable category of a relay error.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProcess       Kind = "process"
	KindRuntime       Kind = "runtime"
	KindUnknown       Kind = "unknown"
)

// RelayError is a structured error for relay operations. Platform names the
// destination involved, if any; the stream key is never recorded.
type RelayError struct {
	Kind     Kind
	Op       string // Operation that failed (e.g., "start", "write_config")
	Platform string
	Err      error
}

func (e *RelayError) Error() string {
	if e.Platform != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Platform, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is matches the wrapped error chain.
func (e *RelayError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Err, target)
}

func newRelayError(kind Kind, op, platform string, err error) *RelayError {
	return &RelayError{Kind: kind, Op: op, Platform: platform, Err: err}
}

// NewConfigurationError wraps err as a configuration error.
func NewConfigurationError(op, platform string, err error) *RelayError {
	return newRelayError(KindConfiguration, op, platform, err)
}

// NewProcessError wraps err as a process error.
func NewProcessError(op string, err error) *RelayError {
	return newRelayError(KindProcess, op, "", err)
}

// NewRuntimeError wraps err as a runtime failure.
func NewRuntimeError(op string, err error) *RelayError {
	return newRelayError(KindRuntime, op, "", err)
}

// KindOf returns the kind of the outermost RelayError in err's chain, falling
// back to the kind implied by a bare sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	switch {
	case errors.Is(err, ErrNoPlatformsConfigured),
		errors.Is(err, ErrUnsupportedPlatform),
		errors.Is(err, ErrInvalidStreamKey),
		errors.Is(err, ErrInvalidConfig):
		return KindConfiguration
	case errors.Is(err, ErrExecutableNotFound),
		errors.Is(err, ErrSpawnFailed),
		errors.Is(err, ErrConfigWriteFailed),
		errors.Is(err, ErrStopTimeoutExceeded),
		errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrNotRunning):
		return KindProcess
	case errors.Is(err, ErrProcessExited):
		return KindRuntime
	}
	return KindUnknown
}
