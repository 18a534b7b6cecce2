package gocnc

import (
	"errors"
	"fmt"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrPortUnavailable    = errors.New("port unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrNotOpen            = errors.New("connection not open")
	ErrNilConnection      = errors.New("connection is nil")
	ErrUnsupported        = errors.New("not supported by dialect")
	ErrCommandTooLong     = errors.New("command exceeds controller buffer")
	ErrSettingsIncomplete = errors.New("settings dump incomplete")
	ErrDispatcherStopped  = errors.New("dispatcher stopped")
)

// TransportError is returned when opening, writing to or closing a
// connection fails. It is never retried by the core.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError describes a line the active dialect could not make sense of.
// The line is dropped and the in-flight window is left untouched.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// CommandError is a response the dialect classified as an error.
type CommandError struct {
	Command  *Command
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command.EncodedText(), e.Response)
}

// DispatchFailure is recorded when a listener panics inside the async
// dispatcher. The dispatcher is stopped for good after that.
type DispatchFailure struct {
	Event Event
	Value any
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("listener failed on %s: %v", e.Event.Type, e.Value)
}

type TimeoutError struct {
	Timeout time.Duration
	Op      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%dms)", e.Op, e.Timeout.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
