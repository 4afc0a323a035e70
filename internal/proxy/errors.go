package proxy

import (
	"errors"
	"fmt"
)

// ErrCallTimeout is returned when no response arrives within the configured
// bound. It is distinct from a remote execution failure so callers can
// choose to retry.
var ErrCallTimeout = errors.New("call timed out")

// ErrCallCanceled is returned when the work is killed while a caller awaits
// its response.
var ErrCallCanceled = errors.New("call canceled")

// ErrWorkFailed is returned when a call is attempted against a work in the
// failed status. The work must be restarted before it accepts calls again.
var ErrWorkFailed = errors.New("work is in failed state")

// ConfigurationError reports a fatal precondition failure, such as running
// a work that was never attached to a parent. It is never retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// RemoteExecutionError re-raises a failure from the remote execution
// context, preserving the original error's classification and message.
type RemoteExecutionError struct {
	WorkName string
	Seq      uint64
	Type     string
	Message  string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote execution failed in work %q (call %d): %s: %s",
		e.WorkName, e.Seq, e.Type, e.Message)
}
