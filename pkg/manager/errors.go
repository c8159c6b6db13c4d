package manager

import (
	"errors"
	"fmt"

	"github.com/rulefleet/rulefleet/pkg/queuehealth"
)

// ErrNoCapacity reports that the running-process ceiling is reached.
// Retryable: the start request stays queued until capacity frees up.
var ErrNoCapacity = errors.New("no capacity for new processes")

// StartError reports a failed start operation. The parent's status
// message always carries the reason before this is returned.
type StartError struct {
	Msg string
	Err error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start failed: %s: %v", e.Msg, e.Err)
	}
	return "start failed: " + e.Msg
}

func (e *StartError) Unwrap() error { return e.Err }

// StopError reports a failed stop operation.
type StopError struct {
	Msg string
	Err error
}

func (e *StopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stop failed: %s: %v", e.Msg, e.Err)
	}
	return "stop failed: " + e.Msg
}

func (e *StopError) Unwrap() error { return e.Err }

// MonitorError reports a failed monitor pass.
type MonitorError struct {
	Msg string
	Err error
}

func (e *MonitorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("monitor failed: %s: %v", e.Msg, e.Err)
	}
	return "monitor failed: " + e.Msg
}

func (e *MonitorError) Unwrap() error { return e.Err }

// OperationError covers the remaining lifecycle failures, e.g.
// deleting a parent that does not exist.
type OperationError struct {
	Msg string
	Err error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is transient infrastructure
// pressure rather than a logical error. Retryable failures leave the
// request queued for the next monitor sweep.
func IsRetryable(err error) bool {
	return errors.Is(err, queuehealth.ErrHealthyQueueNotFound) ||
		errors.Is(err, ErrNoCapacity)
}
