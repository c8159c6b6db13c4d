package core

import "fmt"

// ProcessStatus is the lifecycle status of a process parent or of one of
// its instances. Parents and instances run separate state machines over
// the same value set; the manager keeps them consistent.
type ProcessStatus string

const (
	StatusPending        ProcessStatus = "pending"
	StatusStarting       ProcessStatus = "starting"
	StatusRunning        ProcessStatus = "running"
	StatusStopping       ProcessStatus = "stopping"
	StatusStopped        ProcessStatus = "stopped"
	StatusCompleted      ProcessStatus = "completed"
	StatusFailed         ProcessStatus = "failed"
	StatusError          ProcessStatus = "error"
	StatusDeleting       ProcessStatus = "deleting"
	StatusUnresponsive   ProcessStatus = "unresponsive"
	StatusWorkersOffline ProcessStatus = "workers offline"
)

// IsTerminal reports whether the status is a resting state that requires
// no active instance.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// IsActive reports whether the status requires a live runtime resource.
func (s ProcessStatus) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// RestartPolicy governs whether and how often a finished instance is
// relaunched automatically.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// RequestVerb is a pending lifecycle operation queued for a parent.
type RequestVerb string

const (
	VerbStart     RequestVerb = "start"
	VerbStop      RequestVerb = "stop"
	VerbRestart   RequestVerb = "restart"
	VerbDelete    RequestVerb = "delete"
	VerbAutoStart RequestVerb = "auto-start"
)

// IsStart reports whether the verb launches a new instance.
func (v RequestVerb) IsStart() bool {
	return v == VerbStart || v == VerbAutoStart || v == VerbRestart
}

// ParentType distinguishes kinds of process parents. The orchestrator
// treats the type as opaque; it only keys queues and locks by it.
type ParentType string

const (
	ParentTypeActivation ParentType = "activation"
)

// ParentRef identifies one process parent.
type ParentRef struct {
	Type ParentType
	ID   int64
}

func (r ParentRef) String() string {
	return fmt.Sprintf("%s-%d", r.Type, r.ID)
}
