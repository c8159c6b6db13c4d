package core

import (
	"strings"
	"time"
)

// Credential is a registry credential attached to a parent's image
// reference. The secret is injected by an external credential layer;
// this package only carries it to the container engine.
type Credential struct {
	Username string
	Secret   string
}

// ProcessParent is the desired-state record for one managed automation.
// Desired-state fields are owned by the configuration layer; status
// fields are owned by the process manager.
type ProcessParent struct {
	ID           int64
	Type         ParentType
	Name         string
	Enabled      bool
	RulebookName string
	// Rulebook is an immutable snapshot of the ruleset content used for
	// this run, taken when the parent was configured.
	Rulebook string
	ImageURL string
	// TokenAttached reports whether a controller token credential is
	// bound to this parent. Rulebooks that call controller job templates
	// cannot start without one.
	TokenAttached      bool
	RegistryCredential *Credential

	RestartPolicy RestartPolicy
	// MaxRestarts bounds automatic restarts after failures. Negative
	// means unlimited.
	MaxRestarts int

	RestartCount int
	FailureCount int

	Status          ProcessStatus
	StatusMessage   string
	StatusUpdatedAt time.Time

	// LatestInstanceID points at the most recently created instance.
	// Zero when no instance has ever been created.
	LatestInstanceID int64
}

// Ref returns the parent's reference.
func (p *ProcessParent) Ref() ParentRef {
	return ParentRef{Type: p.Type, ID: p.ID}
}

// Keywords in ruleset content that require a controller token.
var tokenRequiredActions = []string{
	"run_job_template",
	"run_workflow_template",
}

// NeedsToken reports whether the parent's rulebook references actions
// that require a controller token credential.
func (p *ProcessParent) NeedsToken() bool {
	for _, action := range tokenRequiredActions {
		if strings.Contains(p.Rulebook, action) {
			return true
		}
	}
	return false
}

// ProcessInstance is one concrete run of a parent.
type ProcessInstance struct {
	ID         int64
	ParentType ParentType
	ParentID   int64
	Name       string

	Status        ProcessStatus
	StatusMessage string

	// RuntimeHandle is the opaque id assigned by the container engine.
	// Empty when no runtime resource is attached.
	RuntimeHandle string

	StartedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time
}

// ParentRef returns the owning parent's reference.
func (i *ProcessInstance) ParentRef() ParentRef {
	return ParentRef{Type: i.ParentType, ID: i.ParentID}
}

// QueueAssignment records which worker queue an instance runs on.
type QueueAssignment struct {
	InstanceID int64
	QueueName  string
}

// RequestEntry is one pending lifecycle verb for a parent. Entries for
// a given parent are processed strictly in enqueue (id) order. An
// entry whose ProcessAfter lies in the future is held back at drain
// time; scheduled restarts use this so the delay survives an
// orchestrator restart.
type RequestEntry struct {
	ID           int64
	ParentType   ParentType
	ParentID     int64
	Verb         RequestVerb
	EnqueuedAt   time.Time
	ProcessAfter time.Time
}

// Ready reports whether the entry may be applied at the given time.
func (e RequestEntry) Ready(now time.Time) bool {
	return !e.ProcessAfter.After(now)
}

// TransitionEvent is emitted on every parent status change.
type TransitionEvent struct {
	ParentType ParentType    `json:"parent_type"`
	ParentID   int64         `json:"parent_id"`
	OldStatus  ProcessStatus `json:"old_status"`
	NewStatus  ProcessStatus `json:"new_status"`
	Message    string        `json:"message,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// HeartbeatReport is the periodic liveness report sent by a rulebook
// worker over the status channel.
type HeartbeatReport struct {
	InstanceID int64            `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Stats      map[string]int64 `json:"stats,omitempty"`
}
