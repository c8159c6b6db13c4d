// Package engine abstracts the runtime that hosts rulebook worker
// processes. Variants exist for a bare local process, a container
// runtime over its unix-socket API, and cluster-orchestrated pods.
// Callers interact only with opaque runtime handles.
package engine

import (
	"context"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// Status is a point-in-time liveness report for a runtime handle.
type Status struct {
	Status  core.ProcessStatus
	Message string
}

// Request describes the worker to launch.
type Request struct {
	// InstanceName becomes the container/pod/process name. Unique per
	// instance.
	InstanceName string
	InstanceID   int64
	ParentID     int64

	Image   string
	CmdLine CommandLine
	Env     map[string]string
	Ports   []int
	// MemLimit is a runtime-specific memory bound, e.g. "512m". Empty
	// means unbounded.
	MemLimit string

	// Credential authenticates image pulls against a private registry.
	Credential *core.Credential
}

// LogSink receives worker output collected by UpdateLogs.
type LogSink interface {
	AppendInstanceLog(ctx context.Context, instanceID int64, lines []string) error
}

// Engine is the capability set every runtime variant provides.
type Engine interface {
	// Start launches the worker and returns its runtime handle.
	Start(ctx context.Context, req Request) (string, error)

	// GetStatus reports current liveness. Returns ErrContainerNotFound
	// when the handle no longer exists so callers can fold it into the
	// already-stopped path.
	GetStatus(ctx context.Context, handle string) (Status, error)

	// Cleanup force-stops and removes the runtime resource. Calling it
	// on an already-gone handle is a no-op.
	Cleanup(ctx context.Context, handle string) error

	// UpdateLogs flushes output produced since the last call into the
	// sink. Best effort; failures are reported but non-fatal to
	// lifecycle operations.
	UpdateLogs(ctx context.Context, handle string, instanceID int64, sink LogSink) error
}
