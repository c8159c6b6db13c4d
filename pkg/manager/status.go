package manager

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
)

// setStatus persists the parent's status, keeps the local copy in
// sync, and emits the transition event. An empty message leaves the
// previous message in place.
func (m *Manager) setStatus(ctx context.Context, parent *core.ProcessParent, status core.ProcessStatus, message string) {
	if parent.Status == status {
		if message != "" && message != parent.StatusMessage {
			m.updateParent(ctx, parent, core.ParentPatch{StatusMessage: core.Ptr(message)})
			parent.StatusMessage = message
		}
		return
	}
	old := parent.Status

	patch := core.ParentPatch{Status: core.Ptr(status)}
	if message != "" {
		patch.StatusMessage = core.Ptr(message)
	}
	m.updateParent(ctx, parent, patch)
	parent.Status = status
	if message != "" {
		parent.StatusMessage = message
	}

	m.metrics.StatusTransition(parent.Type, old, status)
	event := core.TransitionEvent{
		ParentType: parent.Type,
		ParentID:   parent.ID,
		OldStatus:  old,
		NewStatus:  status,
		Message:    message,
		Timestamp:  m.now().UTC(),
	}
	if err := m.notifier.PublishTransition(ctx, event); err != nil {
		slog.Warn("transition publish failed", "parent", parent.Ref().String(), "error", err)
	}
}

// setInstanceStatus updates the latest instance. handle nil leaves the
// runtime handle untouched; a pointer overwrites it (empty clears).
// Terminal statuses also record the end time.
func (m *Manager) setInstanceStatus(ctx context.Context, parent *core.ProcessParent, status core.ProcessStatus, message string, handle *string) {
	if parent.LatestInstanceID == 0 {
		return
	}
	patch := core.InstancePatch{Status: core.Ptr(status)}
	if message != "" {
		patch.StatusMessage = core.Ptr(message)
	}
	if handle != nil {
		patch.RuntimeHandle = handle
	}
	if status.IsTerminal() {
		ended := m.now().UTC()
		patch.EndedAt = &ended
	}
	if err := m.store.UpdateInstance(ctx, parent.LatestInstanceID, patch); err != nil {
		slog.Error("instance update failed",
			"instance_id", parent.LatestInstanceID, "error", err)
	}
}

func (m *Manager) updateParent(ctx context.Context, parent *core.ProcessParent, patch core.ParentPatch) {
	if err := m.store.UpdateParent(ctx, parent.Ref(), patch); err != nil {
		slog.Error("parent update failed", "parent", parent.Ref().String(), "error", err)
	}
}

func (m *Manager) incFailureCount(ctx context.Context, parent *core.ProcessParent) {
	parent.FailureCount++
	m.updateParent(ctx, parent, core.ParentPatch{FailureCount: core.Ptr(parent.FailureCount)})
}

func (m *Manager) resetFailureCount(ctx context.Context, parent *core.ProcessParent) {
	if parent.FailureCount == 0 {
		return
	}
	parent.FailureCount = 0
	m.updateParent(ctx, parent, core.ParentPatch{FailureCount: core.Ptr(0)})
}

func (m *Manager) incRestartCount(ctx context.Context, parent *core.ProcessParent) {
	parent.RestartCount++
	m.updateParent(ctx, parent, core.ParentPatch{RestartCount: core.Ptr(parent.RestartCount)})
}

// cleanup removes the latest instance's runtime resource. Best effort:
// errors are logged, the workflow continues.
func (m *Manager) cleanup(ctx context.Context, parent *core.ProcessParent) {
	inst, err := m.store.LatestInstance(ctx, parent.Ref())
	if err != nil || inst.RuntimeHandle == "" {
		return
	}
	if err := m.engine.Cleanup(ctx, inst.RuntimeHandle); err != nil &&
		!errors.Is(err, engine.ErrContainerNotFound) {
		msg := "runtime cleanup failed: " + err.Error()
		slog.Error(msg, "parent", parent.Ref().String(), "handle", inst.RuntimeHandle)
		m.appendLog(ctx, inst.ID, msg)
	}
}

// failInstance finalizes the latest instance as failed and counts the
// failure against the restart ceiling.
func (m *Manager) failInstance(ctx context.Context, parent *core.ProcessParent, message string) {
	m.cleanup(ctx, parent)
	m.setInstanceStatus(ctx, parent, core.StatusFailed, message, core.Ptr(""))
	m.incFailureCount(ctx, parent)
}

// errorInstance finalizes the latest instance as errored. Does not
// touch the failure count: error states are not restartable.
func (m *Manager) errorInstance(ctx context.Context, parent *core.ProcessParent, message string) {
	m.cleanup(ctx, parent)
	m.setInstanceStatus(ctx, parent, core.StatusError, message, core.Ptr(""))
}

// stopInstance walks the latest instance through stopping to stopped.
func (m *Manager) stopInstance(ctx context.Context, parent *core.ProcessParent) error {
	m.setInstanceStatus(ctx, parent, core.StatusStopping, "", nil)
	inst, err := m.store.LatestInstance(ctx, parent.Ref())
	if err == nil && inst.RuntimeHandle != "" {
		if err := m.engine.Cleanup(ctx, inst.RuntimeHandle); err != nil &&
			!errors.Is(err, engine.ErrContainerNotFound) {
			return err
		}
	}
	m.setInstanceStatus(ctx, parent, core.StatusStopped, "", core.Ptr(""))
	return nil
}

func (m *Manager) errorParent(ctx context.Context, parent *core.ProcessParent, message string) {
	slog.Error(message)
	m.setStatus(ctx, parent, core.StatusError, message)
}

// finalizeStaleInstances ensures no previous instance is left in a
// non-terminal status before a new one is created.
func (m *Manager) finalizeStaleInstances(ctx context.Context, parent *core.ProcessParent) {
	instances, err := m.store.ListInstances(ctx, parent.Ref())
	if err != nil {
		return
	}
	for _, inst := range instances {
		if inst.Status.IsTerminal() {
			continue
		}
		slog.Warn("finalizing stale instance",
			"parent", parent.Ref().String(), "instance_id", inst.ID, "status", inst.Status)
		m.cleanup(ctx, parent)
		ended := m.now().UTC()
		if err := m.store.UpdateInstance(ctx, inst.ID, core.InstancePatch{
			Status:        core.Ptr(core.StatusStopped),
			RuntimeHandle: core.Ptr(""),
			EndedAt:       &ended,
		}); err != nil {
			slog.Error("stale instance update failed", "instance_id", inst.ID, "error", err)
		}
	}
}

// updateLogs flushes worker output into the instance log. Best effort.
func (m *Manager) updateLogs(ctx context.Context, parent *core.ProcessParent) {
	inst, err := m.store.LatestInstance(ctx, parent.Ref())
	if err != nil || inst.RuntimeHandle == "" {
		return
	}
	if err := m.engine.UpdateLogs(ctx, inst.RuntimeHandle, inst.ID, m.store); err != nil &&
		!errors.Is(err, engine.ErrContainerNotFound) {
		slog.Warn("log update failed", "instance_id", inst.ID, "error", err)
	}
}

func (m *Manager) appendLog(ctx context.Context, instanceID int64, line string) {
	if err := m.store.AppendInstanceLog(ctx, instanceID, []string{line}); err != nil {
		slog.Warn("instance log write failed", "instance_id", instanceID, "error", err)
	}
}
