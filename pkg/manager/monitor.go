package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
	"github.com/rulefleet/rulefleet/pkg/store"
)

// Monitor reconciles the stored status with the observed runtime
// state. It runs at the end of every management pass and on every
// periodic sweep; a pass with nothing to do is cheap and returns nil.
func (m *Manager) Monitor(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return &MonitorError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
	}
	if err != nil {
		return err
	}

	// A disabled parent must not keep a live instance.
	if !parent.Enabled {
		if parent.Status.IsActive() || parent.Status == core.StatusWorkersOffline ||
			parent.Status == core.StatusUnresponsive {
			slog.Info("disabled parent still active, stopping", "parent", ref.String())
			return m.Stop(ctx, ref)
		}
		return nil
	}

	switch parent.Status {
	case core.StatusRunning, core.StatusStarting, core.StatusWorkersOffline:
	default:
		return nil
	}

	inst, err := m.store.LatestInstance(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		msg := fmt.Sprintf("process parent %s is %s but has no instance",
			ref, parent.Status)
		m.errorParent(ctx, &parent, msg)
		return &MonitorError{Msg: msg}
	}
	if err != nil {
		return err
	}
	if inst.RuntimeHandle == "" {
		msg := fmt.Sprintf("process parent %s is %s but its instance has no runtime handle",
			ref, parent.Status)
		m.errorInstance(ctx, &parent, msg)
		m.errorParent(ctx, &parent, msg)
		return &MonitorError{Msg: msg}
	}

	// A dead worker queue means heartbeats and logs stall even while
	// the container itself may be fine.
	if queueName, qerr := m.store.InstanceQueue(ctx, inst.ID); qerr == nil {
		healthy, herr := m.selector.Healthy(ctx, queueName)
		if herr != nil {
			slog.Warn("queue health check failed", "queue", queueName, "error", herr)
		} else if !healthy {
			msg := fmt.Sprintf("worker queue %s has no live workers", queueName)
			slog.Warn(msg, "parent", ref.String())
			m.setStatus(ctx, &parent, core.StatusWorkersOffline, msg)
			return nil
		}
	}

	status, err := m.engine.GetStatus(ctx, inst.RuntimeHandle)
	if errors.Is(err, engine.ErrContainerNotFound) {
		m.missingContainerPolicy(ctx, &parent)
		return nil
	}
	if err != nil {
		// Transient engine trouble: leave state alone, the next sweep
		// retries.
		slog.Warn("runtime status check failed", "parent", ref.String(), "error", err)
		return err
	}

	m.updateLogs(ctx, &parent)

	switch status.Status {
	case core.StatusCompleted:
		m.cleanup(ctx, &parent)
		m.completedPolicy(ctx, &parent, status.Message)
		return nil
	case core.StatusFailed:
		m.cleanup(ctx, &parent)
		m.failedPolicy(ctx, &parent, status.Message)
		return nil
	}

	if m.isUnresponsive(&parent, &inst) {
		m.unresponsivePolicy(ctx, &parent)
		return nil
	}

	if status.Status == core.StatusRunning {
		if parent.Status != core.StatusRunning {
			slog.Info("runtime is back, restoring running status",
				"parent", ref.String(), "previous", parent.Status)
			m.setStatus(ctx, &parent, core.StatusRunning, "")
			m.setInstanceStatus(ctx, &parent, core.StatusRunning, "", nil)
		}
		return nil
	}

	// Unexpected runtime state: treat as an error and tear down.
	msg := fmt.Sprintf("unexpected runtime state %q: %s", status.Status, status.Message)
	m.errorInstance(ctx, &parent, msg)
	m.errorParent(ctx, &parent, msg)
	return nil
}

// isUnresponsive reports heartbeat staleness past the liveness timeout
// for an instance that is supposed to be alive.
func (m *Manager) isUnresponsive(parent *core.ProcessParent, inst *core.ProcessInstance) bool {
	if parent.Status != core.StatusRunning && parent.Status != core.StatusStarting {
		return false
	}
	cutoff := m.now().Add(-m.settings.LivenessTimeout)
	return inst.UpdatedAt.Before(cutoff)
}
