package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// maxRestartsReached checks the failure count against the parent's
// ceiling. A negative ceiling means unlimited restarts.
func maxRestartsReached(parent *core.ProcessParent) bool {
	return parent.MaxRestarts >= 0 && parent.FailureCount >= parent.MaxRestarts
}

// failedPolicy handles a failed instance: finalize it, then restart if
// the policy and the restart ceiling allow.
func (m *Manager) failedPolicy(ctx context.Context, parent *core.ProcessParent, containerMsg string) {
	switch {
	case parent.RestartPolicy == core.RestartNever:
		userMsg := joinMsg(containerMsg, "Process failed. Restart policy is not applicable.")
		m.failInstance(ctx, parent, userMsg)
		m.setStatus(ctx, parent, core.StatusFailed, userMsg)

	case maxRestartsReached(parent):
		userMsg := joinMsg(containerMsg, fmt.Sprintf(
			"Process failed. Restart limit of %d reached, not restarting.",
			parent.MaxRestarts))
		m.failInstance(ctx, parent, userMsg)
		m.setStatus(ctx, parent, core.StatusFailed, userMsg)

	default:
		userMsg := joinMsg(containerMsg, fmt.Sprintf(
			"Process failed. Restart attempt %s in %s according to the %s restart policy. "+
				"It may take longer if there is no capacity available.",
			restartCountLabel(parent), m.settings.RestartDelayOnFailure,
			parent.RestartPolicy))
		m.failInstance(ctx, parent, userMsg)
		m.setStatus(ctx, parent, core.StatusFailed, userMsg)
		slog.Info("restart scheduled after failure",
			"parent", parent.Ref().String(), "delay", m.settings.RestartDelayOnFailure)
		m.scheduleRestart(ctx, parent.Ref(), m.settings.RestartDelayOnFailure)
	}
}

func restartCountLabel(parent *core.ProcessParent) string {
	if parent.MaxRestarts < 0 {
		return fmt.Sprintf("%d", parent.FailureCount+1)
	}
	return fmt.Sprintf("%d/%d", parent.FailureCount+1, parent.MaxRestarts)
}

// completedPolicy handles a cleanly exited instance. Only the always
// policy restarts completed processes.
func (m *Manager) completedPolicy(ctx context.Context, parent *core.ProcessParent, containerMsg string) {
	if parent.RestartPolicy == core.RestartAlways {
		userMsg := joinMsg(containerMsg, fmt.Sprintf(
			"Process completed. Restarting in %s according to the always restart policy. "+
				"It may take longer if there is no capacity available.",
			m.settings.RestartDelayOnComplete))
		m.setInstanceStatus(ctx, parent, core.StatusCompleted, userMsg, core.Ptr(""))
		m.setStatus(ctx, parent, core.StatusCompleted, userMsg)
		slog.Info("restart scheduled after completion", "parent", parent.Ref().String())
		m.scheduleRestart(ctx, parent.Ref(), m.settings.RestartDelayOnComplete)
		return
	}

	userMsg := joinMsg(containerMsg, "Process completed successfully. No restart policy is applied.")
	m.setInstanceStatus(ctx, parent, core.StatusCompleted, userMsg, core.Ptr(""))
	m.setStatus(ctx, parent, core.StatusCompleted, userMsg)
}

// unresponsivePolicy handles a live container whose heartbeats went
// stale past the liveness timeout.
func (m *Manager) unresponsivePolicy(ctx context.Context, parent *core.ProcessParent) {
	if parent.RestartPolicy == core.RestartNever {
		userMsg := "Process is unresponsive. Liveness check timed out. " +
			"Restart policy is not applicable."
		m.appendLog(ctx, parent.LatestInstanceID, userMsg)
		m.failInstance(ctx, parent, userMsg)
		m.setStatus(ctx, parent, core.StatusFailed, userMsg)
		return
	}

	userMsg := "Process is unresponsive. Liveness check timed out. " +
		"Process is going to be restarted."
	m.appendLog(ctx, parent.LatestInstanceID, userMsg)
	m.failInstance(ctx, parent, userMsg)
	m.setStatus(ctx, parent, core.StatusFailed, userMsg)
	m.scheduleRestart(ctx, parent.Ref(), time.Second)
}

// missingContainerPolicy handles a running parent whose runtime
// resource disappeared, e.g. a container removed out of band.
func (m *Manager) missingContainerPolicy(ctx context.Context, parent *core.ProcessParent) {
	msg := "Missing runtime resource for running process."
	m.failInstance(ctx, parent, msg)

	if parent.RestartPolicy == core.RestartNever {
		msg += " Restart policy is not applicable."
	} else {
		msg += " Restart policy is applied."
		m.scheduleRestart(ctx, parent.Ref(), time.Second)
	}
	m.setStatus(ctx, parent, core.StatusFailed, msg)
	m.appendLog(ctx, parent.LatestInstanceID, msg)
}

func joinMsg(containerMsg, userMsg string) string {
	if containerMsg == "" {
		return userMsg
	}
	return containerMsg + " " + userMsg
}
