// Package manager drives a process parent through its lifecycle state
// machine. One Manager serves all parents; every operation loads fresh
// state, applies a single transition, and persists it through explicit
// field patches. Callers serialize operations per parent with the
// dispatcher's advisory lock; the manager itself holds no locks.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
	"github.com/rulefleet/rulefleet/pkg/events"
	"github.com/rulefleet/rulefleet/pkg/metrics"
	"github.com/rulefleet/rulefleet/pkg/store"
)

// QueueSelector picks the worker queue for a new instance. Satisfied
// by queuehealth.Selector.
type QueueSelector interface {
	Select(ctx context.Context) (string, error)
	Healthy(ctx context.Context, queueName string) (bool, error)
}

// RestartScheduler wakes the dispatcher for a parent once a restart
// delay elapses. Implemented by the orchestrator's delayed work queue.
// The restart itself is a durable auto-start request pushed by
// scheduleRestart; the wakeup only saves sweep latency.
type RestartScheduler interface {
	ScheduleRestart(ref core.ParentRef, delay time.Duration)
}

// Settings are the read-only tunables the manager consumes. Owned by
// the configuration layer.
type Settings struct {
	// WebsocketURL is the control-plane endpoint workers dial back to.
	WebsocketURL       string
	WebsocketSSLVerify string
	HeartbeatSeconds   int
	WorkerLogLevel     string
	SkipAuditEvents    bool

	// LivenessTimeout is the heartbeat staleness bound past which a
	// starting or running instance counts as unresponsive.
	LivenessTimeout time.Duration

	RestartDelayOnFailure  time.Duration
	RestartDelayOnComplete time.Duration

	// MaxRunningProcesses caps instances in starting or running status
	// across all queues. Zero or negative means unlimited.
	MaxRunningProcesses int

	// MemLimit is passed to the container engine for each worker.
	MemLimit string
}

// DefaultSettings mirror the shipped configuration.
func DefaultSettings() Settings {
	return Settings{
		WebsocketSSLVerify:     "yes",
		HeartbeatSeconds:       60,
		LivenessTimeout:        10 * time.Minute,
		RestartDelayOnFailure:  60 * time.Second,
		RestartDelayOnComplete: 0,
	}
}

// Manager executes lifecycle operations for process parents.
type Manager struct {
	store     store.Store
	engine    engine.Engine
	selector  QueueSelector
	scheduler RestartScheduler
	notifier  events.Notifier
	metrics   metrics.Collector
	settings  Settings
	now       func() time.Time
}

// New wires a Manager. notifier and collector may be the noop
// implementations.
func New(s store.Store, eng engine.Engine, selector QueueSelector,
	scheduler RestartScheduler, notifier events.Notifier,
	collector metrics.Collector, settings Settings) *Manager {
	return &Manager{
		store:     s,
		engine:    eng,
		selector:  selector,
		scheduler: scheduler,
		notifier:  notifier,
		metrics:   collector,
		settings:  settings,
		now:       time.Now,
	}
}

// Start launches a new instance for the parent. Idempotent: if the
// parent is already running and the runtime confirms it, nothing
// happens. isRestart additionally bumps the restart counter on
// success.
func (m *Manager) Start(ctx context.Context, ref core.ParentRef, isRestart bool) error {
	parent, err := m.store.GetParent(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return &StartError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
	}
	if err != nil {
		return err
	}

	if err := m.checkStartPrereqs(ctx, &parent); err != nil {
		return err
	}

	if m.isAlreadyRunning(ctx, &parent) {
		slog.Info("already running, start is a no-op", "parent", ref.String())
		return nil
	}

	if err := m.checkCapacity(ctx, &parent); err != nil {
		return err
	}

	queueName, err := m.selector.Select(ctx)
	if err != nil {
		msg := "no worker queue has a live worker, waiting for workers to come back"
		m.setStatus(ctx, &parent, core.StatusWorkersOffline, msg)
		m.metrics.StartFailure(parent.Type, "no_healthy_queue")
		return &StartError{Msg: msg, Err: err}
	}

	if err := m.startInstance(ctx, &parent, queueName); err != nil {
		return err
	}

	if parent.Status != core.StatusRunning {
		// The image pull failure path has already applied the failure
		// policy; there is no successful start to account for.
		return nil
	}
	if isRestart {
		m.incRestartCount(ctx, &parent)
		m.metrics.Restart(parent.Type)
	} else {
		// A user-initiated start wipes the failure history. Automatic
		// restarts keep accumulating against the restart ceiling.
		m.resetFailureCount(ctx, &parent)
	}
	return nil
}

func (m *Manager) checkStartPrereqs(ctx context.Context, parent *core.ProcessParent) error {
	if !parent.Enabled {
		msg := fmt.Sprintf("process parent %s is disabled, can not be started", parent.Ref())
		slog.Warn(msg)
		m.updateParent(ctx, parent, core.ParentPatch{StatusMessage: core.Ptr(msg)})
		m.metrics.StartFailure(parent.Type, "disabled")
		return &StartError{Msg: msg}
	}

	if parent.Status == core.StatusStarting || parent.Status == core.StatusDeleting {
		msg := fmt.Sprintf("process parent %s is in %s state, can not be started",
			parent.Ref(), parent.Status)
		slog.Warn(msg)
		return &StartError{Msg: msg}
	}

	if parent.NeedsToken() && !parent.TokenAttached {
		msg := fmt.Sprintf("process parent %s requires a controller token for "+
			"job template actions and none is attached", parent.Ref())
		slog.Error(msg)
		m.setStatus(ctx, parent, core.StatusError, msg)
		m.metrics.StartFailure(parent.Type, "missing_credential")
		return &StartError{Msg: msg}
	}
	return nil
}

// checkCapacity enforces the global running-process ceiling.
func (m *Manager) checkCapacity(ctx context.Context, parent *core.ProcessParent) error {
	max := m.settings.MaxRunningProcesses
	if max <= 0 {
		return nil
	}
	active, err := m.store.ListParentsInStatus(ctx, core.StatusStarting, core.StatusRunning)
	if err != nil {
		return err
	}
	if len(active) >= max {
		slog.Info("start deferred, no capacity",
			"parent", parent.Ref().String(), "active", len(active), "max", max)
		msg := fmt.Sprintf("Waiting for capacity: %d of %d processes running.", len(active), max)
		m.updateParent(ctx, parent, core.ParentPatch{StatusMessage: core.Ptr(msg)})
		m.metrics.StartFailure(parent.Type, "no_capacity")
		return &StartError{Msg: "maximum number of running processes reached", Err: ErrNoCapacity}
	}
	return nil
}

// isAlreadyRunning verifies the stored status against the runtime
// before declaring a start redundant.
func (m *Manager) isAlreadyRunning(ctx context.Context, parent *core.ProcessParent) bool {
	if parent.Status != core.StatusRunning {
		return false
	}
	inst, err := m.store.LatestInstance(ctx, parent.Ref())
	if err != nil || inst.Status != core.StatusRunning || inst.RuntimeHandle == "" {
		slog.Info("running status with no live instance, recreating",
			"parent", parent.Ref().String())
		return false
	}
	st, err := m.engine.GetStatus(ctx, inst.RuntimeHandle)
	if err != nil {
		return false
	}
	return st.Status == core.StatusRunning
}

func (m *Manager) startInstance(ctx context.Context, parent *core.ProcessParent, queueName string) error {
	m.setStatus(ctx, parent, core.StatusStarting, "")
	m.finalizeStaleInstances(ctx, parent)

	inst := &core.ProcessInstance{
		ParentType: parent.Type,
		ParentID:   parent.ID,
		Name:       fmt.Sprintf("%s-%d-%d", parent.Type, parent.ID, m.now().UnixMilli()),
		Status:     core.StatusStarting,
		StartedAt:  m.now().UTC(),
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return err
	}
	parent.LatestInstanceID = inst.ID
	if err := m.store.AssignQueue(ctx, inst.ID, queueName); err != nil {
		return err
	}

	handle, err := m.engine.Start(ctx, m.containerRequest(parent, inst))
	if err != nil {
		var pullErr *engine.ImagePullError
		if errors.As(err, &pullErr) {
			// Pull failures follow the failure policy: the image may be
			// temporarily unavailable and a retry can succeed.
			m.metrics.StartFailure(parent.Type, "image_pull")
			m.failedPolicy(ctx, parent, pullErr.Error())
			return nil
		}
		msg := fmt.Sprintf("process parent %s failed to start: %v", parent.Ref(), err)
		m.errorInstance(ctx, parent, msg)
		m.errorParent(ctx, parent, msg)
		m.metrics.StartFailure(parent.Type, "engine")
		return &StartError{Msg: msg, Err: err}
	}

	m.setInstanceStatus(ctx, parent, core.StatusRunning, "", core.Ptr(handle))
	m.setStatus(ctx, parent, core.StatusRunning, "")
	m.updateLogs(ctx, parent)
	slog.Info("instance started", "parent", parent.Ref().String(),
		"instance_id", inst.ID, "queue", queueName, "handle", handle)
	return nil
}

func (m *Manager) containerRequest(parent *core.ProcessParent, inst *core.ProcessInstance) engine.Request {
	return engine.Request{
		InstanceName: inst.Name,
		InstanceID:   inst.ID,
		ParentID:     parent.ID,
		Image:        parent.ImageURL,
		Credential:   parent.RegistryCredential,
		MemLimit:     m.settings.MemLimit,
		CmdLine: engine.CommandLine{
			WebsocketURL:       m.settings.WebsocketURL,
			WebsocketSSLVerify: m.settings.WebsocketSSLVerify,
			HeartbeatSeconds:   m.settings.HeartbeatSeconds,
			InstanceID:         inst.ID,
			LogLevel:           m.settings.WorkerLogLevel,
			SkipAuditEvents:    m.settings.SkipAuditEvents,
		},
	}
}

// Stop is idempotent: with no active instance it simply records the
// stopped status. Runtime lookups that report the container as gone
// fold into the success path.
func (m *Manager) Stop(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return &StopError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
	}
	if err != nil {
		return err
	}

	inst, err := m.store.LatestInstance(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("stop with no instance", "parent", ref.String())
		m.setStatus(ctx, &parent, core.StatusStopped, "")
		return nil
	}
	if err != nil {
		return err
	}

	if m.isAlreadyStopped(&parent, &inst) {
		slog.Info("already stopped", "parent", ref.String())
		return nil
	}

	m.setStatus(ctx, &parent, core.StatusStopping, "")
	if err := m.stopInstance(ctx, &parent); err != nil {
		msg := fmt.Sprintf("process parent %s failed to stop", ref)
		m.errorParent(ctx, &parent, msg+": "+err.Error())
		return &StopError{Msg: msg, Err: err}
	}

	const userMsg = "Stop requested by user."
	m.setStatus(ctx, &parent, core.StatusStopped, userMsg)
	m.appendLog(ctx, inst.ID, userMsg)
	slog.Info("stopped", "parent", ref.String())
	return nil
}

func (m *Manager) isAlreadyStopped(parent *core.ProcessParent, inst *core.ProcessInstance) bool {
	return parent.Status.IsTerminal() && inst.Status.IsTerminal()
}

// Restart stops the parent and schedules a fresh start. The start
// itself arrives as an auto-start request so it is arbitrated like any
// other queued work.
func (m *Manager) Restart(ctx context.Context, ref core.ParentRef) error {
	if err := m.Stop(ctx, ref); err != nil {
		return err
	}
	parent, err := m.store.GetParent(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return &OperationError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
	}
	if err != nil {
		return err
	}

	const userMsg = "Restart requested by user."
	m.setStatus(ctx, &parent, core.StatusPending, userMsg)
	if parent.LatestInstanceID != 0 {
		m.appendLog(ctx, parent.LatestInstanceID, userMsg)
	}
	m.scheduleRestart(ctx, ref, time.Second)
	slog.Info("restart scheduled", "parent", ref.String())
	return nil
}

// scheduleRestart queues a durable auto-start to be applied once delay
// elapses, then wakes the dispatcher. The queue entry is what survives
// an orchestrator restart; a missed wakeup only costs sweep latency.
func (m *Manager) scheduleRestart(ctx context.Context, ref core.ParentRef, delay time.Duration) {
	after := m.now().UTC().Add(delay)
	if err := m.store.PushRequestAfter(ctx, ref, core.VerbAutoStart, after); err != nil {
		slog.Error("failed to queue scheduled restart",
			"parent", ref.String(), "error", err)
	}
	m.scheduler.ScheduleRestart(ref, delay)
}

// Delete tears down the runtime resource best-effort and removes the
// parent with everything attached to it. Deleting a parent that is
// already gone is an error.
func (m *Manager) Delete(ctx context.Context, ref core.ParentRef) error {
	parent, err := m.store.GetParent(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return &OperationError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
	}
	if err != nil {
		return err
	}

	m.setStatus(ctx, &parent, core.StatusDeleting, "")
	// Cleanup failures never block a delete.
	m.cleanup(ctx, &parent)

	if err := m.store.DeleteParent(ctx, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &OperationError{Msg: fmt.Sprintf("process parent %s does not exist", ref)}
		}
		return err
	}
	slog.Info("deleted", "parent", ref.String())
	return nil
}
