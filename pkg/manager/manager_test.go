package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/engine"
	"github.com/rulefleet/rulefleet/pkg/events"
	"github.com/rulefleet/rulefleet/pkg/metrics"
	"github.com/rulefleet/rulefleet/pkg/queuehealth"
	"github.com/rulefleet/rulefleet/pkg/store"
)

type fakeEngine struct {
	startErr  error
	status    engine.Status
	statusErr error

	started []engine.Request
	cleaned []string
	seq     int
}

func (f *fakeEngine) Start(_ context.Context, req engine.Request) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	f.seq++
	return fmt.Sprintf("handle-%d", f.seq), nil
}

func (f *fakeEngine) GetStatus(_ context.Context, _ string) (engine.Status, error) {
	if f.statusErr != nil {
		return engine.Status{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeEngine) Cleanup(_ context.Context, handle string) error {
	f.cleaned = append(f.cleaned, handle)
	return nil
}

func (f *fakeEngine) UpdateLogs(context.Context, string, int64, engine.LogSink) error {
	return nil
}

type fakeSelector struct {
	queue   string
	healthy bool
	err     error
}

func (f *fakeSelector) Select(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.queue, nil
}

func (f *fakeSelector) Healthy(context.Context, string) (bool, error) {
	return f.healthy, nil
}

type scheduled struct {
	ref   core.ParentRef
	delay time.Duration
}

type fakeScheduler struct {
	restarts []scheduled
}

func (f *fakeScheduler) ScheduleRestart(ref core.ParentRef, delay time.Duration) {
	f.restarts = append(f.restarts, scheduled{ref: ref, delay: delay})
}

type fixture struct {
	mgr       *Manager
	store     *store.MemoryStore
	engine    *fakeEngine
	selector  *fakeSelector
	scheduler *fakeScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		engine:    &fakeEngine{status: engine.Status{Status: core.StatusRunning}},
		selector:  &fakeSelector{queue: "worker-a", healthy: true},
		scheduler: &fakeScheduler{},
	}
	settings := DefaultSettings()
	settings.WebsocketURL = "wss://orchestrator.local/worker"
	f.mgr = New(f.store, f.engine, f.selector, f.scheduler,
		events.NewNoopNotifier(), metrics.NewNoop(), settings)
	return f
}

func (f *fixture) createParent(t *testing.T, policy core.RestartPolicy, maxRestarts int) *core.ProcessParent {
	t.Helper()
	p := &core.ProcessParent{
		Type:          core.ParentTypeActivation,
		Name:          "test-activation",
		Enabled:       true,
		ImageURL:      "registry.local/worker:latest",
		RestartPolicy: policy,
		MaxRestarts:   maxRestarts,
		Status:        core.StatusPending,
	}
	require.NoError(t, f.store.CreateParent(context.Background(), p))
	return p
}

func (f *fixture) parent(t *testing.T, ref core.ParentRef) core.ProcessParent {
	t.Helper()
	p, err := f.store.GetParent(context.Background(), ref)
	require.NoError(t, err)
	return p
}

func (f *fixture) instance(t *testing.T, ref core.ParentRef) core.ProcessInstance {
	t.Helper()
	inst, err := f.store.LatestInstance(context.Background(), ref)
	require.NoError(t, err)
	return inst
}

func TestStartHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)

	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusRunning, got.Status)

	inst := f.instance(t, p.Ref())
	assert.Equal(t, core.StatusRunning, inst.Status)
	assert.Equal(t, "handle-1", inst.RuntimeHandle)

	queue, err := f.store.InstanceQueue(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", queue)

	require.Len(t, f.engine.started, 1)
	req := f.engine.started[0]
	assert.Equal(t, "registry.local/worker:latest", req.Image)
	assert.Equal(t, inst.ID, req.CmdLine.InstanceID)
}

func TestStartDisabledParentNeverCreatesInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.store.UpdateParent(ctx, p.Ref(),
		core.ParentPatch{Enabled: core.Ptr(false)}))

	err := f.mgr.Start(ctx, p.Ref(), false)
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.Contains(t, startErr.Msg, "disabled")

	assert.Empty(t, f.engine.started)
	_, err = f.store.LatestInstance(ctx, p.Ref())
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The refusal is durably visible on the parent record.
	assert.Contains(t, f.parent(t, p.Ref()).StatusMessage, "disabled")
}

func TestStartMissingTokenIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	p.Rulebook = "actions:\n  - run_job_template:\n"
	require.NoError(t, f.store.CreateParent(ctx, p))

	err := f.mgr.Start(ctx, p.Ref(), false)
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, core.StatusError, f.parent(t, p.Ref()).Status)
	assert.Empty(t, f.engine.started)
}

func TestStartNoHealthyQueueIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.selector.err = queuehealth.ErrHealthyQueueNotFound
	p := f.createParent(t, core.RestartOnFailure, 5)

	err := f.mgr.Start(ctx, p.Ref(), false)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusWorkersOffline, got.Status)
	_, err = f.store.LatestInstance(ctx, p.Ref())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartAtCapacityIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mgr.settings.MaxRunningProcesses = 1

	running := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.store.UpdateParent(ctx, running.Ref(),
		core.ParentPatch{Status: core.Ptr(core.StatusRunning)}))

	p := f.createParent(t, core.RestartOnFailure, 5)
	err := f.mgr.Start(ctx, p.Ref(), false)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestStartIdempotentWhenRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	assert.Len(t, f.engine.started, 1)

	instances, err := f.store.ListInstances(ctx, p.Ref())
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestStartEngineErrorIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.startErr = &engine.StartError{Err: errors.New("socket refused")}
	p := f.createParent(t, core.RestartOnFailure, 5)

	err := f.mgr.Start(ctx, p.Ref(), false)
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.False(t, IsRetryable(err))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusError, got.Status)
	assert.Contains(t, got.StatusMessage, "socket refused")
	assert.Equal(t, core.StatusError, f.instance(t, p.Ref()).Status)
}

func TestStartImagePullFailureFollowsFailurePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.startErr = &engine.ImagePullError{
		Image: "registry.local/worker:latest",
		Err:   errors.New("manifest unknown"),
	}
	p := f.createParent(t, core.RestartOnFailure, 5)

	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	require.Len(t, f.scheduler.restarts, 1)
	assert.Equal(t, p.Ref(), f.scheduler.restarts[0].ref)
}

func TestStopNoInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)

	require.NoError(t, f.mgr.Stop(ctx, p.Ref()))
	assert.Equal(t, core.StatusStopped, f.parent(t, p.Ref()).Status)
}

func TestStopRunningAndIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	require.NoError(t, f.mgr.Stop(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusStopped, got.Status)
	assert.Equal(t, "Stop requested by user.", got.StatusMessage)

	inst := f.instance(t, p.Ref())
	assert.Equal(t, core.StatusStopped, inst.Status)
	assert.Empty(t, inst.RuntimeHandle)
	assert.False(t, inst.EndedAt.IsZero())
	assert.Equal(t, []string{"handle-1"}, f.engine.cleaned)

	// Second stop is a no-op producing the same terminal state.
	require.NoError(t, f.mgr.Stop(ctx, p.Ref()))
	assert.Equal(t, core.StatusStopped, f.parent(t, p.Ref()).Status)
	assert.Len(t, f.engine.cleaned, 1)
}

func TestStopMissingParent(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Stop(context.Background(),
		core.ParentRef{Type: core.ParentTypeActivation, ID: 404})
	var stopErr *StopError
	assert.ErrorAs(t, err, &stopErr)
}

func TestRestartSchedulesAutoStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	require.NoError(t, f.mgr.Restart(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, "Restart requested by user.", got.StatusMessage)
	require.Len(t, f.scheduler.restarts, 1)
	assert.Equal(t, time.Second, f.scheduler.restarts[0].delay)
}

func TestRestartCountIncrements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	require.NoError(t, f.mgr.Stop(ctx, p.Ref()))

	require.NoError(t, f.mgr.Start(ctx, p.Ref(), true))
	assert.Equal(t, 1, f.parent(t, p.Ref()).RestartCount)
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	require.NoError(t, f.mgr.Delete(ctx, p.Ref()))
	_, err := f.store.GetParent(ctx, p.Ref())
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"handle-1"}, f.engine.cleaned)

	// Deleting again fails: the parent is gone.
	var opErr *OperationError
	assert.ErrorAs(t, f.mgr.Delete(ctx, p.Ref()), &opErr)
}

func TestMonitorNothingToDoForRestingStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))
	assert.Equal(t, core.StatusPending, f.parent(t, p.Ref()).Status)
}

func TestMonitorStopsDisabledParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	require.NoError(t, f.store.UpdateParent(ctx, p.Ref(),
		core.ParentPatch{Enabled: core.Ptr(false)}))

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))
	assert.Equal(t, core.StatusStopped, f.parent(t, p.Ref()).Status)
}

func TestMonitorCompletedNoRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	f.engine.status = engine.Status{Status: core.StatusCompleted}

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Empty(t, f.scheduler.restarts)
	assert.Equal(t, core.StatusCompleted, f.instance(t, p.Ref()).Status)
}

func TestMonitorCompletedAlwaysRestarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartAlways, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	f.engine.status = engine.Status{Status: core.StatusCompleted}

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))
	assert.Equal(t, core.StatusCompleted, f.parent(t, p.Ref()).Status)
	require.Len(t, f.scheduler.restarts, 1)
}

func TestMonitorFailedNeverPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartNever, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	f.engine.status = engine.Status{Status: core.StatusFailed, Message: "exit code 1"}

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "not applicable")
	assert.Empty(t, f.scheduler.restarts)
}

// Three consecutive runtime failures against a ceiling of two: the
// parent must end failed with restart count capped at the ceiling and
// a message naming the limit.
func TestRestartCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 2)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	for failure := 1; failure <= 3; failure++ {
		f.engine.status = engine.Status{Status: core.StatusFailed, Message: "exit code 1"}
		require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

		got := f.parent(t, p.Ref())
		assert.Equal(t, core.StatusFailed, got.Status)
		assert.Equal(t, failure, got.FailureCount)

		if failure <= 2 {
			require.Len(t, f.scheduler.restarts, failure)
			f.engine.status = engine.Status{Status: core.StatusRunning}
			require.NoError(t, f.mgr.Start(ctx, p.Ref(), true))
		}
	}

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RestartCount)
	assert.Contains(t, got.StatusMessage, "limit of 2")
	// No further restart was scheduled after the ceiling.
	assert.Len(t, f.scheduler.restarts, 2)
}

func TestMonitorMissingContainer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	f.engine.statusErr = engine.ErrContainerNotFound

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "Missing runtime resource")
	require.Len(t, f.scheduler.restarts, 1)
}

func TestMonitorUnresponsive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	inst := f.instance(t, p.Ref())
	stale := time.Now().Add(-f.mgr.settings.LivenessTimeout - time.Minute)
	require.NoError(t, f.store.TouchInstance(ctx, inst.ID, stale))

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

	got := f.parent(t, p.Ref())
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "unresponsive")
	require.Len(t, f.scheduler.restarts, 1)
}

func TestMonitorWorkersOfflineAndRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))

	f.selector.healthy = false
	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))
	assert.Equal(t, core.StatusWorkersOffline, f.parent(t, p.Ref()).Status)

	// Workers come back and the container is still alive.
	f.selector.healthy = true
	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))
	assert.Equal(t, core.StatusRunning, f.parent(t, p.Ref()).Status)
}

func TestMonitorMissingParent(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Monitor(context.Background(),
		core.ParentRef{Type: core.ParentTypeActivation, ID: 404})
	var monErr *MonitorError
	assert.ErrorAs(t, err, &monErr)
}

func TestFailureRestartIsDurablyQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.createParent(t, core.RestartOnFailure, 5)
	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	f.engine.status = engine.Status{Status: core.StatusFailed, Message: "exit code 1"}

	require.NoError(t, f.mgr.Monitor(ctx, p.Ref()))

	// The relaunch is a stored auto-start request, so a dispatcher
	// that dies during the delay cannot lose it.
	pending, err := f.store.PendingRequests(ctx, p.Ref())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.VerbAutoStart, pending[0].Verb)
	wantAfter := time.Now().UTC().Add(DefaultSettings().RestartDelayOnFailure)
	assert.WithinDuration(t, wantAfter, pending[0].ProcessAfter, 5*time.Second)
	require.Len(t, f.scheduler.restarts, 1)
}

type failingNotifier struct {
	calls int
}

func (f *failingNotifier) PublishTransition(context.Context, core.TransitionEvent) error {
	f.calls++
	return errors.New("nats connection closed")
}

func TestTransitionPublishFailureDoesNotFailOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	notifier := &failingNotifier{}
	settings := DefaultSettings()
	settings.WebsocketURL = "wss://orchestrator.local/worker"
	f.mgr = New(f.store, f.engine, f.selector, f.scheduler, notifier,
		metrics.NewNoop(), settings)
	p := f.createParent(t, core.RestartOnFailure, 5)

	require.NoError(t, f.mgr.Start(ctx, p.Ref(), false))
	require.NoError(t, f.mgr.Stop(ctx, p.Ref()))

	assert.Equal(t, core.StatusStopped, f.parent(t, p.Ref()).Status)
	assert.Greater(t, notifier.calls, 0)
}
