package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulefleet/rulefleet/pkg/core"
)

func newParent(name string) *core.ProcessParent {
	return &core.ProcessParent{
		Type:          core.ParentTypeActivation,
		Name:          name,
		Enabled:       true,
		RestartPolicy: core.RestartOnFailure,
		MaxRestarts:   5,
		Status:        core.StatusPending,
	}
}

func TestMemoryStoreParentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newParent("web-hooks")
	require.NoError(t, s.CreateParent(ctx, p))
	require.NotZero(t, p.ID)

	got, err := s.GetParent(ctx, p.Ref())
	require.NoError(t, err)
	assert.Equal(t, "web-hooks", got.Name)
	assert.Equal(t, core.StatusPending, got.Status)

	err = s.UpdateParent(ctx, p.Ref(), core.ParentPatch{
		Status:        core.Ptr(core.StatusRunning),
		StatusMessage: core.Ptr("container is up"),
	})
	require.NoError(t, err)

	got, err = s.GetParent(ctx, p.Ref())
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, got.Status)
	assert.Equal(t, "container is up", got.StatusMessage)
	assert.False(t, got.StatusUpdatedAt.IsZero())

	// Untouched fields survive a partial patch.
	assert.True(t, got.Enabled)
	assert.Equal(t, 5, got.MaxRestarts)

	require.NoError(t, s.DeleteParent(ctx, p.Ref()))
	_, err = s.GetParent(ctx, p.Ref())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUnknownParent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := core.ParentRef{Type: core.ParentTypeActivation, ID: 42}

	_, err := s.GetParent(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.UpdateParent(ctx, ref, core.ParentPatch{Status: core.Ptr(core.StatusRunning)})
	assert.ErrorIs(t, err, ErrNotFound)
	err = s.CreateInstance(ctx, &core.ProcessInstance{ParentType: ref.Type, ParentID: ref.ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreInstanceTracking(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newParent("metrics-rules")
	require.NoError(t, s.CreateParent(ctx, p))

	first := &core.ProcessInstance{
		ParentType: p.Type, ParentID: p.ID, Name: "metrics-rules-1",
		Status: core.StatusStarting,
	}
	require.NoError(t, s.CreateInstance(ctx, first))
	second := &core.ProcessInstance{
		ParentType: p.Type, ParentID: p.ID, Name: "metrics-rules-2",
		Status: core.StatusStarting,
	}
	require.NoError(t, s.CreateInstance(ctx, second))
	require.Greater(t, second.ID, first.ID)

	// Creating an instance moves the parent's latest pointer.
	got, err := s.GetParent(ctx, p.Ref())
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.LatestInstanceID)

	latest, err := s.LatestInstance(ctx, p.Ref())
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	all, err := s.ListInstances(ctx, p.Ref())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	ended := time.Now().UTC()
	err = s.UpdateInstance(ctx, second.ID, core.InstancePatch{
		Status:        core.Ptr(core.StatusCompleted),
		RuntimeHandle: core.Ptr(""),
		EndedAt:       &ended,
	})
	require.NoError(t, err)
	latest, err = s.GetInstance(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, latest.Status)
	assert.Empty(t, latest.RuntimeHandle)
	assert.Equal(t, ended, latest.EndedAt)
}

func TestMemoryStoreQueueCounting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newParent("audit")
	require.NoError(t, s.CreateParent(ctx, p))

	mkInstance := func(status core.ProcessStatus, queue string) int64 {
		inst := &core.ProcessInstance{ParentType: p.Type, ParentID: p.ID, Status: status}
		require.NoError(t, s.CreateInstance(ctx, inst))
		require.NoError(t, s.AssignQueue(ctx, inst.ID, queue))
		return inst.ID
	}

	mkInstance(core.StatusRunning, "worker-a")
	mkInstance(core.StatusStarting, "worker-a")
	mkInstance(core.StatusCompleted, "worker-a")
	mkInstance(core.StatusRunning, "worker-b")

	n, err := s.CountActiveOnQueue(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.CountActiveOnQueue(ctx, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountActiveOnQueue(ctx, "worker-c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreRequestQueueOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newParent("orders")
	require.NoError(t, s.CreateParent(ctx, p))
	ref := p.Ref()

	require.NoError(t, s.PushRequest(ctx, ref, core.VerbStart))
	require.NoError(t, s.PushRequest(ctx, ref, core.VerbStop))
	require.NoError(t, s.PushRequest(ctx, ref, core.VerbStart))

	pending, err := s.PendingRequests(ctx, ref)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, core.VerbStart, pending[0].Verb)
	assert.Equal(t, core.VerbStop, pending[1].Verb)

	require.NoError(t, s.DeleteRequestsThrough(ctx, ref, pending[1].ID))
	pending, err = s.PendingRequests(ctx, ref)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.VerbStart, pending[0].Verb)

	parents, err := s.ListParentsWithRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.ParentRef{ref}, parents)

	require.NoError(t, s.DeleteRequest(ctx, pending[0].ID))
	parents, err = s.ListParentsWithRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestMemoryStoreDeleteParentCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := newParent("cascade")
	require.NoError(t, s.CreateParent(ctx, p))
	inst := &core.ProcessInstance{ParentType: p.Type, ParentID: p.ID, Status: core.StatusRunning}
	require.NoError(t, s.CreateInstance(ctx, inst))
	require.NoError(t, s.AssignQueue(ctx, inst.ID, "worker-a"))
	require.NoError(t, s.AppendInstanceLog(ctx, inst.ID, []string{"line one"}))
	require.NoError(t, s.PushRequest(ctx, p.Ref(), core.VerbStop))

	lines, err := s.InstanceLogs(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one"}, lines)

	require.NoError(t, s.DeleteParent(ctx, p.Ref()))

	_, err = s.GetInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.InstanceQueue(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	parents, err := s.ListParentsWithRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	release, ok, err := l.TryLock(ctx, "activation-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second attempt on the same key is refused without blocking.
	_, ok, err = l.TryLock(ctx, "activation-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are independent.
	release2, ok, err := l.TryLock(ctx, "activation-2")
	require.NoError(t, err)
	require.True(t, ok)
	release2()

	release()
	release3, ok, err := l.TryLock(ctx, "activation-1")
	require.NoError(t, err)
	assert.True(t, ok)
	release3()
}

func TestMemoryLockerConcurrentWinners(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok, err := l.TryLock(ctx, "contended")
			if err != nil || !ok {
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
			time.Sleep(time.Millisecond)
			release()
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, winners, 1)
}
