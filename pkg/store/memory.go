package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// MemoryStore is an in-memory Store implementation. It is safe for
// concurrent use and is the backing store for tests and for running a
// single orchestrator without Postgres.
type MemoryStore struct {
	mu sync.Mutex

	parents   map[core.ParentRef]*core.ProcessParent
	instances map[int64]*core.ProcessInstance
	queues    map[int64]string
	requests  map[core.ParentRef][]core.RequestEntry
	logs      map[int64][]string

	nextParentID   int64
	nextInstanceID int64
	nextRequestID  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parents:   make(map[core.ParentRef]*core.ProcessParent),
		instances: make(map[int64]*core.ProcessInstance),
		queues:    make(map[int64]string),
		requests:  make(map[core.ParentRef][]core.RequestEntry),
		logs:      make(map[int64][]string),
	}
}

func (s *MemoryStore) CreateParent(_ context.Context, parent *core.ProcessParent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent.ID == 0 {
		s.nextParentID++
		parent.ID = s.nextParentID
	} else if parent.ID > s.nextParentID {
		s.nextParentID = parent.ID
	}
	cp := *parent
	s.parents[cp.Ref()] = &cp
	return nil
}

func (s *MemoryStore) GetParent(_ context.Context, ref core.ParentRef) (core.ProcessParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parents[ref]
	if !ok {
		return core.ProcessParent{}, ErrNotFound
	}
	return *p, nil
}

func (s *MemoryStore) UpdateParent(_ context.Context, ref core.ParentRef, patch core.ParentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parents[ref]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		p.Status = *patch.Status
		p.StatusUpdatedAt = time.Now().UTC()
	}
	if patch.StatusMessage != nil {
		p.StatusMessage = *patch.StatusMessage
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.RestartCount != nil {
		p.RestartCount = *patch.RestartCount
	}
	if patch.FailureCount != nil {
		p.FailureCount = *patch.FailureCount
	}
	if patch.LatestInstanceID != nil {
		p.LatestInstanceID = *patch.LatestInstanceID
	}
	return nil
}

func (s *MemoryStore) DeleteParent(_ context.Context, ref core.ParentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parents[ref]; !ok {
		return ErrNotFound
	}
	delete(s.parents, ref)
	delete(s.requests, ref)
	for id, inst := range s.instances {
		if inst.ParentRef() == ref {
			delete(s.instances, id)
			delete(s.queues, id)
			delete(s.logs, id)
		}
	}
	return nil
}

func (s *MemoryStore) ListParentsInStatus(_ context.Context, statuses ...core.ProcessStatus) ([]core.ProcessParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ProcessParent
	for _, p := range s.parents {
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, *p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListParents(_ context.Context) ([]core.ProcessParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ProcessParent, 0, len(s.parents))
	for _, p := range s.parents {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, instance *core.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := instance.ParentRef()
	p, ok := s.parents[ref]
	if !ok {
		return ErrNotFound
	}
	s.nextInstanceID++
	instance.ID = s.nextInstanceID
	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = time.Now().UTC()
	}
	cp := *instance
	s.instances[cp.ID] = &cp
	p.LatestInstanceID = cp.ID
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id int64) (core.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return core.ProcessInstance{}, ErrNotFound
	}
	return *inst, nil
}

func (s *MemoryStore) LatestInstance(_ context.Context, ref core.ParentRef) (core.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parents[ref]
	if !ok || p.LatestInstanceID == 0 {
		return core.ProcessInstance{}, ErrNotFound
	}
	inst, ok := s.instances[p.LatestInstanceID]
	if !ok {
		return core.ProcessInstance{}, ErrNotFound
	}
	return *inst, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, id int64, patch core.InstancePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		inst.Status = *patch.Status
	}
	if patch.StatusMessage != nil {
		inst.StatusMessage = *patch.StatusMessage
	}
	if patch.RuntimeHandle != nil {
		inst.RuntimeHandle = *patch.RuntimeHandle
	}
	if patch.EndedAt != nil {
		inst.EndedAt = *patch.EndedAt
	}
	if patch.UpdatedAt != nil {
		inst.UpdatedAt = *patch.UpdatedAt
	} else {
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, ref core.ParentRef) ([]core.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ProcessInstance
	for _, inst := range s.instances {
		if inst.ParentRef() == ref {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) TouchInstance(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.UpdatedAt = at
	return nil
}

func (s *MemoryStore) AppendInstanceLog(_ context.Context, instanceID int64, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return ErrNotFound
	}
	s.logs[instanceID] = append(s.logs[instanceID], lines...)
	return nil
}

func (s *MemoryStore) InstanceLogs(_ context.Context, instanceID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs[instanceID]...), nil
}

func (s *MemoryStore) AssignQueue(_ context.Context, instanceID int64, queueName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return ErrNotFound
	}
	s.queues[instanceID] = queueName
	return nil
}

func (s *MemoryStore) InstanceQueue(_ context.Context, instanceID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[instanceID]
	if !ok {
		return "", ErrNotFound
	}
	return q, nil
}

func (s *MemoryStore) CountActiveOnQueue(_ context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, q := range s.queues {
		if q != queueName {
			continue
		}
		if inst, ok := s.instances[id]; ok && inst.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PushRequest(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error {
	return s.PushRequestAfter(ctx, ref, verb, time.Time{})
}

func (s *MemoryStore) PushRequestAfter(_ context.Context, ref core.ParentRef, verb core.RequestVerb, after time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRequestID++
	s.requests[ref] = append(s.requests[ref], core.RequestEntry{
		ID:           s.nextRequestID,
		ParentType:   ref.Type,
		ParentID:     ref.ID,
		Verb:         verb,
		EnqueuedAt:   time.Now().UTC(),
		ProcessAfter: after,
	})
	return nil
}

func (s *MemoryStore) PendingRequests(_ context.Context, ref core.ParentRef) ([]core.RequestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RequestEntry(nil), s.requests[ref]...), nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, entries := range s.requests {
		for i, e := range entries {
			if e.ID == id {
				s.requests[ref] = append(entries[:i:i], entries[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (s *MemoryStore) DeleteRequestsThrough(_ context.Context, ref core.ParentRef, throughID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.requests[ref]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.ID > throughID {
			kept = append(kept, e)
		}
	}
	s.requests[ref] = kept
	return nil
}

func (s *MemoryStore) ListParentsWithRequests(_ context.Context) ([]core.ParentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ParentRef
	for ref, entries := range s.requests {
		if len(entries) > 0 {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
