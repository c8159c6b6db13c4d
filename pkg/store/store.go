// Package store persists process parents, instances, queue assignments
// and the per-parent request queue. Two implementations are provided:
// a Postgres store backed by a pgx pool, which is the system of record
// in production, and an in-memory store for tests and single-node
// development. All writes go through explicit field-list patches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract consumed by the manager and the
// orchestrator.
type Store interface {
	// Parents.
	CreateParent(ctx context.Context, parent *core.ProcessParent) error
	GetParent(ctx context.Context, ref core.ParentRef) (core.ProcessParent, error)
	UpdateParent(ctx context.Context, ref core.ParentRef, patch core.ParentPatch) error
	// DeleteParent removes the parent and everything hanging off it:
	// instances, queue assignments, pending requests, logs.
	DeleteParent(ctx context.Context, ref core.ParentRef) error
	// ListParentsInStatus returns parents whose status is one of the
	// given values, across all parent types.
	ListParentsInStatus(ctx context.Context, statuses ...core.ProcessStatus) ([]core.ProcessParent, error)
	// ListParents returns every parent ordered by type, then id.
	ListParents(ctx context.Context) ([]core.ProcessParent, error)

	// Instances. CreateInstance assigns the id and moves the parent's
	// latest-instance pointer in the same transaction.
	CreateInstance(ctx context.Context, instance *core.ProcessInstance) error
	GetInstance(ctx context.Context, id int64) (core.ProcessInstance, error)
	LatestInstance(ctx context.Context, ref core.ParentRef) (core.ProcessInstance, error)
	UpdateInstance(ctx context.Context, id int64, patch core.InstancePatch) error
	ListInstances(ctx context.Context, ref core.ParentRef) ([]core.ProcessInstance, error)
	// TouchInstance refreshes the instance's updated-at timestamp.
	// Used by the heartbeat channel; never changes status.
	TouchInstance(ctx context.Context, id int64, at time.Time) error
	// AppendInstanceLog appends worker output lines to the instance's
	// log. Append-only; there is no API to rewrite history.
	AppendInstanceLog(ctx context.Context, instanceID int64, lines []string) error
	// InstanceLogs returns the instance's log lines in append order.
	InstanceLogs(ctx context.Context, instanceID int64) ([]string, error)

	// Queue assignments.
	AssignQueue(ctx context.Context, instanceID int64, queueName string) error
	InstanceQueue(ctx context.Context, instanceID int64) (string, error)
	// CountActiveOnQueue counts instances assigned to the queue whose
	// status still requires a live runtime resource.
	CountActiveOnQueue(ctx context.Context, queueName string) (int, error)

	// Request queue. Entries per parent are strictly ordered by id.
	PushRequest(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error
	PushRequestAfter(ctx context.Context, ref core.ParentRef, verb core.RequestVerb, after time.Time) error
	PendingRequests(ctx context.Context, ref core.ParentRef) ([]core.RequestEntry, error)
	DeleteRequest(ctx context.Context, id int64) error
	// DeleteRequestsThrough removes every entry for the parent with
	// id <= throughID.
	DeleteRequestsThrough(ctx context.Context, ref core.ParentRef, throughID int64) error
	ListParentsWithRequests(ctx context.Context) ([]core.ParentRef, error)
}

// Locker is the distributed advisory lock used to guarantee at most one
// in-flight manage operation per parent. TryLock never blocks: it either
// acquires the lock and returns a release function, or reports that the
// lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}
