// Package requests maintains the durable per-parent queue of pending
// lifecycle verbs. Entries are strictly FIFO per parent; the only
// reordering ever applied is arbitration, which removes entries made
// redundant by later ones before a management pass drains the queue.
package requests

import (
	"context"
	"log/slog"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/store"
)

// Queue wraps the request tables of a Store.
type Queue struct {
	store store.Store
}

// New returns a Queue backed by the given store.
func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Push appends a verb for the parent. Duplicate verbs are accepted;
// arbitration collapses them at read time.
func (q *Queue) Push(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error {
	return q.store.PushRequest(ctx, ref, verb)
}

// PeekAll returns the parent's pending entries in enqueue order after
// arbitration. Entries arbitration drops are deleted from storage.
func (q *Queue) PeekAll(ctx context.Context, ref core.ParentRef) ([]core.RequestEntry, error) {
	entries, err := q.store.PendingRequests(ctx, ref)
	if err != nil {
		return nil, err
	}
	kept, dropped := arbitrate(entries)
	for _, e := range dropped {
		if err := q.store.DeleteRequest(ctx, e.ID); err != nil {
			return nil, err
		}
		slog.Debug("dropped superseded request",
			"parent", ref.String(), "verb", e.Verb, "request_id", e.ID)
	}
	return kept, nil
}

// PopUntil removes all of the parent's entries up to and including the
// given entry id. Called after a management pass has applied them.
func (q *Queue) PopUntil(ctx context.Context, ref core.ParentRef, entryID int64) error {
	return q.store.DeleteRequestsThrough(ctx, ref, entryID)
}

// ListParents returns every parent with at least one pending entry.
func (q *Queue) ListParents(ctx context.Context) ([]core.ParentRef, error) {
	return q.store.ListParentsWithRequests(ctx)
}

func isStart(v core.RequestVerb) bool {
	return v == core.VerbStart || v == core.VerbRestart
}

// arbitrate reduces a pending entry list to the ones still worth
// applying. Rules, applied pairwise front to back:
//   - nothing can follow a delete
//   - consecutive duplicates collapse
//   - auto-start never preempts an explicit request
//   - stop and delete cancel all earlier queued work
//   - start and restart collapse into the earlier of the two
func arbitrate(entries []core.RequestEntry) (kept, dropped []core.RequestEntry) {
	if len(entries) < 2 {
		return entries, nil
	}

	var ref *core.RequestEntry
	var qualified []core.RequestEntry
	for i := range entries {
		entry := entries[i]
		if ref == nil {
			ref = &entry
			continue
		}

		if ref.Verb == core.VerbDelete ||
			entry.Verb == ref.Verb ||
			entry.Verb == core.VerbAutoStart {
			dropped = append(dropped, entry)
			continue
		}

		if ref.Verb == core.VerbAutoStart {
			dropped = append(dropped, *ref)
			ref = &entry
			continue
		}

		if entry.Verb == core.VerbStop || entry.Verb == core.VerbDelete {
			for len(qualified) > 0 {
				dropped = append(dropped, qualified[len(qualified)-1])
				qualified = qualified[:len(qualified)-1]
			}
			dropped = append(dropped, *ref)
			ref = &entry
			continue
		}

		if isStart(entry.Verb) && isStart(ref.Verb) {
			dropped = append(dropped, entry)
			continue
		}

		qualified = append(qualified, *ref)
		ref = &entry
	}
	if ref != nil {
		qualified = append(qualified, *ref)
	}
	return qualified, dropped
}
