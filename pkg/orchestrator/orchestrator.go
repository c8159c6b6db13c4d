// Package orchestrator turns queued lifecycle requests into manager
// calls. Every parent is dispatched under an advisory lock shared by
// all orchestrator replicas, so at most one replica manages a given
// parent at a time. A periodic sweep re-dispatches parents that have
// pending requests or a non-resting status, which makes every state
// transition eventually consistent even when a wakeup is lost.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
	"github.com/rulefleet/rulefleet/pkg/manager"
	"github.com/rulefleet/rulefleet/pkg/metrics"
	"github.com/rulefleet/rulefleet/pkg/requests"
	"github.com/rulefleet/rulefleet/pkg/store"
)

// Lifecycle is the manager surface the orchestrator drives. Satisfied
// by *manager.Manager.
type Lifecycle interface {
	Start(ctx context.Context, ref core.ParentRef, isRestart bool) error
	Stop(ctx context.Context, ref core.ParentRef) error
	Restart(ctx context.Context, ref core.ParentRef) error
	Delete(ctx context.Context, ref core.ParentRef) error
	Monitor(ctx context.Context, ref core.ParentRef) error
}

// HealthLister reports which worker queues currently have live
// workers. Satisfied by *queuehealth.Selector.
type HealthLister interface {
	HealthyQueues(ctx context.Context) ([]string, error)
}

// Options tune the dispatch machinery.
type Options struct {
	// Workers is the number of concurrent dispatch workers.
	Workers int
	// SweepInterval is the period of the reconciliation sweep.
	SweepInterval time.Duration
	// RetryDelay is how long a dispatch is deferred when another
	// replica holds the parent's lock.
	RetryDelay time.Duration
	// Health, when set, feeds the healthy-queue gauge each sweep.
	Health HealthLister
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
}

// Orchestrator owns the dispatch loop for one replica.
type Orchestrator struct {
	store     store.Store
	locker    store.Locker
	queue     *requests.Queue
	lifecycle Lifecycle
	sched     *Scheduler
	metrics   metrics.Collector
	opts      Options
}

func New(s store.Store, locker store.Locker, q *requests.Queue,
	lifecycle Lifecycle, sched *Scheduler, collector metrics.Collector,
	opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:     s,
		locker:    locker,
		queue:     q,
		lifecycle: lifecycle,
		sched:     sched,
		metrics:   collector,
		opts:      opts,
	}
}

// QueueDispatch records a lifecycle request for the parent and wakes
// the dispatcher. The request is durable before the wakeup: a crashed
// replica loses nothing but latency.
func (o *Orchestrator) QueueDispatch(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error {
	if err := o.queue.Push(ctx, ref, verb); err != nil {
		return fmt.Errorf("queue %s for %s: %w", verb, ref, err)
	}
	o.sched.Submit(ref)
	return nil
}

// Run blocks serving dispatches and sweeps until ctx is cancelled,
// then drains the workers.
func (o *Orchestrator) Run(ctx context.Context) error {
	jobs := make(chan core.ParentRef, o.opts.Workers)

	var workers sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for ref := range jobs {
				o.dispatch(ctx, ref)
			}
		}()
	}

	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		ticker := time.NewTicker(o.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.sweep(ctx)
			}
		}
	}()

	slog.Info("orchestrator started",
		"workers", o.opts.Workers, "sweep_interval", o.opts.SweepInterval)

	// Delay elapses are not signalled, only new enqueues are, so the
	// consumer also polls.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			workers.Wait()
			sweeper.Wait()
			slog.Info("orchestrator stopped")
			return ctx.Err()
		case <-o.sched.wait():
		case <-ticker.C:
		}

		for {
			ref, ok := o.sched.next()
			if !ok {
				break
			}
			select {
			case jobs <- ref:
			case <-ctx.Done():
			}
		}
	}
}

// dispatch runs one management pass for a parent under its advisory
// lock. A held lock means another replica is already managing the
// parent; the pass is deferred rather than blocked on.
func (o *Orchestrator) dispatch(ctx context.Context, ref core.ParentRef) {
	release, acquired, err := o.locker.TryLock(ctx, lockKey(ref))
	if err != nil {
		slog.Error("advisory lock failed", "parent", ref.String(), "error", err)
		o.sched.SubmitAfter(ref, o.opts.RetryDelay)
		return
	}
	if !acquired {
		slog.Debug("dispatch deferred, lock held elsewhere", "parent", ref.String())
		o.metrics.DispatchSkipped(ref.Type)
		o.sched.SubmitAfter(ref, o.opts.RetryDelay)
		return
	}
	defer release()

	start := time.Now()
	err = o.manage(ctx, ref)
	o.metrics.ManageDuration(ref.Type, time.Since(start), err)
	if err != nil {
		slog.Error("management pass failed", "parent", ref.String(), "error", err)
	}
}

// manage drains the parent's arbitrated request queue, then reconciles
// runtime state. Retryable start failures leave the entry queued for a
// later pass; an entry whose not-before time has not arrived parks a
// wakeup and stays queued. Every other outcome consumes the entry.
func (o *Orchestrator) manage(ctx context.Context, ref core.ParentRef) error {
	entries, err := o.queue.PeekAll(ctx, ref)
	if err != nil {
		return err
	}

	deleted := false
	for _, entry := range entries {
		if !entry.Ready(time.Now().UTC()) {
			o.sched.SubmitAfter(ref, time.Until(entry.ProcessAfter))
			break
		}
		err := o.apply(ctx, ref, entry.Verb)
		if err != nil && manager.IsRetryable(err) {
			slog.Info("request deferred", "parent", ref.String(),
				"verb", entry.Verb, "reason", err)
			return nil
		}
		if err != nil {
			slog.Error("request failed", "parent", ref.String(),
				"verb", entry.Verb, "error", err)
		}
		if popErr := o.queue.PopUntil(ctx, ref, entry.ID); popErr != nil {
			return popErr
		}
		if entry.Verb == core.VerbDelete && err == nil {
			deleted = true
		}
	}

	if deleted {
		return nil
	}
	err = o.lifecycle.Monitor(ctx, ref)
	var monErr *manager.MonitorError
	if errors.As(err, &monErr) {
		// Already reflected on the parent record.
		slog.Warn("monitor", "parent", ref.String(), "error", err)
		return nil
	}
	return err
}

func (o *Orchestrator) apply(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error {
	switch verb {
	case core.VerbStart:
		return o.lifecycle.Start(ctx, ref, false)
	case core.VerbAutoStart:
		// The parent may have been deleted while the restart waited.
		if _, err := o.store.GetParent(ctx, ref); errors.Is(err, store.ErrNotFound) {
			slog.Info("dropping scheduled restart, parent is gone", "parent", ref.String())
			return nil
		}
		return o.lifecycle.Start(ctx, ref, true)
	case core.VerbStop:
		return o.lifecycle.Stop(ctx, ref)
	case core.VerbRestart:
		return o.lifecycle.Restart(ctx, ref)
	case core.VerbDelete:
		return o.lifecycle.Delete(ctx, ref)
	default:
		return fmt.Errorf("unknown request verb %q", verb)
	}
}

// sweep re-dispatches every parent that has pending requests or a
// status that needs watching. Dispatch dedup happens in the work
// queue, so overlapping sources are harmless.
func (o *Orchestrator) sweep(ctx context.Context) {
	start := time.Now()
	seen := make(map[core.ParentRef]struct{})

	withRequests, err := o.queue.ListParents(ctx)
	if err != nil {
		slog.Error("sweep: listing queued parents failed", "error", err)
	}
	for _, ref := range withRequests {
		seen[ref] = struct{}{}
	}

	watched, err := o.store.ListParentsInStatus(ctx,
		core.StatusStarting, core.StatusRunning, core.StatusStopping,
		core.StatusWorkersOffline, core.StatusUnresponsive, core.StatusDeleting)
	if err != nil {
		slog.Error("sweep: listing active parents failed", "error", err)
	}
	for _, p := range watched {
		seen[p.Ref()] = struct{}{}
	}

	for ref := range seen {
		o.sched.SubmitAfter(ref, jitter(time.Second, 0.5))
	}

	o.metrics.SweepDuration(time.Since(start), len(seen))
	o.metrics.WorkQueueDepth(o.sched.Len())
	if o.opts.Health != nil {
		if queues, err := o.opts.Health.HealthyQueues(ctx); err == nil {
			o.metrics.HealthyQueues(len(queues))
		}
	}
	if len(seen) > 0 {
		slog.Debug("sweep dispatched", "parents", len(seen))
	}
}

func lockKey(ref core.ParentRef) string {
	return fmt.Sprintf("orchestrate-%s-%d", ref.Type, ref.ID)
}
