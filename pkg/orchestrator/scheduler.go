package orchestrator

import (
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// Scheduler feeds the dispatch work queue. It also serves as the
// manager's restart scheduler: the manager queues the durable
// auto-start request itself, so a scheduled restart here is only the
// wakeup that spares the parent a full sweep interval of latency.
type Scheduler struct {
	wq *delayedQueue
}

func NewScheduler() *Scheduler {
	return &Scheduler{wq: newDelayedQueue()}
}

// ScheduleRestart implements manager.RestartScheduler.
func (s *Scheduler) ScheduleRestart(ref core.ParentRef, delay time.Duration) {
	s.wq.Enqueue(ref, delay)
}

// Submit wakes the dispatcher for the ref immediately.
func (s *Scheduler) Submit(ref core.ParentRef) {
	s.wq.Enqueue(ref, 0)
}

// SubmitAfter wakes the dispatcher for the ref once delay elapses.
func (s *Scheduler) SubmitAfter(ref core.ParentRef, delay time.Duration) {
	s.wq.Enqueue(ref, delay)
}

// next pops the next ready ref.
func (s *Scheduler) next() (core.ParentRef, bool) {
	return s.wq.Dequeue()
}

func (s *Scheduler) Len() int { return s.wq.Len() }

func (s *Scheduler) wait() <-chan struct{} { return s.wq.Wait() }
