// Package metrics defines the collector interface the manager and
// orchestrator report into, with a no-op implementation for tests and
// a Prometheus implementation for production.
package metrics

import (
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// Collector receives operational measurements. Implementations must be
// safe for concurrent use.
type Collector interface {
	// StatusTransition records a parent moving between statuses.
	StatusTransition(parentType core.ParentType, from, to core.ProcessStatus)

	// ManageDuration records one full management pass for a parent.
	ManageDuration(parentType core.ParentType, duration time.Duration, err error)

	// Restart records an automatic restart of a parent.
	Restart(parentType core.ParentType)

	// StartFailure records a failed start attempt by failure class.
	StartFailure(parentType core.ParentType, reason string)

	// DispatchSkipped records a dispatch abandoned because the parent's
	// lock was held elsewhere.
	DispatchSkipped(parentType core.ParentType)

	// SweepDuration records one periodic monitor sweep.
	SweepDuration(duration time.Duration, parents int)

	// WorkQueueDepth records the dispatcher work queue depth.
	WorkQueueDepth(depth int)

	// HealthyQueues records how many worker queues passed the health
	// check during a selection.
	HealthyQueues(n int)
}

type noopCollector struct{}

func (noopCollector) StatusTransition(core.ParentType, core.ProcessStatus, core.ProcessStatus) {}
func (noopCollector) ManageDuration(core.ParentType, time.Duration, error)                     {}
func (noopCollector) Restart(core.ParentType)                                                  {}
func (noopCollector) StartFailure(core.ParentType, string)                                     {}
func (noopCollector) DispatchSkipped(core.ParentType)                                          {}
func (noopCollector) SweepDuration(time.Duration, int)                                         {}
func (noopCollector) WorkQueueDepth(int)                                                       {}
func (noopCollector) HealthyQueues(int)                                                        {}

// NewNoop returns a collector that discards everything.
func NewNoop() Collector { return noopCollector{} }
