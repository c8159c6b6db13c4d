package queuehealth

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrHealthyQueueNotFound reports that no configured queue has a live
// worker. Callers must treat it as transient: leave the request queued
// and retry on the next monitor sweep instead of marking the parent
// errored.
var ErrHealthyQueueNotFound = errors.New("no healthy worker queue found")

// InstanceCounter reports how many instances are currently active on a
// queue. Satisfied by store.Store.
type InstanceCounter interface {
	CountActiveOnQueue(ctx context.Context, queueName string) (int, error)
}

// Selector picks the least loaded healthy queue from a fixed set of
// configured queue names.
type Selector struct {
	registry *Registry
	counter  InstanceCounter
	queues   []string
	timeout  time.Duration
	now      func() time.Time
}

// NewSelector builds a Selector. timeout is the heartbeat staleness
// bound beyond which a worker no longer counts as alive.
func NewSelector(registry *Registry, counter InstanceCounter, queueNames []string, timeout time.Duration) *Selector {
	return &Selector{
		registry: registry,
		counter:  counter,
		queues:   queueNames,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Healthy reports whether the named queue has at least one worker with
// a fresh heartbeat.
func (s *Selector) Healthy(ctx context.Context, queueName string) (bool, error) {
	beats, err := s.registry.workerHeartbeats(ctx, queueName)
	if err != nil {
		return false, err
	}
	cutoff := s.now().Add(-s.timeout)
	for id, ts := range beats {
		if ts.After(cutoff) {
			return true, nil
		}
		slog.Debug("stale worker", "queue", queueName, "worker", id, "last_heartbeat", ts)
	}
	return false, nil
}

// HealthyQueues returns the subset of configured queues that are
// healthy, in configuration order.
func (s *Selector) HealthyQueues(ctx context.Context) ([]string, error) {
	var out []string
	for _, name := range s.queues {
		ok, err := s.Healthy(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Select returns the healthy queue with the fewest active instances.
// Ties go to whichever minimal queue is seen first; any minimal queue
// is acceptable. Pure read of cluster state, safe to call speculatively.
func (s *Selector) Select(ctx context.Context) (string, error) {
	healthy, err := s.HealthyQueues(ctx)
	if err != nil {
		return "", err
	}
	if len(healthy) == 0 {
		slog.Warn("no healthy worker queue", "configured", s.queues)
		return "", ErrHealthyQueueNotFound
	}

	best := ""
	bestCount := -1
	for _, name := range healthy {
		n, err := s.counter.CountActiveOnQueue(ctx, name)
		if err != nil {
			return "", err
		}
		if bestCount < 0 || n < bestCount {
			best, bestCount = name, n
		}
	}
	slog.Debug("selected worker queue", "queue", best, "active_instances", bestCount)
	return best, nil
}
