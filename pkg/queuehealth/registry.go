// Package queuehealth tracks worker liveness per queue and selects the
// healthiest queue for new rulebook processes. Workers report
// heartbeats into Redis; health is recomputed from those timestamps on
// every call, nothing is cached.
package queuehealth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueWorkersKeyFmt = "rulefleet:queue:%s:workers"
	workerKeyFmt       = "rulefleet:worker:%s"
	heartbeatField     = "heartbeat"

	// Worker records expire on their own if a worker dies without
	// deregistering. Kept well above the health timeout so expiry
	// never races the staleness check.
	workerRecordTTL = 24 * time.Hour
)

// Registry reads and writes worker heartbeat records in Redis.
type Registry struct {
	client redis.UniversalClient
}

// NewRegistry returns a Registry on the given client.
func NewRegistry(client redis.UniversalClient) *Registry {
	return &Registry{client: client}
}

// ReportHeartbeat registers the worker on its queue and records the
// heartbeat timestamp. Called by workers on a fixed interval.
func (r *Registry) ReportHeartbeat(ctx context.Context, queueName, workerID string, at time.Time) error {
	queueKey := fmt.Sprintf(queueWorkersKeyFmt, queueName)
	workerKey := fmt.Sprintf(workerKeyFmt, workerID)

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, queueKey, workerID)
	pipe.HSet(ctx, workerKey, heartbeatField, at.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, workerKey, workerRecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Deregister removes the worker from its queue. Heartbeat records are
// left to expire.
func (r *Registry) Deregister(ctx context.Context, queueName, workerID string) error {
	queueKey := fmt.Sprintf(queueWorkersKeyFmt, queueName)
	return r.client.SRem(ctx, queueKey, workerID).Err()
}

// workerHeartbeats returns the last heartbeat per registered worker on
// the queue. Workers whose record has expired report a zero time.
func (r *Registry) workerHeartbeats(ctx context.Context, queueName string) (map[string]time.Time, error) {
	queueKey := fmt.Sprintf(queueWorkersKeyFmt, queueName)
	workers, err := r.client.SMembers(ctx, queueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers for queue %q: %w", queueName, err)
	}
	out := make(map[string]time.Time, len(workers))
	for _, id := range workers {
		raw, err := r.client.HGet(ctx, fmt.Sprintf(workerKeyFmt, id), heartbeatField).Result()
		if err == redis.Nil {
			out[id] = time.Time{}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("heartbeat for worker %q: %w", id, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			// Malformed heartbeat reads as no heartbeat.
			out[id] = time.Time{}
			continue
		}
		out[id] = ts
	}
	return out, nil
}
