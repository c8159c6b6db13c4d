package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rulefleet/rulefleet/pkg/core"
)

const (
	transitionSubjectFmt = "rulefleet.transitions.%s.%d"
	transitionWildcard   = "rulefleet.transitions.>"
	heartbeatSubject     = "rulefleet.heartbeats"
)

// Bus is a NATS-backed Notifier plus the worker heartbeat channel.
type Bus struct {
	conn *nats.Conn
}

// Connect dials the NATS server with indefinite reconnects.
func Connect(url string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// NewBus wraps an existing connection.
func NewBus(conn *nats.Conn) *Bus { return &Bus{conn: conn} }

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishTransition(_ context.Context, event core.TransitionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf(transitionSubjectFmt, event.ParentType, event.ParentID)
	return b.conn.Publish(subject, data)
}

// SubscribeTransitions delivers every transition event to the handler.
// Malformed payloads are logged and skipped.
func (b *Bus) SubscribeTransitions(handler func(core.TransitionEvent)) (*nats.Subscription, error) {
	return b.conn.Subscribe(transitionWildcard, func(msg *nats.Msg) {
		var event core.TransitionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("malformed transition event", "subject", msg.Subject, "error", err)
			return
		}
		handler(event)
	})
}

// PublishHeartbeat sends a worker liveness report. Called by workers.
func (b *Bus) PublishHeartbeat(_ context.Context, report core.HeartbeatReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return b.conn.Publish(heartbeatSubject, data)
}

// InstanceToucher refreshes an instance's liveness timestamp. Satisfied
// by store.Store.
type InstanceToucher interface {
	TouchInstance(ctx context.Context, id int64, at time.Time) error
}

// SubscribeHeartbeats feeds worker reports into the store so the
// monitor can judge staleness. Malformed or unknown reports are
// ignored, never treated as errors.
func (b *Bus) SubscribeHeartbeats(ctx context.Context, toucher InstanceToucher) (*nats.Subscription, error) {
	return b.conn.Subscribe(heartbeatSubject, func(msg *nats.Msg) {
		var report core.HeartbeatReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			slog.Debug("malformed heartbeat", "error", err)
			return
		}
		if report.InstanceID == 0 {
			return
		}
		at := report.Timestamp
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := toucher.TouchInstance(ctx, report.InstanceID, at); err != nil {
			slog.Debug("heartbeat for unknown instance",
				"instance_id", report.InstanceID, "error", err)
		}
	})
}

var _ Notifier = (*Bus)(nil)
