// Package events carries the orchestrator's outbound transition
// notifications and the inbound worker heartbeat channel over NATS.
package events

import (
	"context"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// Notifier publishes parent status transitions for external audit and
// log collaborators.
type Notifier interface {
	PublishTransition(ctx context.Context, event core.TransitionEvent) error
}

type noopNotifier struct{}

func (noopNotifier) PublishTransition(context.Context, core.TransitionEvent) error { return nil }

// NewNoopNotifier returns a Notifier that drops every event. Used in
// tests and when no message bus is configured.
func NewNoopNotifier() Notifier { return noopNotifier{} }
