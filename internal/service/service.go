package service

import (
	"context"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/metrics"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"go.uber.org/zap"
)

// Fanout pushes real-time deliveries to connected sessions.
type Fanout interface {
	Emit(ctx context.Context, d ws.Delivery) error
}

// EventPublisher hands domain events to the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.DomainEvent) error
}

// notifier wraps the best-effort side effects of a committed write. Failures
// are logged and never returned.
type notifier struct {
	fanout Fanout
	events EventPublisher
	log    *zap.Logger
}

func (n notifier) push(ctx context.Context, recipients []string, exclude string, env ws.Envelope) {
	if n.fanout == nil || len(recipients) == 0 {
		return
	}
	d := ws.Delivery{Recipients: recipients, ExcludeSession: exclude, Envelope: env}
	if err := n.fanout.Emit(ctx, d); err != nil {
		metrics.FanoutErrors.Inc()
		n.log.Warn("fanout emit failed",
			zap.String("type", env.Type),
			zap.String("conversation_id", env.ConversationID),
			zap.Error(err))
	}
}

func (n notifier) pushEvent(ctx context.Context, recipients []string, exclude, typ, conversationID string, payload any) {
	env, err := ws.NewEnvelope(typ, conversationID, payload)
	if err != nil {
		n.log.Error("build envelope", zap.String("type", typ), zap.Error(err))
		return
	}
	n.push(ctx, recipients, exclude, env)
}

func (n notifier) publish(ctx context.Context, ev domain.DomainEvent) {
	if n.events == nil {
		return
	}
	if err := n.events.Publish(ctx, ev); err != nil {
		metrics.EventPublishErrors.Inc()
		n.log.Warn("publish event failed", zap.String("event", ev.Event), zap.String("key", ev.Key), zap.Error(err))
	}
}

func unionMembers(a, b []string) []string {
	return domain.Dedup(append(append([]string{}, a...), b...))
}
