package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/events/bus"
)

// LogLifecycle attaches a debug-level tap to the session and stream subjects
// so bus traffic shows up in the relay log. The returned cleanup drops the
// subscriptions.
func LogLifecycle(b bus.EventBus, log *logger.Logger) (func() error, error) {
	var subs []bus.Subscription
	unsubscribe := func() error {
		var firstErr error
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for _, pattern := range []string{"session.>", "stream.>"} {
		sub, err := b.Subscribe(pattern, func(ctx context.Context, event *bus.Event) error {
			log.Debug("lifecycle event",
				zap.String("subject", event.Type),
				zap.String("session_id", event.String("session_id")),
				zap.Any("data", event.Data))
			return nil
		})
		if err != nil {
			_ = unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return unsubscribe, nil
}
