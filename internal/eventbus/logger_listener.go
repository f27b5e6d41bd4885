package eventbus

import (
	"context"

	"github.com/annel0/asteroids-replay/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог.
// Для событий реплеев раскрывает полезную нагрузку.
func StartLoggingListener(bus EventBus) (Subscription, error) {
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		re, err := DecodeReplayEvent(ev)
		if err != nil {
			logging.Debug("[EventBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
			return
		}
		if re.Error != "" {
			logging.Warn("[EventBus] %s src=%s file=%s: %s", ev.EventType, ev.Source, re.Name, re.Error)
			return
		}
		logging.Debug("[EventBus] %s src=%s file=%s id=%s frames=%d", ev.EventType, ev.Source, re.Name, re.ID, re.Frames)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("🪵 LoggingListener: подписка на все события активирована")
	return sub, nil
}
