package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/pkg/logger"
)

// AlertSink delivers alerts.
type AlertSink interface {
	Send(ctx context.Context, message string) error
}

// Monitor watches tick outcomes and alerts once a pair has failed
// Threshold ticks in a row. A generated signal resets the pair's streak.
type Monitor struct {
	Bus       *events.Bus
	Sink      AlertSink
	Threshold int
	Log       *zap.Logger

	mu      sync.Mutex
	streaks map[string]int
}

// Start consumes events until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.OrNop(m.Log)
	if m.Bus == nil || m.Sink == nil {
		log.Info("monitor: not fully configured, skipping")
		return
	}
	if m.Threshold <= 0 {
		m.Threshold = 3
	}
	m.mu.Lock()
	m.streaks = make(map[string]int)
	m.mu.Unlock()

	stream, stop := m.Bus.SubscribeMany(64, events.EventTickFailed, events.EventSignalGenerated)
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if msg, alert := m.observe(env); alert {
					if err := m.Sink.Send(ctx, msg); err != nil {
						log.Warn("monitor: alert not delivered", zap.Error(err))
					}
				}
			}
		}
	}()
}

func (m *Monitor) observe(env events.Envelope) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p := env.Payload.(type) {
	case events.SignalGenerated:
		delete(m.streaks, p.PairKey)
	case events.TickFailed:
		m.streaks[p.PairKey]++
		if n := m.streaks[p.PairKey]; n == m.Threshold {
			return fmt.Sprintf("🚨 %s: %d consecutive failed ticks, last error: %s", p.PairKey, n, p.Error), true
		}
	}
	return "", false
}
