package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/pkg/logger"
)

// Topics are the events turned into notifications.
var Topics = []events.Event{
	events.EventOrderOpened,
	events.EventOrderClosed,
	events.EventRiskRejected,
}

// Dispatcher forwards bus events to notifiers.
type Dispatcher struct {
	bus       *events.Bus
	notifiers []Notifier
	timeout   time.Duration
	log       *zap.Logger

	mu   sync.Mutex
	stop func()
	done chan struct{}
}

// NewDispatcher fans events out to every notifier.
func NewDispatcher(bus *events.Bus, log *zap.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		bus:       bus,
		notifiers: notifiers,
		timeout:   10 * time.Second,
		log:       logger.OrNop(log),
	}
}

// Start subscribes to the bus.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	ch, stop := d.bus.SubscribeMany(64, Topics...)
	d.stop = stop
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		for env := range ch {
			d.deliver(env)
		}
	}()
}

// Stop unsubscribes and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop = nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (d *Dispatcher) deliver(env events.Envelope) {
	msg, ok := Format(env)
	if !ok {
		return
	}
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := n.Send(ctx, msg)
		cancel()
		if err != nil {
			d.log.Warn("notify: delivery failed", zap.String("event", string(env.Event)), zap.Error(err))
		}
	}
}

// Format renders an event as a message. It reports false for payloads it
// does not know.
func Format(env events.Envelope) (string, bool) {
	switch p := env.Payload.(type) {
	case events.OrderEvent:
		mode := "paper"
		if p.IsReal {
			mode = "real"
		}
		if env.Event == events.EventOrderOpened {
			return fmt.Sprintf("📈 %s %s opened (%s) entry=%.4f sl=%.4f tp=%.4f size=%.4f [%s]",
				p.PairKey, p.Direction, mode, p.EntryPrice, p.StopLoss, p.TakeProfit, p.Size, p.OrderID), true
		}
		if p.FailureReason != "" {
			return fmt.Sprintf("⚠️ %s %s %s: %s [%s]",
				p.PairKey, p.Direction, p.Outcome, p.FailureReason, p.OrderID), true
		}
		return fmt.Sprintf("🏁 %s %s closed %s exit=%.4f result=%.2f (%.1f pips) [%s]",
			p.PairKey, p.Direction, p.Outcome, p.ExitPrice, p.ResultValue, p.ResultUnits, p.OrderID), true
	case events.RiskRejected:
		return fmt.Sprintf("🛑 %s %s rejected: %s",
			p.PairKey, p.Direction, strings.Join(p.Codes, ", ")), true
	default:
		return "", false
	}
}
