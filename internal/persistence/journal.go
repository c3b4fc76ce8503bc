package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"signal-core/internal/events"
)

// JournalEntry is one recorded bus event.
type JournalEntry struct {
	ID        int64        `json:"id"`
	Event     events.Event `json:"event"`
	OrderID   string       `json:"order_id,omitempty"`
	PairKey   string       `json:"pair_key,omitempty"`
	Payload   string       `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
}

// JournalTopics are the events written to order_events.
var JournalTopics = []events.Event{
	events.EventOrderOpened,
	events.EventOrderClosed,
	events.EventRiskRejected,
	events.EventTickFailed,
}

// Journal appends bus events to the order_events table.
type Journal struct {
	store *Store
	bus   *events.Bus
	now   func() time.Time

	mu   sync.Mutex
	stop func()
	done chan struct{}
}

// NewJournal builds a journal over store.
func NewJournal(store *Store, bus *events.Bus) *Journal {
	return &Journal{store: store, bus: bus, now: time.Now}
}

// Start subscribes to the bus. Calling it twice is a no-op.
func (j *Journal) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stop != nil {
		return
	}
	ch, stop := j.bus.SubscribeMany(256, JournalTopics...)
	j.stop = stop
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		for env := range ch {
			if err := j.Record(env); err != nil {
				j.store.log.Warn("journal: event not recorded",
					zap.String("event", string(env.Event)), zap.Error(err))
			}
		}
	}()
}

// Stop unsubscribes and waits for queued events to be recorded.
func (j *Journal) Stop() {
	j.mu.Lock()
	stop, done := j.stop, j.done
	j.stop = nil
	j.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Record queues one event for the batch writer.
func (j *Journal) Record(env events.Envelope) error {
	payload, err := sonic.MarshalString(env.Payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	var orderID, pair string
	switch p := env.Payload.(type) {
	case events.OrderEvent:
		orderID, pair = p.OrderID, p.PairKey
	case events.RiskRejected:
		pair = p.PairKey
	case events.TickFailed:
		pair = p.PairKey
	}
	j.store.writer.WriteQuery("order_events", `
		INSERT INTO order_events (event, order_id, pair_key, payload, created_at_ns)
		VALUES (?1, ?2, ?3, ?4, ?5)`,
		string(env.Event), orderID, pair, payload, j.now().UnixNano())
	return nil
}

// Entries returns recorded events, newest first. An empty orderID lists
// every order's events.
func (s *Store) Entries(ctx context.Context, orderID string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, order_id, pair_key, payload, created_at_ns
		FROM order_events
		WHERE ?1 = '' OR order_id = ?1
		ORDER BY id DESC
		LIMIT ?2`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e     JournalEntry
			event string
			ns    int64
		)
		if err := rows.Scan(&e.ID, &event, &e.OrderID, &e.PairKey, &e.Payload, &ns); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Event = events.Event(event)
		e.CreatedAt = fromNs(ns)
		out = append(out, e)
	}
	return out, rows.Err()
}
