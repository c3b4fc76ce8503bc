package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

var (
	// ErrStaleTick is returned for a tick older than the current candle.
	ErrStaleTick = errors.New("stale tick")
	// ErrInvalidTick is returned for a non-positive or non-finite price.
	ErrInvalidTick = errors.New("invalid tick")
)

// DefaultCapacity keeps one day of one-minute candles.
const DefaultCapacity = 1440

// Buffer aggregates ticks of one pair into candles of one timeframe.
// Closed candles are immutable; the in-progress candle is mutated in place.
type Buffer struct {
	mu        sync.RWMutex
	pair      string
	timeframe time.Duration
	capacity  int

	closed   []Candle
	current  *Candle
	lastTick time.Time
}

// NewBuffer creates an empty buffer. capacity <= 0 uses DefaultCapacity.
func NewBuffer(pair string, timeframe time.Duration, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{pair: pair, timeframe: timeframe, capacity: capacity}
}

// Pair returns the pair key.
func (b *Buffer) Pair() string { return b.pair }

// Timeframe returns the candle width.
func (b *Buffer) Timeframe() time.Duration { return b.timeframe }

// Ingest folds one tick into the buffer. When the tick opens a new period
// the previous candle is returned as closed.
func (b *Buffer) Ingest(price float64, at time.Time, volume float64) (*Candle, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("%w: price %v", ErrInvalidTick, price)
	}
	if volume < 0 || math.IsNaN(volume) || math.IsInf(volume, 0) {
		return nil, fmt.Errorf("%w: volume %v", ErrInvalidTick, volume)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	openTime := at.Truncate(b.timeframe)

	if b.current == nil {
		if n := len(b.closed); n > 0 && !openTime.After(b.closed[n-1].OpenTime) {
			return nil, fmt.Errorf("%w: %s not after last closed candle %s", ErrStaleTick, at, b.closed[n-1].OpenTime)
		}
		b.open(price, openTime, at, volume)
		return nil, nil
	}

	switch {
	case openTime.Before(b.current.OpenTime):
		return nil, fmt.Errorf("%w: %s before current candle %s", ErrStaleTick, at, b.current.OpenTime)

	case openTime.Equal(b.current.OpenTime):
		c := b.current
		c.High = math.Max(c.High, price)
		c.Low = math.Min(c.Low, price)
		c.Volume += volume
		// Out-of-order ticks within the period still count for range and volume.
		if !at.Before(b.lastTick) {
			c.Close = price
			b.lastTick = at
		}
		return nil, nil

	default:
		closed := *b.current
		b.closed = append(b.closed, closed)
		if over := len(b.closed) - b.capacity; over > 0 {
			b.closed = append([]Candle(nil), b.closed[over:]...)
		}
		b.open(price, openTime, at, volume)
		return &closed, nil
	}
}

func (b *Buffer) open(price float64, openTime, at time.Time, volume float64) {
	b.current = &Candle{
		PairKey:   b.pair,
		Timeframe: b.timeframe,
		OpenTime:  openTime,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    volume,
	}
	b.lastTick = at
}

// Candles returns a copy of the closed candles followed by the in-progress one.
func (b *Buffer) Candles() []Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Candle, 0, len(b.closed)+1)
	out = append(out, b.closed...)
	if b.current != nil {
		out = append(out, *b.current)
	}
	return out
}

// Closed returns a copy of the closed candles only.
func (b *Buffer) Closed() []Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Candle(nil), b.closed...)
}

// Current returns the in-progress candle, if any.
func (b *Buffer) Current() (Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current == nil {
		return Candle{}, false
	}
	return *b.current, true
}

// Len is the number of closed candles.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.closed)
}

// Seed replaces the closed history with persisted candles. Candles of
// another pair or timeframe are ignored and duplicates collapse.
func (b *Buffer) Seed(candles []Candle) {
	seeded := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if c.PairKey == b.pair && c.Timeframe == b.timeframe {
			seeded = append(seeded, c)
		}
	}
	sort.SliceStable(seeded, func(i, j int) bool { return seeded[i].OpenTime.Before(seeded[j].OpenTime) })

	dedup := seeded[:0]
	for _, c := range seeded {
		if n := len(dedup); n > 0 && dedup[n-1].OpenTime.Equal(c.OpenTime) {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	if over := len(dedup) - b.capacity; over > 0 {
		dedup = dedup[over:]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append([]Candle(nil), dedup...)
	b.current = nil
	b.lastTick = time.Time{}
}

type bufferKey struct {
	pair      string
	timeframe time.Duration
}

// Buffers is a registry of buffers keyed by pair and timeframe.
type Buffers struct {
	mu       sync.Mutex
	capacity int
	buffers  map[bufferKey]*Buffer
}

// NewBuffers creates an empty registry; new buffers get capacity.
func NewBuffers(capacity int) *Buffers {
	return &Buffers{capacity: capacity, buffers: make(map[bufferKey]*Buffer)}
}

// Get returns the buffer for pair and timeframe, creating it on first use.
func (r *Buffers) Get(pair string, timeframe time.Duration) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := bufferKey{pair: pair, timeframe: timeframe}
	buf, ok := r.buffers[k]
	if !ok {
		buf = NewBuffer(pair, timeframe, r.capacity)
		r.buffers[k] = buf
	}
	return buf
}

// Ingest routes a tick to its buffer.
func (r *Buffers) Ingest(pair string, timeframe time.Duration, price float64, at time.Time) (*Candle, error) {
	return r.Get(pair, timeframe).Ingest(price, at, 0)
}
