package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/ratelimit"
	"signal-core/pkg/logger"
)

// Acquirer is the part of ratelimit.Limiter a Limited source needs.
type Acquirer interface {
	AcquireBlocking(ctx context.Context, cost int, timeout time.Duration) error
	Hold(ctx context.Context, d time.Duration) error
}

// Limited passes every fetch through a rate limiter first. When the upstream
// answers with a Retry-After, every pair is refused until it passes, here
// and in any worker sharing the limiter's store.
type Limited struct {
	Source  Source
	Limiter Acquirer
	Timeout time.Duration

	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	heldUntil time.Time
}

// NewLimited wraps src. timeout bounds the wait for a token.
func NewLimited(src Source, lim Acquirer, timeout time.Duration, log *zap.Logger) *Limited {
	return &Limited{Source: src, Limiter: lim, Timeout: timeout, log: logger.OrNop(log), now: time.Now}
}

// FetchPrice implements Source.
func (l *Limited) FetchPrice(ctx context.Context, pair string) (Quote, error) {
	if left := l.holdLeft(); left > 0 {
		e := sourceErr(KindRateLimited, pair, ratelimit.ErrHeld)
		e.RetryAfter = left
		return Quote{}, e
	}
	if err := l.Limiter.AcquireBlocking(ctx, 1, l.Timeout); err != nil {
		if ctx.Err() != nil {
			return Quote{}, sourceErr(KindUnavailable, pair, err)
		}
		e := sourceErr(KindRateLimited, pair, err)
		var held *ratelimit.HeldError
		if errors.As(err, &held) {
			e.RetryAfter = held.For
		}
		return Quote{}, e
	}

	q, err := l.Source.FetchPrice(ctx, pair)
	var se *SourceError
	if errors.As(err, &se) && se.Kind == KindRateLimited && se.RetryAfter > 0 {
		l.hold(ctx, pair, se.RetryAfter)
	}
	return q, err
}

func (l *Limited) holdLeft() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldUntil.Sub(l.now())
}

func (l *Limited) hold(ctx context.Context, pair string, d time.Duration) {
	l.mu.Lock()
	if until := l.now().Add(d); until.After(l.heldUntil) {
		l.heldUntil = until
	}
	l.mu.Unlock()

	l.log.Warn("upstream asked to back off", zap.String("pair", pair), zap.Duration("retry_after", d))
	if err := l.Limiter.Hold(ctx, d); err != nil {
		l.log.Error("could not share upstream backoff", zap.String("pair", pair), zap.Error(err))
	}
}
