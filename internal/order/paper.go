package order

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperSimConfig controls the simulated venue.
type PaperSimConfig struct {
	GatewayLatencyMinMs int // simulated gateway latency lower bound
	GatewayLatencyMaxMs int // simulated gateway latency upper bound
}

// PaperGateway simulates a venue in memory. It accepts every order.
type PaperGateway struct {
	cfg PaperSimConfig
	rng *rand.Rand
	now func() time.Time

	mu     sync.Mutex
	orders map[string]*VenueOrder // client id -> order
	refs   map[string]string      // external ref -> client id
}

// NewPaperGateway returns an empty simulated venue.
func NewPaperGateway(cfg PaperSimConfig) *PaperGateway {
	if cfg.GatewayLatencyMaxMs > 0 && cfg.GatewayLatencyMinMs > cfg.GatewayLatencyMaxMs {
		cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs = cfg.GatewayLatencyMaxMs, cfg.GatewayLatencyMinMs
	}
	return &PaperGateway{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		orders: make(map[string]*VenueOrder),
		refs:   make(map[string]string),
	}
}

func (p *PaperGateway) latency(ctx context.Context) error {
	minMs, maxMs := p.cfg.GatewayLatencyMinMs, p.cfg.GatewayLatencyMaxMs
	if maxMs <= 0 {
		return nil
	}
	if minMs < 0 {
		minMs = 0
	}
	delayMs := minMs
	p.mu.Lock()
	if span := maxMs - minMs; span > 0 {
		delayMs += p.rng.Intn(span + 1)
	}
	p.mu.Unlock()

	t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SubmitOrder implements Gateway. Resubmitting a client id returns the first ack.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	if err := p.latency(ctx); err != nil {
		return SubmitAck{}, err
	}
	if req.Size <= 0 {
		return SubmitAck{}, fmt.Errorf("%w: size %v", ErrRejected, req.Size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if vo, ok := p.orders[req.ClientID]; ok {
		return SubmitAck{ExternalRef: vo.ExternalRef, AcceptedAt: p.now()}, nil
	}
	vo := &VenueOrder{ExternalRef: "paper-" + uuid.NewString(), ClientID: req.ClientID, Status: "OPEN"}
	p.orders[req.ClientID] = vo
	p.refs[vo.ExternalRef] = req.ClientID
	return SubmitAck{ExternalRef: vo.ExternalRef, AcceptedAt: p.now()}, nil
}

// CancelOrder implements Gateway.
func (p *PaperGateway) CancelOrder(ctx context.Context, externalRef string) error {
	if err := p.latency(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	clientID, ok := p.refs[externalRef]
	if !ok {
		return fmt.Errorf("%w: ref %s", ErrVenueOrderNotFound, externalRef)
	}
	p.orders[clientID].Status = "CLOSED"
	return nil
}

// LookupOrder implements Gateway.
func (p *PaperGateway) LookupOrder(ctx context.Context, clientID string) (VenueOrder, error) {
	if err := p.latency(ctx); err != nil {
		return VenueOrder{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vo, ok := p.orders[clientID]
	if !ok {
		return VenueOrder{}, fmt.Errorf("%w: client id %s", ErrVenueOrderNotFound, clientID)
	}
	return *vo, nil
}
