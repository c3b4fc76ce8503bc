// Package reconciliation resolves real orders whose submission was never
// confirmed by asking the venue what it holds.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/order"
	"signal-core/pkg/logger"
)

// Orders is the part of order.Manager reconciliation drives.
type Orders interface {
	List(ctx context.Context, f order.ListFilter) ([]*order.Order, error)
	ConfirmSubmission(ctx context.Context, id, externalRef string) (*order.Order, error)
	FailSubmission(ctx context.Context, id, reason string) (*order.Order, error)
}

// Action is what a round did with one pending order.
type Action string

const (
	ActionPromoted Action = "promoted"
	ActionFailed   Action = "failed"
	ActionWaiting  Action = "waiting"
	ActionError    Action = "error"
)

// Resolution records one pending order's fate in a round.
type Resolution struct {
	OrderID     string `json:"order_id"`
	PairKey     string `json:"pair_key"`
	Action      Action `json:"action"`
	ExternalRef string `json:"external_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report contains reconciliation results.
type Report struct {
	Timestamp   time.Time    `json:"timestamp"`
	Checked     int          `json:"checked"`
	Promoted    int          `json:"promoted"`
	Failed      int          `json:"failed"`
	Errors      int          `json:"errors"`
	Resolutions []Resolution `json:"resolutions"`
}

// Service handles periodic reconciliation.
type Service struct {
	orders   Orders
	gateway  order.Gateway
	interval time.Duration
	grace    time.Duration
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewService creates a reconciliation service. Pending orders younger than
// grace are left alone when the venue does not know them yet.
func NewService(orders Orders, gateway order.Gateway, interval, grace time.Duration, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		orders:   orders,
		gateway:  gateway,
		interval: interval,
		grace:    grace,
		log:      logger.OrNop(log),
		now:      time.Now,
	}
}

// Start begins periodic reconciliation until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					s.log.Error("reconciliation: round failed", zap.Error(err))
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.Info("reconciliation: started",
		zap.Duration("interval", s.interval), zap.Duration("pending_grace", s.grace))
}

// Reconcile performs one round over every PENDING_SUBMISSION order.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now().UTC()}
	if s.gateway == nil {
		s.last = report
		return report, nil
	}

	pending, err := s.orders.List(ctx, order.ListFilter{Statuses: []order.Status{order.StatusPendingSubmission}})
	if err != nil {
		return nil, err
	}

	for _, o := range pending {
		report.Checked++
		res := s.resolve(ctx, o)
		switch res.Action {
		case ActionPromoted:
			report.Promoted++
		case ActionFailed:
			report.Failed++
		case ActionError:
			report.Errors++
		}
		report.Resolutions = append(report.Resolutions, res)
	}

	s.last = report
	return report, nil
}

func (s *Service) resolve(ctx context.Context, o *order.Order) Resolution {
	res := Resolution{OrderID: o.ID, PairKey: o.PairKey}

	vo, err := s.gateway.LookupOrder(ctx, o.ID)
	switch {
	case err == nil && vo.Live():
		if _, err := s.orders.ConfirmSubmission(ctx, o.ID, vo.ExternalRef); err != nil {
			res.Action, res.Error = ActionError, err.Error()
			return res
		}
		res.Action, res.ExternalRef = ActionPromoted, vo.ExternalRef
	case err == nil && vo.Dead():
		if _, err := s.orders.FailSubmission(ctx, o.ID, "venue reports "+strings.ToLower(vo.Status)); err != nil {
			res.Action, res.Error = ActionError, err.Error()
			return res
		}
		res.Action, res.ExternalRef = ActionFailed, vo.ExternalRef
	case err == nil:
		res.Action, res.Error = ActionError, fmt.Sprintf("unknown venue status %q", vo.Status)
	case errors.Is(err, order.ErrVenueOrderNotFound):
		if s.now().Sub(o.CreatedAt) < s.grace {
			res.Action = ActionWaiting
			return res
		}
		if _, err := s.orders.FailSubmission(ctx, o.ID, "venue has no record of the order"); err != nil {
			res.Action, res.Error = ActionError, err.Error()
			return res
		}
		res.Action = ActionFailed
	default:
		res.Action, res.Error = ActionError, err.Error()
	}
	return res
}

// LastReport returns the latest round's report, or nil before the first.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report *Report) {
	if report.Checked == 0 {
		return
	}
	for _, r := range report.Resolutions {
		fields := []zap.Field{
			zap.String("order_id", r.OrderID),
			zap.String("pair", r.PairKey),
			zap.String("action", string(r.Action)),
		}
		if r.Action == ActionError {
			s.log.Warn("reconciliation: order unresolved", append(fields, zap.String("err", r.Error))...)
			continue
		}
		s.log.Info("reconciliation: order resolved", fields...)
	}
}
