package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/engine"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
)

type listOrdersQuery struct {
	Status string `form:"status"`
	Pair   string `form:"pair"`
	Limit  int    `form:"limit"`
}

type listEventsQuery struct {
	Limit int `form:"limit"`
}

type closeOrderRequest struct {
	Price float64 `json:"price" binding:"gte=0"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (q *listOrdersQuery) filter() (order.ListFilter, error) {
	f := order.ListFilter{PairKey: q.Pair, Limit: q.Limit}
	if q.Status == "" {
		return f, nil
	}
	for _, raw := range strings.Split(q.Status, ",") {
		st := order.Status(strings.ToUpper(strings.TrimSpace(raw)))
		switch st {
		case order.StatusPendingSubmission, order.StatusOpen, order.StatusClosed:
			f.Statuses = append(f.Statuses, st)
		default:
			return f, fmt.Errorf("unknown status %q", raw)
		}
	}
	return f, nil
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondOrderError maps order lifecycle errors to HTTP statuses.
func respondOrderError(c *gin.Context, err error) {
	var cancelErr *order.CancellationError
	switch {
	case errors.Is(err, order.ErrNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrAlreadyClosed):
		respondError(c, http.StatusConflict, "ORDER_ALREADY_CLOSED", err.Error())
	case errors.Is(err, order.ErrInvalidOrder):
		respondError(c, http.StatusUnprocessableEntity, "INVALID_ORDER", err.Error())
	case errors.Is(err, engine.ErrNoPrice):
		respondError(c, http.StatusUnprocessableEntity, "NO_PRICE", err.Error())
	case errors.As(err, &cancelErr):
		respondError(c, http.StatusBadGateway, "VENUE_CLOSE_FAILED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// getOrders lists orders, oldest first, filtered by status and pair.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	f, err := q.filter()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	orders, err := s.Engine.ListOrders(c.Request.Context(), f)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.Engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// getOrderEvents returns the journal of one order, newest first.
func (s *Server) getOrderEvents(c *gin.Context) {
	var q listEventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	entries, err := s.Engine.OrderEvents(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// closeOrder cancels an open order at the given price, or at the latest
// buffered price when none is given.
func (s *Server) closeOrder(c *gin.Context) {
	var req closeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	id := c.Param("id")
	o, err := s.Engine.CloseOrder(c.Request.Context(), id, req.Price)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	s.log.Info("api: order closed manually",
		zap.String("order_id", id),
		zap.String("operator", CurrentOperator(c)),
		zap.Float64("exit", o.ExitPrice))
	c.JSON(http.StatusOK, o)
}

func (s *Server) getSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Signals(c.Request.Context()))
}

func (s *Server) getCapital(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Capital(c.Request.Context()))
}

func (s *Server) getRateLimit(c *gin.Context) {
	info, err := s.Engine.RateLimit(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "RATELIMIT_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, info)
}

// getSystemStatus exposes runtime mode and pairs.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SystemStatus(c.Request.Context()))
}

// getMetrics returns runtime metrics as JSON, or as Prometheus text with
// ?format=prometheus.
func (s *Server) getMetrics(c *gin.Context) {
	info := s.Engine.Metrics(c.Request.Context())
	if c.Query("format") != "prometheus" {
		c.JSON(http.StatusOK, info)
		return
	}

	var b strings.Builder
	snapshot := info.System
	fmt.Fprintf(&b, "signal_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "signal_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "signal_ticks_processed_total %d\n", snapshot.TicksProcessed)
	fmt.Fprintf(&b, "signal_tick_failures_total %d\n", snapshot.TickFailures)
	fmt.Fprintf(&b, "signal_signals_generated_total %d\n", snapshot.SignalsGenerated)
	fmt.Fprintf(&b, "signal_orders_opened_total %d\n", snapshot.OrdersOpened)
	fmt.Fprintf(&b, "signal_orders_closed_total %d\n", snapshot.OrdersClosed)
	fmt.Fprintf(&b, "signal_risk_rejections_total %d\n", snapshot.RiskRejections)
	fmt.Fprintf(&b, "signal_lease_skips_total %d\n", snapshot.LeaseSkips)
	fmt.Fprintf(&b, "signal_events_dropped_total %d\n", info.EventsDropped)

	// Gauges for latency (ms)
	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "signal_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "signal_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "signal_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "signal_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("tick", snapshot.TickLatency)
	writeLatency("fetch", snapshot.FetchLatency)
	writeLatency("order", snapshot.OrderLatency)

	fmt.Fprintf(&b, "signal_risk_outstanding_reservations %d\n", info.Gate.Outstanding)
	fmt.Fprintf(&b, "signal_batch_writer_pending %d\n", info.Writer.Pending)
	fmt.Fprintf(&b, "signal_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "signal_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
