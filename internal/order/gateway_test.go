package order

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/signal"
)

type denyAll struct{}

func (denyAll) AcquireBlocking(context.Context, int, time.Duration) error {
	return errors.New("rate limit wait timed out")
}

func sampleRequest() SubmitRequest {
	return SubmitRequest{
		ClientID:   "c-1",
		PairKey:    "USDT/COP",
		Direction:  signal.Buy,
		Size:       500,
		EntryPrice: 4000,
		StopLoss:   3980,
		TakeProfit: 4040,
	}
}

func TestHTTPGatewaySubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		body, _ := io.ReadAll(r.Body)
		var req SubmitRequest
		require.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, "c-1", req.ClientID)
		assert.Equal(t, signal.Buy, req.Direction)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order_id":"v-42","accepted_at":"2024-05-01T09:00:00Z"}`))
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/", "secret", srv.Client(), nil, 0)
	ack, err := gw.SubmitOrder(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "v-42", ack.ExternalRef)
	assert.True(t, t0.Equal(ack.AcceptedAt))
}

func TestHTTPGatewayClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		definitive bool
	}{
		{"bad request", http.StatusBadRequest, true},
		{"unprocessable", http.StatusUnprocessableEntity, true},
		{"request timeout", http.StatusRequestTimeout, false},
		{"throttled", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"X","message":"nope"}`))
			}))
			defer srv.Close()

			gw := NewHTTPGateway(srv.URL, "", srv.Client(), nil, 0)
			_, err := gw.SubmitOrder(context.Background(), sampleRequest())
			require.Error(t, err)
			assert.Equal(t, tt.definitive, IsDefinitive(err), err.Error())
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPGatewayTransportErrorIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	gw := NewHTTPGateway(url, "", nil, nil, 0)
	_, err := gw.SubmitOrder(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, IsDefinitive(err))
}

func TestHTTPGatewayUnreadableAckIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", srv.Client(), nil, 0).SubmitOrder(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.False(t, IsDefinitive(err))
}

func TestHTTPGatewayLimiterDenialIsNotSent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "", srv.Client(), denyAll{}, time.Millisecond)
	_, err := gw.SubmitOrder(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, ErrNotSent)
	assert.True(t, IsDefinitive(err))
	assert.False(t, called)
}

func TestHTTPGatewayCancelAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/v-1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Query().Get("client_id") == "c-1":
			_, _ = w.Write([]byte(`{"order_id":"v-1","client_id":"c-1","status":"OPEN"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	gw := NewHTTPGateway(srv.URL, "", srv.Client(), nil, 0)
	assert.NoError(t, gw.CancelOrder(ctx, "v-1"))
	assert.NoError(t, gw.CancelOrder(ctx, "gone"), "404 means already closed")

	vo, err := gw.LookupOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, VenueOrder{ExternalRef: "v-1", ClientID: "c-1", Status: "OPEN"}, vo)

	_, err = gw.LookupOrder(ctx, "c-2")
	assert.ErrorIs(t, err, ErrVenueOrderNotFound)
}

func TestPaperGatewayIdempotentSubmit(t *testing.T) {
	gw := NewPaperGateway(PaperSimConfig{})
	ctx := context.Background()

	first, err := gw.SubmitOrder(ctx, sampleRequest())
	require.NoError(t, err)
	second, err := gw.SubmitOrder(ctx, sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ExternalRef, second.ExternalRef)

	vo, err := gw.LookupOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "OPEN", vo.Status)

	require.NoError(t, gw.CancelOrder(ctx, first.ExternalRef))
	vo, _ = gw.LookupOrder(ctx, "c-1")
	assert.Equal(t, "CLOSED", vo.Status)

	assert.ErrorIs(t, gw.CancelOrder(ctx, "paper-unknown"), ErrVenueOrderNotFound)

	bad := sampleRequest()
	bad.ClientID, bad.Size = "c-2", 0
	_, err = gw.SubmitOrder(ctx, bad)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPaperGatewayLatencyHonoursContext(t *testing.T) {
	gw := NewPaperGateway(PaperSimConfig{GatewayLatencyMinMs: 500, GatewayLatencyMaxMs: 500})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := gw.SubmitOrder(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerWithPaperGateway(t *testing.T) {
	h := newHarness(t, WithGateway(NewPaperGateway(PaperSimConfig{})))
	ctx := context.Background()
	o, err := h.mgr.Create(ctx, realProposal())
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, o.Status)

	closed, err := h.mgr.Monitor(ctx, "USDT/COP", 111)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, OutcomeWin, closed[0].Outcome)
}
