package order

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Acquirer is the part of ratelimit.Limiter the gateway needs.
type Acquirer interface {
	AcquireBlocking(ctx context.Context, cost int, timeout time.Duration) error
}

// HTTPGateway talks to a REST broker:
//
//	POST   {base}/orders                 submit
//	DELETE {base}/orders/{ref}           close/cancel
//	GET    {base}/orders?client_id={id}  lookup
//
// Every call passes the rate limiter first.
type HTTPGateway struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	limiter        Acquirer
	acquireTimeout time.Duration
}

// NewHTTPGateway builds a gateway. A nil client gets a 10s timeout.
func NewHTTPGateway(baseURL, apiKey string, client *http.Client, limiter Acquirer, acquireTimeout time.Duration) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGateway{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		httpClient:     client,
		limiter:        limiter,
		acquireTimeout: acquireTimeout,
	}
}

type brokerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder implements Gateway. 4xx answers are definitive rejections;
// transport errors, 408, 429 and 5xx are ambiguous.
func (g *HTTPGateway) SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return SubmitAck{}, fmt.Errorf("%w: encode: %v", ErrNotSent, err)
	}
	status, resp, err := g.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return SubmitAck{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return SubmitAck{}, classify(status, resp)
	}

	var ack SubmitAck
	if err := sonic.Unmarshal(resp, &ack); err != nil || ack.ExternalRef == "" {
		// The venue answered 2xx, so the order exists even if the body is unreadable.
		return SubmitAck{}, fmt.Errorf("submit ack unreadable (http %d): %v", status, err)
	}
	if ack.AcceptedAt.IsZero() {
		ack.AcceptedAt = time.Now().UTC()
	}
	return ack, nil
}

// CancelOrder implements Gateway. A 404 means the position is already gone.
func (g *HTTPGateway) CancelOrder(ctx context.Context, externalRef string) error {
	status, resp, err := g.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(externalRef), nil)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300, status == http.StatusNotFound:
		return nil
	default:
		return classify(status, resp)
	}
}

// LookupOrder implements Gateway.
func (g *HTTPGateway) LookupOrder(ctx context.Context, clientID string) (VenueOrder, error) {
	q := url.Values{}
	q.Set("client_id", clientID)
	status, resp, err := g.do(ctx, http.MethodGet, "/orders?"+q.Encode(), nil)
	if err != nil {
		return VenueOrder{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return VenueOrder{}, fmt.Errorf("%w: client id %s", ErrVenueOrderNotFound, clientID)
	case status != http.StatusOK:
		return VenueOrder{}, classify(status, resp)
	}
	var vo VenueOrder
	if err := sonic.Unmarshal(resp, &vo); err != nil {
		return VenueOrder{}, fmt.Errorf("decode lookup: %w", err)
	}
	return vo, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if g.limiter != nil {
		if err := g.limiter.AcquireBlocking(ctx, 1, g.acquireTimeout); err != nil {
			return 0, nil, fmt.Errorf("%w: rate limited: %v", ErrNotSent, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrNotSent, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	resp, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return res.StatusCode, resp, nil
}

func classify(status int, body []byte) error {
	var be brokerError
	_ = sonic.Unmarshal(body, &be)
	msg := be.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("broker http %d: %s", status, msg)
	case status >= 400:
		return fmt.Errorf("%w: http %d %s: %s", ErrRejected, status, be.Code, msg)
	default:
		return fmt.Errorf("broker unexpected http %d: %s", status, msg)
	}
}
