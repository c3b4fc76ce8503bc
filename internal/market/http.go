package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// HTTPSource polls GET {base}/quotes?pair=... for the latest bid/ask.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

// NewHTTPSource builds a source for baseURL. A nil client gets a 10s timeout.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		validate:   validator.New(),
	}
}

type quotePayload struct {
	Pair      string `json:"pair" validate:"required"`
	Bid       string `json:"bid" validate:"required,numeric"`
	Ask       string `json:"ask" validate:"required,numeric"`
	Timestamp int64  `json:"timestamp" validate:"required,gt=0"`
}

// FetchPrice implements Source.
func (s *HTTPSource) FetchPrice(ctx context.Context, pair string) (Quote, error) {
	params := url.Values{}
	params.Set("pair", pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/quotes?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, sourceErr(KindUnavailable, pair, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return Quote{}, sourceErr(KindUnavailable, pair, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Quote{}, sourceErr(KindUnavailable, pair, fmt.Errorf("read body: %w", err))
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		e := sourceErr(KindRateLimited, pair, fmt.Errorf("http %d", res.StatusCode))
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return Quote{}, e
	case res.StatusCode >= 300:
		return Quote{}, sourceErr(KindUnavailable, pair, fmt.Errorf("http %d: %s", res.StatusCode, truncate(body, 200)))
	}

	return s.decode(pair, body)
}

func (s *HTTPSource) decode(pair string, body []byte) (Quote, error) {
	var p quotePayload
	if err := sonic.Unmarshal(body, &p); err != nil {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("decode quote: %w", err))
	}
	if err := s.validate.Struct(p); err != nil {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("validate quote: %w", err))
	}
	if p.Pair != pair {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("quote for %q, requested %q", p.Pair, pair))
	}

	bid, err := decimal.NewFromString(p.Bid)
	if err != nil {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("bid: %w", err))
	}
	ask, err := decimal.NewFromString(p.Ask)
	if err != nil {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("ask: %w", err))
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return Quote{}, sourceErr(KindMalformed, pair, errors.New("non-positive price"))
	}
	if bid.GreaterThan(ask) {
		return Quote{}, sourceErr(KindMalformed, pair, fmt.Errorf("bid %s above ask %s", bid, ask))
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return Quote{
		PairKey:   pair,
		Bid:       bid.InexactFloat64(),
		Ask:       ask.InexactFloat64(),
		Mid:       mid.InexactFloat64(),
		Timestamp: time.UnixMilli(p.Timestamp).UTC(),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
