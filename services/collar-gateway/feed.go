package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// feedReport is the wire shape served by the external price endpoint.
type feedReport struct {
	Answer    string `json:"answer"`
	UpdatedAt int64  `json:"updatedAt"`
}

// HTTPPriceFeed polls a price endpoint and serves the last report as an
// oracle.PriceFeed. Staleness is enforced by the consuming oracle, so a
// dead endpoint degrades into stale reads rather than cached lies.
type HTTPPriceFeed struct {
	url      string
	decimals uint8
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	answer    *big.Int
	updatedAt int64
}

func NewHTTPPriceFeed(url string, decimals uint8, interval time.Duration, logger *slog.Logger) *HTTPPriceFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPriceFeed{
		url:      url,
		decimals: decimals,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Run polls until the context is cancelled. The first fetch happens
// immediately so the gateway can serve prices as soon as it is up.
func (f *HTTPPriceFeed) Run(ctx context.Context) {
	if err := f.fetch(ctx); err != nil {
		f.logger.Warn("initial price fetch failed", "error", err)
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.fetch(ctx); err != nil {
				f.logger.Warn("price fetch failed", "error", err)
			}
		}
	}
}

func (f *HTTPPriceFeed) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	res, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("feed returned status %d", res.StatusCode)
	}
	var report feedReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode feed report: %w", err)
	}
	answer, ok := new(big.Int).SetString(report.Answer, 10)
	if !ok || answer.Sign() <= 0 {
		return fmt.Errorf("feed answer %q is not a positive integer", report.Answer)
	}
	updatedAt := report.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().Unix()
	}

	f.mu.Lock()
	f.answer = answer
	f.updatedAt = updatedAt
	f.mu.Unlock()
	return nil
}

func (f *HTTPPriceFeed) LatestAnswer() (*big.Int, int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.answer == nil {
		return nil, 0, fmt.Errorf("no price report received from %s yet", f.url)
	}
	return new(big.Int).Set(f.answer), f.updatedAt, nil
}

func (f *HTTPPriceFeed) Decimals() uint8 { return f.decimals }

func (f *HTTPPriceFeed) Description() string {
	return fmt.Sprintf("http feed %s", f.url)
}
