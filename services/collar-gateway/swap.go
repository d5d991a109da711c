package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"collarcore/native/loans"
)

// SwapVenue executes collateral-for-cash conversions against an external
// execution venue over HTTP. Every order carries a fresh idempotency key so
// a retried request cannot fill twice.
type SwapVenue struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func NewSwapVenue(url, apiKey string, timeout time.Duration, logger *slog.Logger) *SwapVenue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SwapVenue{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type swapOrder struct {
	AssetIn      string `json:"assetIn"`
	AssetOut     string `json:"assetOut"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
}

type swapFill struct {
	AmountOut string `json:"amountOut"`
}

func (v *SwapVenue) Swap(ctx context.Context, assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	order := swapOrder{
		AssetIn:  assetIn,
		AssetOut: assetOut,
		AmountIn: amountIn.String(),
	}
	if minAmountOut != nil {
		order.MinAmountOut = minAmountOut.String()
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url+"/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if v.apiKey != "" {
		req.Header.Set("X-API-Key", v.apiKey)
	}

	res, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("swap venue: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("swap venue returned status %d", res.StatusCode)
	}
	var fill swapFill
	if err := json.NewDecoder(res.Body).Decode(&fill); err != nil {
		return nil, fmt.Errorf("decode swap fill: %w", err)
	}
	amountOut, ok := new(big.Int).SetString(fill.AmountOut, 10)
	if !ok || amountOut.Sign() < 0 {
		return nil, fmt.Errorf("swap fill %q is not a valid amount", fill.AmountOut)
	}
	if minAmountOut != nil && amountOut.Cmp(minAmountOut) < 0 {
		v.logger.Warn("swap filled below floor",
			"amountOut", amountOut.String(),
			"minAmountOut", minAmountOut.String(),
		)
		return nil, loans.ErrSlippageExceeded
	}
	return amountOut, nil
}
