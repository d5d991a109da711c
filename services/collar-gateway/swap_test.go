package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collarcore/native/loans"
)

func TestSwapVenueFillsOrder(t *testing.T) {
	var got swapOrder
	var idempotencyKey, apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		apiKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode order: %v", err)
		}
		_, _ = w.Write([]byte(`{"amountOut":"99500"}`))
	}))
	defer server.Close()

	venue := NewSwapVenue(server.URL, "venue-key", time.Second, nil)
	out, err := venue.Swap(context.Background(), "WETH", "USDC", big.NewInt(100), big.NewInt(99_000))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Cmp(big.NewInt(99_500)) != 0 {
		t.Fatalf("unexpected fill %s", out)
	}
	if got.AssetIn != "WETH" || got.AssetOut != "USDC" || got.AmountIn != "100" || got.MinAmountOut != "99000" {
		t.Fatalf("unexpected order %+v", got)
	}
	if idempotencyKey == "" {
		t.Fatal("order sent without idempotency key")
	}
	if apiKey != "venue-key" {
		t.Fatalf("unexpected api key %q", apiKey)
	}
}

func TestSwapVenueEnforcesFloor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amountOut":"98000"}`))
	}))
	defer server.Close()

	venue := NewSwapVenue(server.URL, "", time.Second, nil)
	_, err := venue.Swap(context.Background(), "WETH", "USDC", big.NewInt(100), big.NewInt(99_000))
	if !errors.Is(err, loans.ErrSlippageExceeded) {
		t.Fatalf("expected slippage error, got %v", err)
	}
}

func TestSwapVenueRejectsUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	venue := NewSwapVenue(server.URL, "", time.Second, nil)
	if _, err := venue.Swap(context.Background(), "WETH", "USDC", big.NewInt(100), nil); err == nil {
		t.Fatal("expected error on upstream failure")
	}
}
