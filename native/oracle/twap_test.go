package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func newTestTWAP(t *testing.T) *TWAPOracle {
	t.Helper()
	o, err := NewTWAPOracle("WETH", "USDC", 18, 6, 300)
	if err != nil {
		t.Fatalf("new twap oracle: %v", err)
	}
	return o
}

func TestTWAPWindowMinimumEnforced(t *testing.T) {
	if _, err := NewTWAPOracle("WETH", "USDC", 18, 6, 60); err == nil {
		t.Fatalf("expected sub-minimum window to be rejected")
	}
}

func TestTWAPAveragesOverWindow(t *testing.T) {
	o := newTestTWAP(t)
	// 1000 for the first half of the window, 2000 for the second half.
	if err := o.Record(big.NewInt(1_000), 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := o.Record(big.NewInt(2_000), 150); err != nil {
		t.Fatalf("record: %v", err)
	}
	o.SetNowFunc(func() int64 { return 300 })

	price, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if price.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("unexpected twap: %s", price)
	}
}

func TestTWAPExtrapolatesLatestPrice(t *testing.T) {
	o := newTestTWAP(t)
	if err := o.Record(big.NewInt(1_000), 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	// No pool activity since t=0: the whole window reads the last price.
	o.SetNowFunc(func() int64 { return 900 })
	price, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if price.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected twap: %s", price)
	}
}

func TestTWAPInsufficientHistory(t *testing.T) {
	o := newTestTWAP(t)
	if err := o.Record(big.NewInt(1_000), 1_000); err != nil {
		t.Fatalf("record: %v", err)
	}
	o.SetNowFunc(func() int64 { return 1_100 })

	// Window start (800) predates the oldest observation (1000).
	if _, err := o.CurrentPrice(); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected insufficient history, got %v", err)
	}
	if _, err := o.PastPrice(1_200); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected insufficient past history, got %v", err)
	}
}

func TestTWAPPastPriceReadsHistoricWindow(t *testing.T) {
	o := newTestTWAP(t)
	if err := o.Record(big.NewInt(1_000), 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := o.Record(big.NewInt(3_000), 600); err != nil {
		t.Fatalf("record: %v", err)
	}
	o.SetNowFunc(func() int64 { return 1_200 })

	// Window [300, 600] sits entirely inside the 1000-price regime.
	past, err := o.PastPrice(600)
	if err != nil {
		t.Fatalf("past price: %v", err)
	}
	if past.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected past twap: %s", past)
	}

	// Current window [900, 1200] reads the 3000-price regime.
	current, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if current.Cmp(big.NewInt(3_000)) != 0 {
		t.Fatalf("unexpected current twap: %s", current)
	}
}

func TestTWAPFallbackDegradesToCurrent(t *testing.T) {
	o := newTestTWAP(t)
	if err := o.Record(big.NewInt(2_000), 0); err != nil {
		t.Fatalf("record: %v", err)
	}
	o.SetNowFunc(func() int64 { return 600 })

	// History starts at t=0, so a window ending at t=100 is unavailable.
	price, ok, err := o.PastPriceWithFallback(100)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if ok {
		t.Fatalf("expected degraded fallback")
	}
	if price.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("unexpected fallback price: %s", price)
	}

	price, ok, err = o.PastPriceWithFallback(400)
	if err != nil {
		t.Fatalf("fallback with history: %v", err)
	}
	if !ok {
		t.Fatalf("expected full-history read")
	}
	if price.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("unexpected historic price: %s", price)
	}
}

func TestTWAPDropsOutOfOrderObservations(t *testing.T) {
	o := newTestTWAP(t)
	if err := o.Record(big.NewInt(1_000), 500); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := o.Record(big.NewInt(9_000), 400); err != nil {
		t.Fatalf("out-of-order record should be a no-op: %v", err)
	}
	o.SetNowFunc(func() int64 { return 800 })
	price, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if price.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("out-of-order sample leaked into twap: %s", price)
	}
}
