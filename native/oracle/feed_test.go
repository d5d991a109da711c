package oracle

import (
	"errors"
	"math/big"
	"testing"
)

type stubFeed struct {
	answer    *big.Int
	updatedAt int64
	decimals  uint8
	err       error
}

func (f *stubFeed) LatestAnswer() (*big.Int, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.answer, f.updatedAt, nil
}

func (f *stubFeed) Decimals() uint8     { return f.decimals }
func (f *stubFeed) Description() string { return "stub" }

type stubUptime struct {
	up        bool
	changedAt int64
	err       error
}

func (u *stubUptime) Status() (bool, int64, error) {
	return u.up, u.changedAt, u.err
}

func newTestFeedOracle(t *testing.T, feed *stubFeed, staleness int64) *FeedOracle {
	t.Helper()
	o, err := NewFeedOracle("WETH", "USDC", 18, 6, feed, staleness)
	if err != nil {
		t.Fatalf("new feed oracle: %v", err)
	}
	return o
}

func TestFeedOracleScalesToQuoteDecimals(t *testing.T) {
	// Feed reports 2000.00000000 with 8 decimals; quote asset has 6.
	feed := &stubFeed{answer: big.NewInt(200_000_000_000), updatedAt: 1_000, decimals: 8}
	o := newTestFeedOracle(t, feed, 120)
	o.SetNowFunc(func() int64 { return 1_060 })

	price, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if price.Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}
}

func TestFeedOracleStaleness(t *testing.T) {
	feed := &stubFeed{answer: big.NewInt(1_500_000_000), updatedAt: 1_000, decimals: 6}
	o := newTestFeedOracle(t, feed, 120)
	o.SetNowFunc(func() int64 { return 1_121 })

	if _, err := o.CurrentPrice(); !errors.Is(err, ErrStaleFeed) {
		t.Fatalf("expected stale feed, got %v", err)
	}

	o.SetNowFunc(func() int64 { return 1_120 })
	if _, err := o.CurrentPrice(); err != nil {
		t.Fatalf("price within staleness window: %v", err)
	}
}

func TestFeedOracleRejectsNonPositiveAnswer(t *testing.T) {
	feed := &stubFeed{answer: big.NewInt(0), updatedAt: 1_000, decimals: 6}
	o := newTestFeedOracle(t, feed, 120)
	o.SetNowFunc(func() int64 { return 1_001 })
	if _, err := o.CurrentPrice(); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("expected invalid answer, got %v", err)
	}
}

func TestSequencerGate(t *testing.T) {
	feed := &stubFeed{answer: big.NewInt(1_000_000), updatedAt: 5_000, decimals: 6}
	o := newTestFeedOracle(t, feed, 600)
	o.SetNowFunc(func() int64 { return 5_100 })

	if _, err := o.SequencerLiveFor(60); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}

	uptime := &stubUptime{up: true, changedAt: 5_050}
	o.SetUptimeFeed(uptime, 60)

	// Up for only 50s of the 60s grace period.
	if _, err := o.CurrentPrice(); !errors.Is(err, ErrSequencerDown) {
		t.Fatalf("expected sequencer down, got %v", err)
	}

	o.SetNowFunc(func() int64 { return 5_110 })
	if _, err := o.CurrentPrice(); err != nil {
		t.Fatalf("price after grace period: %v", err)
	}

	uptime.up = false
	if _, err := o.CurrentPrice(); !errors.Is(err, ErrSequencerDown) {
		t.Fatalf("expected sequencer down after outage, got %v", err)
	}
}

func TestInversePriceRoundTrip(t *testing.T) {
	feed := &stubFeed{answer: big.NewInt(1_234_567_890), updatedAt: 1_000, decimals: 8}
	o := newTestFeedOracle(t, feed, 120)
	o.SetNowFunc(func() int64 { return 1_010 })

	price, err := o.CurrentPrice()
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	inverse, err := o.InversePrice()
	if err != nil {
		t.Fatalf("inverse price: %v", err)
	}

	// inverse * price should reproduce the combined scale within one unit
	// of truncation at each side.
	product := new(big.Int).Mul(price, inverse)
	scale := new(big.Int).Mul(pow10(6), pow10(18))
	diff := new(big.Int).Sub(scale, product)
	if diff.Sign() < 0 {
		t.Fatalf("product exceeds scale: %s", diff)
	}
	// Truncation loses at most one unit of the price per inverse unit.
	if diff.Cmp(price) > 0 {
		t.Fatalf("round-trip drift too large: %s", diff)
	}
}

func TestFeedFallbackReturnsCurrentWithFlag(t *testing.T) {
	feed := &stubFeed{answer: big.NewInt(1_000_000), updatedAt: 2_000, decimals: 6}
	o := newTestFeedOracle(t, feed, 120)
	o.SetNowFunc(func() int64 { return 2_010 })

	price, ok, err := o.PastPriceWithFallback(1_000)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if ok {
		t.Fatalf("direct feed must always signal degraded history")
	}
	if price.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected fallback price: %s", price)
	}
}
