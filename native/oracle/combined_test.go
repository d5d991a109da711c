package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func combinedFixture(t *testing.T, baseAnswer, quoteAnswer *big.Int, invertBase, invertQuote bool) *CombinedOracle {
	t.Helper()
	baseFeed := &stubFeed{answer: baseAnswer, updatedAt: 1_000, decimals: 8}
	quoteFeed := &stubFeed{answer: quoteAnswer, updatedAt: 1_000, decimals: 8}
	baseLeg, err := NewFeedOracle("WETH", "USD", 18, 8, baseFeed, 120)
	require.NoError(t, err)
	quoteLeg, err := NewFeedOracle("USDC", "USD", 6, 8, quoteFeed, 120)
	require.NoError(t, err)
	baseLeg.SetNowFunc(func() int64 { return 1_010 })
	quoteLeg.SetNowFunc(func() int64 { return 1_010 })
	combined, err := NewCombinedOracle("WETH", "USDC", 18, 6, baseLeg, quoteLeg, invertBase, invertQuote)
	require.NoError(t, err)
	return combined
}

func TestCombinedPriceDividesLegs(t *testing.T) {
	// WETH/USD = 2000.0, USDC/USD = 1.0 -> WETH/USDC = 2000 at 6 decimals.
	o := combinedFixture(t, big.NewInt(200_000_000_000), big.NewInt(100_000_000), false, false)
	price, err := o.CurrentPrice()
	require.NoError(t, err)
	require.Zero(t, price.Cmp(big.NewInt(2_000_000_000)))
}

func TestCombinedInvertedLeg(t *testing.T) {
	// Quote leg reports USD/USDC = 0.999 -> inverted gives USDC/USD.
	o := combinedFixture(t, big.NewInt(200_000_000_000), big.NewInt(99_900_000), false, true)
	price, err := o.CurrentPrice()
	require.NoError(t, err)
	// 2000 * 0.999 = 1998 at 6 decimals.
	require.Zero(t, price.Cmp(big.NewInt(1_998_000_000)))
}

func TestCombinedTruncatesOnceAtTheEnd(t *testing.T) {
	// 1.0 / 3.0 has no finite decimal form, so the output depends on where
	// truncation happens. A single truncation at the output scale keeps the
	// full 333333 tail.
	o := combinedFixture(t, big.NewInt(100_000_000), big.NewInt(300_000_000), false, false)
	price, err := o.CurrentPrice()
	require.NoError(t, err)
	// Exact 1/3 truncated once at 6 decimals.
	require.Zero(t, price.Cmp(big.NewInt(333_333)))
}

func TestCombinedPropagatesLegFailures(t *testing.T) {
	o := combinedFixture(t, big.NewInt(200_000_000_000), big.NewInt(100_000_000), false, false)
	o.quoteLeg.SetNowFunc(func() int64 { return 2_000 })
	_, err := o.CurrentPrice()
	require.True(t, errors.Is(err, ErrStaleFeed))
}

func TestCombinedInverseRoundTrip(t *testing.T) {
	o := combinedFixture(t, big.NewInt(200_000_000_000), big.NewInt(99_900_000), false, true)
	price, err := o.CurrentPrice()
	require.NoError(t, err)
	inverse, err := o.InversePrice()
	require.NoError(t, err)

	product := new(big.Int).Mul(price, inverse)
	scale := new(big.Int).Mul(pow10(6), pow10(18))
	diff := new(big.Int).Sub(scale, product)
	require.True(t, diff.Sign() >= 0, "product exceeds scale")
	require.True(t, diff.Cmp(price) <= 0, "round-trip drift too large")
}
