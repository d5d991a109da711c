package oracle

import (
	"errors"
	"math/big"
)

var (
	ErrStaleFeed           = errors.New("oracle: stale price feed")
	ErrSequencerDown       = errors.New("oracle: sequencer down")
	ErrNotConfigured       = errors.New("oracle: liveness feed not configured")
	ErrInsufficientHistory = errors.New("oracle: insufficient price history")
	ErrInvalidAnswer       = errors.New("oracle: feed answer must be positive")
)

// PriceOracle is the read capability every settlement and loan-opening caller
// depends on. All three strategies (direct feed, combined two-leg, pooled
// TWAP) satisfy it so callers stay oracle-agnostic.
//
// CurrentPrice returns the base asset priced in quote units, scaled to
// 10^quoteDecimals. InversePrice returns the quote asset priced in base
// units, scaled to 10^baseDecimals.
type PriceOracle interface {
	BaseAsset() string
	QuoteAsset() string
	CurrentPrice() (*big.Int, error)
	InversePrice() (*big.Int, error)
	// PastPriceWithFallback resolves the price at the given unix timestamp
	// when history allows it. When history is insufficient it returns the
	// current price with ok=false instead of failing, signalling degraded
	// mode to the caller.
	PastPriceWithFallback(timestamp int64) (price *big.Int, ok bool, err error)
	Description() string
}

// PriceFeed mirrors a single external price report: a positive answer in the
// feed's own decimal scale and the unix time it was last updated.
type PriceFeed interface {
	LatestAnswer() (answer *big.Int, updatedAt int64, err error)
	Decimals() uint8
	Description() string
}

// UptimeFeed reports the liveness of the environment backing a price feed,
// e.g. an L2 sequencer uptime signal. ChangedAt is the unix time of the most
// recent status transition.
type UptimeFeed interface {
	Status() (up bool, changedAt int64, err error)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// scaleAnswer converts an answer from one decimal width to another,
// truncating when narrowing.
func scaleAnswer(answer *big.Int, from, to uint8) *big.Int {
	if answer == nil {
		return big.NewInt(0)
	}
	if from == to {
		return new(big.Int).Set(answer)
	}
	if to > from {
		return new(big.Int).Mul(answer, pow10(to-from))
	}
	return new(big.Int).Quo(answer, pow10(from-to))
}

// invertScaled computes 1/price, taking a price scaled to 10^priceDecimals
// and producing a result scaled to 10^outDecimals.
func invertScaled(price *big.Int, priceDecimals, outDecimals uint8) (*big.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAnswer
	}
	numerator := new(big.Int).Mul(pow10(priceDecimals), pow10(outDecimals))
	return numerator.Quo(numerator, price), nil
}
