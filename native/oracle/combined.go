package oracle

import (
	"fmt"
	"math/big"
	"strings"
)

// CombinedOracle composes two direct-feed legs sharing a common pivot quote
// asset (e.g. both legs quoted in USD) into a single base/quote price:
//
//	price(base/quote) = leg(base/pivot) / leg(quote/pivot)
//
// Either leg may be marked inverted when its upstream feed reports the pair
// the other way around. The two legs are combined in exact rational
// arithmetic and truncated once, at the end; truncating per leg first would
// shift the last digit, and that 1-unit drift is the documented difference
// between the two orders, not an error to correct.
type CombinedOracle struct {
	baseAsset     string
	quoteAsset    string
	baseDecimals  uint8
	quoteDecimals uint8
	baseLeg       *FeedOracle
	quoteLeg      *FeedOracle
	invertBase    bool
	invertQuote   bool
}

// NewCombinedOracle builds a two-leg oracle. Both legs keep their own
// staleness and liveness configuration; a failed read on either leg fails the
// combined read.
func NewCombinedOracle(baseAsset, quoteAsset string, baseDecimals, quoteDecimals uint8, baseLeg, quoteLeg *FeedOracle, invertBase, invertQuote bool) (*CombinedOracle, error) {
	if baseLeg == nil || quoteLeg == nil {
		return nil, fmt.Errorf("oracle: both combined legs required")
	}
	return &CombinedOracle{
		baseAsset:     strings.ToUpper(strings.TrimSpace(baseAsset)),
		quoteAsset:    strings.ToUpper(strings.TrimSpace(quoteAsset)),
		baseDecimals:  baseDecimals,
		quoteDecimals: quoteDecimals,
		baseLeg:       baseLeg,
		quoteLeg:      quoteLeg,
		invertBase:    invertBase,
		invertQuote:   invertQuote,
	}, nil
}

func (o *CombinedOracle) BaseAsset() string  { return o.baseAsset }
func (o *CombinedOracle) QuoteAsset() string { return o.quoteAsset }

func (o *CombinedOracle) Description() string {
	return fmt.Sprintf("combined %s/%s via [%s, %s]", o.baseAsset, o.quoteAsset, o.baseLeg.Description(), o.quoteLeg.Description())
}

func legRat(leg *FeedOracle, invert bool) (*big.Rat, error) {
	answer, decimals, err := leg.rawAnswer()
	if err != nil {
		return nil, err
	}
	rat := new(big.Rat).SetFrac(answer, pow10(decimals))
	if invert {
		rat.Inv(rat)
	}
	return rat, nil
}

// combinedRat resolves the exact base/quote rational before any truncation.
func (o *CombinedOracle) combinedRat() (*big.Rat, error) {
	baseRat, err := legRat(o.baseLeg, o.invertBase)
	if err != nil {
		return nil, err
	}
	quoteRat, err := legRat(o.quoteLeg, o.invertQuote)
	if err != nil {
		return nil, err
	}
	if quoteRat.Sign() <= 0 {
		return nil, ErrInvalidAnswer
	}
	return baseRat.Quo(baseRat, quoteRat), nil
}

func ratToScaled(rat *big.Rat, decimals uint8) *big.Int {
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(pow10(decimals)))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

func (o *CombinedOracle) CurrentPrice() (*big.Int, error) {
	rat, err := o.combinedRat()
	if err != nil {
		return nil, err
	}
	return ratToScaled(rat, o.quoteDecimals), nil
}

func (o *CombinedOracle) InversePrice() (*big.Int, error) {
	rat, err := o.combinedRat()
	if err != nil {
		return nil, err
	}
	if rat.Sign() <= 0 {
		return nil, ErrInvalidAnswer
	}
	return ratToScaled(new(big.Rat).Inv(rat), o.baseDecimals), nil
}

// PastPriceWithFallback falls back to the current combined price; neither leg
// retains usable history.
func (o *CombinedOracle) PastPriceWithFallback(int64) (*big.Int, bool, error) {
	price, err := o.CurrentPrice()
	if err != nil {
		return nil, false, err
	}
	return price, false, nil
}
