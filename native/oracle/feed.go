package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// FeedOracle adapts a single external price feed to the PriceOracle
// capability. Reads fail with ErrStaleFeed once the report outlives the
// staleness window and with ErrSequencerDown while a configured liveness feed
// has not been up for the grace period.
type FeedOracle struct {
	baseAsset     string
	quoteAsset    string
	baseDecimals  uint8
	quoteDecimals uint8
	feed          PriceFeed
	maxStaleness  int64
	uptime        UptimeFeed
	uptimeGrace   int64
	nowFn         func() int64
}

// NewFeedOracle constructs a direct-feed oracle. maxStaleness is expressed in
// seconds and must be positive.
func NewFeedOracle(baseAsset, quoteAsset string, baseDecimals, quoteDecimals uint8, feed PriceFeed, maxStaleness int64) (*FeedOracle, error) {
	if feed == nil {
		return nil, fmt.Errorf("oracle: price feed required")
	}
	if maxStaleness <= 0 {
		return nil, fmt.Errorf("oracle: max staleness must be positive")
	}
	return &FeedOracle{
		baseAsset:     strings.ToUpper(strings.TrimSpace(baseAsset)),
		quoteAsset:    strings.ToUpper(strings.TrimSpace(quoteAsset)),
		baseDecimals:  baseDecimals,
		quoteDecimals: quoteDecimals,
		feed:          feed,
		maxStaleness:  maxStaleness,
		nowFn:         func() int64 { return time.Now().Unix() },
	}, nil
}

// SetUptimeFeed gates price reads behind a liveness signal. grace is the
// number of seconds the signal must have been up before reads resume.
func (o *FeedOracle) SetUptimeFeed(feed UptimeFeed, grace int64) {
	if o == nil {
		return
	}
	o.uptime = feed
	o.uptimeGrace = grace
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (o *FeedOracle) SetNowFunc(now func() int64) {
	if o == nil {
		return
	}
	if now == nil {
		o.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	o.nowFn = now
}

func (o *FeedOracle) now() int64 {
	if o == nil || o.nowFn == nil {
		return time.Now().Unix()
	}
	return o.nowFn()
}

func (o *FeedOracle) BaseAsset() string  { return o.baseAsset }
func (o *FeedOracle) QuoteAsset() string { return o.quoteAsset }

func (o *FeedOracle) Description() string {
	return fmt.Sprintf("feed %s/%s (%s)", o.baseAsset, o.quoteAsset, o.feed.Description())
}

// SequencerLiveFor reports whether the liveness signal has been up for at
// least the supplied grace period. Querying without a configured liveness
// feed fails with ErrNotConfigured.
func (o *FeedOracle) SequencerLiveFor(grace int64) (bool, error) {
	if o == nil || o.uptime == nil {
		return false, ErrNotConfigured
	}
	up, changedAt, err := o.uptime.Status()
	if err != nil {
		return false, err
	}
	if !up {
		return false, nil
	}
	return o.now()-changedAt >= grace, nil
}

// rawAnswer returns the feed answer in the feed's own decimal scale after
// enforcing liveness and staleness.
func (o *FeedOracle) rawAnswer() (*big.Int, uint8, error) {
	if o.uptime != nil {
		live, err := o.SequencerLiveFor(o.uptimeGrace)
		if err != nil {
			return nil, 0, err
		}
		if !live {
			return nil, 0, ErrSequencerDown
		}
	}
	answer, updatedAt, err := o.feed.LatestAnswer()
	if err != nil {
		return nil, 0, err
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, 0, ErrInvalidAnswer
	}
	if o.now()-updatedAt > o.maxStaleness {
		return nil, 0, ErrStaleFeed
	}
	return answer, o.feed.Decimals(), nil
}

func (o *FeedOracle) CurrentPrice() (*big.Int, error) {
	answer, decimals, err := o.rawAnswer()
	if err != nil {
		return nil, err
	}
	return scaleAnswer(answer, decimals, o.quoteDecimals), nil
}

func (o *FeedOracle) InversePrice() (*big.Int, error) {
	price, err := o.CurrentPrice()
	if err != nil {
		return nil, err
	}
	return invertScaled(price, o.quoteDecimals, o.baseDecimals)
}

// PastPriceWithFallback always falls back for a direct feed: external reports
// carry no usable history, so the current price is returned with ok=false.
func (o *FeedOracle) PastPriceWithFallback(int64) (*big.Int, bool, error) {
	price, err := o.CurrentPrice()
	if err != nil {
		return nil, false, err
	}
	return price, false, nil
}
