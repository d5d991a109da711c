package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// MinTWAPWindow is the smallest averaging window accepted, in seconds. A
// shorter window would let a single block of pool activity dominate the
// average.
const MinTWAPWindow = int64(300)

// defaultObservationCap bounds the ring buffer of cumulative observations.
const defaultObservationCap = 512

type observation struct {
	timestamp int64
	// cumulative is the running sum of price * elapsed seconds up to this
	// observation, mirroring a constant-product pool's price accumulator.
	cumulative *big.Int
	// price is the spot price recorded at this observation, used to carry
	// the accumulator forward until the next observation lands.
	price *big.Int
}

// TWAPOracle derives a time-weighted average price from a ring buffer of
// cumulative observations fed by a constant-product pool. All prices are
// scaled to 10^quoteDecimals.
type TWAPOracle struct {
	mu            sync.RWMutex
	baseAsset     string
	quoteAsset    string
	baseDecimals  uint8
	quoteDecimals uint8
	window        int64
	cap           int
	obs           []observation
	nowFn         func() int64
}

// NewTWAPOracle constructs a pooled TWAP oracle with the supplied averaging
// window in seconds. Windows below MinTWAPWindow are rejected.
func NewTWAPOracle(baseAsset, quoteAsset string, baseDecimals, quoteDecimals uint8, window int64) (*TWAPOracle, error) {
	if window < MinTWAPWindow {
		return nil, fmt.Errorf("oracle: twap window %ds below minimum %ds", window, MinTWAPWindow)
	}
	return &TWAPOracle{
		baseAsset:     strings.ToUpper(strings.TrimSpace(baseAsset)),
		quoteAsset:    strings.ToUpper(strings.TrimSpace(quoteAsset)),
		baseDecimals:  baseDecimals,
		quoteDecimals: quoteDecimals,
		window:        window,
		cap:           defaultObservationCap,
		nowFn:         func() int64 { return time.Now().Unix() },
	}, nil
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (o *TWAPOracle) SetNowFunc(now func() int64) {
	if o == nil {
		return
	}
	if now == nil {
		o.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	o.nowFn = now
}

// SetObservationCap bounds the retained observation count. Non-positive
// values reset the default.
func (o *TWAPOracle) SetObservationCap(cap int) {
	if o == nil {
		return
	}
	if cap <= 0 {
		cap = defaultObservationCap
	}
	o.mu.Lock()
	o.cap = cap
	if len(o.obs) > cap {
		o.obs = append([]observation{}, o.obs[len(o.obs)-cap:]...)
	}
	o.mu.Unlock()
}

func (o *TWAPOracle) now() int64 {
	if o == nil || o.nowFn == nil {
		return time.Now().Unix()
	}
	return o.nowFn()
}

func (o *TWAPOracle) BaseAsset() string  { return o.baseAsset }
func (o *TWAPOracle) QuoteAsset() string { return o.quoteAsset }

func (o *TWAPOracle) Description() string {
	return fmt.Sprintf("twap %s/%s window=%ds", o.baseAsset, o.quoteAsset, o.window)
}

// Record ingests a pool observation. Observations must arrive with strictly
// increasing timestamps; out-of-order samples are dropped.
func (o *TWAPOracle) Record(price *big.Int, timestamp int64) error {
	if o == nil {
		return fmt.Errorf("oracle: twap not configured")
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidAnswer
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	cumulative := big.NewInt(0)
	if n := len(o.obs); n > 0 {
		last := o.obs[n-1]
		if timestamp <= last.timestamp {
			return nil
		}
		elapsed := big.NewInt(timestamp - last.timestamp)
		cumulative = new(big.Int).Add(last.cumulative, new(big.Int).Mul(last.price, elapsed))
	}
	o.obs = append(o.obs, observation{
		timestamp:  timestamp,
		cumulative: cumulative,
		price:      new(big.Int).Set(price),
	})
	if len(o.obs) > o.cap {
		o.obs = append([]observation{}, o.obs[len(o.obs)-o.cap:]...)
	}
	return nil
}

// cumulativeAt resolves the accumulator value at an arbitrary timestamp. The
// price is piecewise constant between observations, so the accumulator grows
// linearly from the preceding observation. Timestamps past the newest
// observation extrapolate with the latest price.
func (o *TWAPOracle) cumulativeAt(timestamp int64) (*big.Int, error) {
	if len(o.obs) == 0 || timestamp < o.obs[0].timestamp {
		return nil, ErrInsufficientHistory
	}
	// Latest observation at or before the timestamp.
	idx := len(o.obs) - 1
	for idx > 0 && o.obs[idx].timestamp > timestamp {
		idx--
	}
	at := o.obs[idx]
	elapsed := big.NewInt(timestamp - at.timestamp)
	return new(big.Int).Add(at.cumulative, new(big.Int).Mul(at.price, elapsed)), nil
}

// averageOver computes the TWAP across [end-window, end].
func (o *TWAPOracle) averageOver(end int64) (*big.Int, error) {
	start := end - o.window
	cumStart, err := o.cumulativeAt(start)
	if err != nil {
		return nil, err
	}
	cumEnd, err := o.cumulativeAt(end)
	if err != nil {
		return nil, err
	}
	delta := new(big.Int).Sub(cumEnd, cumStart)
	return delta.Quo(delta, big.NewInt(o.window)), nil
}

func (o *TWAPOracle) CurrentPrice() (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.averageOver(o.now())
}

func (o *TWAPOracle) InversePrice() (*big.Int, error) {
	price, err := o.CurrentPrice()
	if err != nil {
		return nil, err
	}
	return invertScaled(price, o.quoteDecimals, o.baseDecimals)
}

// PastPrice resolves the average over a window ending at the supplied unix
// timestamp, failing with ErrInsufficientHistory when the ring buffer's
// oldest observation is newer than the window start.
func (o *TWAPOracle) PastPrice(timestamp int64) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.averageOver(timestamp)
}

// PastPriceWithFallback never fails on missing history: it degrades to the
// current price with ok=false so settlement can proceed in degraded mode
// instead of reverting.
func (o *TWAPOracle) PastPriceWithFallback(timestamp int64) (*big.Int, bool, error) {
	past, err := o.PastPrice(timestamp)
	if err == nil {
		return past, true, nil
	}
	if err != ErrInsufficientHistory {
		return nil, false, err
	}
	current, err := o.CurrentPrice()
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
