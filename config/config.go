package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default protocol bounds applied when the configuration file leaves a value
// unset. Percentages are expressed in basis points.
const (
	DefaultMinLTVBps        = 2500
	DefaultMaxLTVBps        = 9000
	DefaultMinDuration      = int64(300)
	DefaultMaxDuration      = int64(5 * 365 * 24 * 3600)
	DefaultMinCallStrikeBps = 10_001
	DefaultMaxCallStrikeBps = 100_000
	DefaultMinPutStrikeBps  = 1_000
	DefaultMaxPutStrikeBps  = 9_999
	DefaultProtocolFeeBps   = 100
)

// AssetPair identifies a cash/collateral market enabled for the protocol.
// Decimals record the native integer precision of each asset and drive the
// oracle output scale.
type AssetPair struct {
	Cash               string `toml:"cash"`
	Collateral         string `toml:"collateral"`
	CashDecimals       uint8  `toml:"cashDecimals"`
	CollateralDecimals uint8  `toml:"collateralDecimals"`
}

// Bounds groups the governance controlled limits every engine validates
// against before mutating state.
type Bounds struct {
	MinLTVBps        uint64 `toml:"minLtvBps"`
	MaxLTVBps        uint64 `toml:"maxLtvBps"`
	MinDuration      int64  `toml:"minDurationSeconds"`
	MaxDuration      int64  `toml:"maxDurationSeconds"`
	MinCallStrikeBps uint64 `toml:"minCallStrikeBps"`
	MaxCallStrikeBps uint64 `toml:"maxCallStrikeBps"`
	MinPutStrikeBps  uint64 `toml:"minPutStrikeBps"`
	MaxPutStrikeBps  uint64 `toml:"maxPutStrikeBps"`
}

// Registry is the protocol configuration handle passed explicitly into every
// engine. It is read-only from the engines' perspective.
type Registry struct {
	Pairs          []AssetPair `toml:"pair"`
	Bounds         Bounds      `toml:"bounds"`
	PausedModules  []string    `toml:"pausedModules"`
	FeeRecipient   string      `toml:"feeRecipient"`
	ProtocolFeeBps uint64      `toml:"protocolFeeBps"`
}

// Load reads and normalises a registry definition from a TOML file.
func Load(path string) (Registry, error) {
	var reg Registry
	if _, err := toml.DecodeFile(path, &reg); err != nil {
		return Registry{}, fmt.Errorf("decode registry config: %w", err)
	}
	reg = reg.Normalise()
	if err := reg.Validate(); err != nil {
		return Registry{}, err
	}
	return reg, nil
}

// Normalise applies defaults and canonical casing to the configuration.
func (r Registry) Normalise() Registry {
	out := Registry{
		Pairs:          append([]AssetPair{}, r.Pairs...),
		Bounds:         r.Bounds,
		PausedModules:  append([]string{}, r.PausedModules...),
		FeeRecipient:   strings.TrimSpace(r.FeeRecipient),
		ProtocolFeeBps: r.ProtocolFeeBps,
	}
	for i := range out.Pairs {
		out.Pairs[i].Cash = normaliseSymbol(out.Pairs[i].Cash)
		out.Pairs[i].Collateral = normaliseSymbol(out.Pairs[i].Collateral)
	}
	for i := range out.PausedModules {
		out.PausedModules[i] = strings.ToLower(strings.TrimSpace(out.PausedModules[i]))
	}
	b := &out.Bounds
	if b.MinLTVBps == 0 {
		b.MinLTVBps = DefaultMinLTVBps
	}
	if b.MaxLTVBps == 0 {
		b.MaxLTVBps = DefaultMaxLTVBps
	}
	if b.MinDuration == 0 {
		b.MinDuration = DefaultMinDuration
	}
	if b.MaxDuration == 0 {
		b.MaxDuration = DefaultMaxDuration
	}
	if b.MinCallStrikeBps == 0 {
		b.MinCallStrikeBps = DefaultMinCallStrikeBps
	}
	if b.MaxCallStrikeBps == 0 {
		b.MaxCallStrikeBps = DefaultMaxCallStrikeBps
	}
	if b.MinPutStrikeBps == 0 {
		b.MinPutStrikeBps = DefaultMinPutStrikeBps
	}
	if b.MaxPutStrikeBps == 0 {
		b.MaxPutStrikeBps = DefaultMaxPutStrikeBps
	}
	if out.ProtocolFeeBps == 0 {
		out.ProtocolFeeBps = DefaultProtocolFeeBps
	}
	return out
}

// Validate rejects registries whose bounds cannot straddle the opening price.
func (r Registry) Validate() error {
	b := r.Bounds
	if b.MinLTVBps > b.MaxLTVBps {
		return fmt.Errorf("registry: min ltv %d exceeds max %d", b.MinLTVBps, b.MaxLTVBps)
	}
	if b.MaxLTVBps >= 10_000 {
		return fmt.Errorf("registry: max ltv must stay below 100%%")
	}
	if b.MinDuration > b.MaxDuration {
		return fmt.Errorf("registry: min duration %d exceeds max %d", b.MinDuration, b.MaxDuration)
	}
	if b.MinCallStrikeBps <= 10_000 {
		return fmt.Errorf("registry: call strike bounds must exceed 100%%")
	}
	if b.MaxPutStrikeBps >= 10_000 {
		return fmt.Errorf("registry: put strike bounds must stay below 100%%")
	}
	if b.MinCallStrikeBps > b.MaxCallStrikeBps {
		return fmt.Errorf("registry: call strike bounds inverted")
	}
	if b.MinPutStrikeBps > b.MaxPutStrikeBps {
		return fmt.Errorf("registry: put strike bounds inverted")
	}
	for _, pair := range r.Pairs {
		if pair.Cash == "" || pair.Collateral == "" {
			return fmt.Errorf("registry: asset pair requires cash and collateral symbols")
		}
		if pair.Cash == pair.Collateral {
			return fmt.Errorf("registry: asset pair %s/%s is degenerate", pair.Collateral, pair.Cash)
		}
	}
	return nil
}

// IsPairAllowed reports whether the cash/collateral market is enabled.
func (r Registry) IsPairAllowed(cash, collateral string) bool {
	cashSym := normaliseSymbol(cash)
	collateralSym := normaliseSymbol(collateral)
	for _, pair := range r.Pairs {
		if pair.Cash == cashSym && pair.Collateral == collateralSym {
			return true
		}
	}
	return false
}

// Pair returns the registered pair definition for the market, if any.
func (r Registry) Pair(cash, collateral string) (AssetPair, bool) {
	cashSym := normaliseSymbol(cash)
	collateralSym := normaliseSymbol(collateral)
	for _, pair := range r.Pairs {
		if pair.Cash == cashSym && pair.Collateral == collateralSym {
			return pair, true
		}
	}
	return AssetPair{}, false
}

// IsPaused implements common.PauseView over the configured module list.
func (r Registry) IsPaused(module string) bool {
	needle := strings.ToLower(strings.TrimSpace(module))
	for _, name := range r.PausedModules {
		if name == needle {
			return true
		}
	}
	return false
}

// ValidDuration reports whether the position duration is inside the global
// bounds.
func (r Registry) ValidDuration(duration int64) bool {
	return duration >= r.Bounds.MinDuration && duration <= r.Bounds.MaxDuration
}

// ValidLTV reports whether the loan-to-value ratio is inside the global
// bounds.
func (r Registry) ValidLTV(ltvBps uint64) bool {
	return ltvBps >= r.Bounds.MinLTVBps && ltvBps <= r.Bounds.MaxLTVBps
}

// ValidStrikes reports whether both strike percentages sit inside the global
// bounds and straddle 100%.
func (r Registry) ValidStrikes(callStrikeBps, putStrikeBps uint64) bool {
	b := r.Bounds
	if callStrikeBps < b.MinCallStrikeBps || callStrikeBps > b.MaxCallStrikeBps {
		return false
	}
	if putStrikeBps < b.MinPutStrikeBps || putStrikeBps > b.MaxPutStrikeBps {
		return false
	}
	return putStrikeBps < 10_000 && callStrikeBps > 10_000
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
