package collar

import (
	"math/big"

	"collarcore/crypto"
)

// Offer captures provider-supplied liquidity: cash capital willing to back
// collar positions at the configured strikes and duration. Available only
// decreases when consumed by position creation and only increases on top-up.
type Offer struct {
	ID            uint64
	Provider      crypto.Address
	Available     *big.Int
	CallStrikeBps uint64
	PutStrikeBps  uint64
	Duration      int64
	Cash          string
	Collateral    string
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Available != nil {
		clone.Available = new(big.Int).Set(o.Available)
	} else {
		clone.Available = big.NewInt(0)
	}
	return &clone
}

// Position is the taker-side record of an open collar. The sum
// TakerLocked+ProviderLocked is conserved from open to settlement; the state
// machine only redistributes it between the two sides.
type Position struct {
	ID                 uint64
	Owner              crypto.Address
	ProviderPositionID uint64
	TakerLocked        *big.Int
	ProviderLocked     *big.Int
	InitialPrice       *big.Int
	PutStrikePrice     *big.Int
	CallStrikePrice    *big.Int
	Expiration         int64
	Settled            bool
	Withdrawable       *big.Int
}

// Open reports whether the position is still live at the supplied time.
func (p *Position) Open(now int64) bool {
	return p != nil && !p.Settled && now < p.Expiration
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TakerLocked = cloneBigInt(p.TakerLocked)
	clone.ProviderLocked = cloneBigInt(p.ProviderLocked)
	clone.InitialPrice = cloneBigInt(p.InitialPrice)
	clone.PutStrikePrice = cloneBigInt(p.PutStrikePrice)
	clone.CallStrikePrice = cloneBigInt(p.CallStrikePrice)
	clone.Withdrawable = cloneBigInt(p.Withdrawable)
	return &clone
}

// ProviderPosition is the provider-side lock minted from an offer when a
// taker position opens. It is owned and transferable independently of the
// taker side.
type ProviderPosition struct {
	ID              uint64
	Owner           crypto.Address
	OfferID         uint64
	TakerPositionID uint64
	Locked          *big.Int
	Settled         bool
	Withdrawable    *big.Int
}

// Clone returns a deep copy of the provider position.
func (p *ProviderPosition) Clone() *ProviderPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Locked = cloneBigInt(p.Locked)
	clone.Withdrawable = cloneBigInt(p.Withdrawable)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
