package rolls

import "math/big"

// RollOffer is a provider's standing offer to replace one of their open
// positions with a fresh one at the prevailing price. It is consumed exactly
// once: either accepted by the position's taker or left to expire at the
// deadline.
//
// FeeBase and the delta-factor term may each be negative; a negative roll fee
// means the provider pays the taker to roll.
type RollOffer struct {
	ID             uint64
	PositionID     uint64
	FeeBase        *big.Int
	DeltaFactorBps int64
	MinPrice       *big.Int
	MaxPrice       *big.Int
	MinToProvider  *big.Int
	Deadline       int64
}

// Clone returns a deep copy of the roll offer.
func (r *RollOffer) Clone() *RollOffer {
	if r == nil {
		return nil
	}
	clone := *r
	clone.FeeBase = cloneBigInt(r.FeeBase)
	clone.MinPrice = cloneBigInt(r.MinPrice)
	clone.MaxPrice = cloneBigInt(r.MaxPrice)
	clone.MinToProvider = cloneBigInt(r.MinToProvider)
	return &clone
}

// Quote is the full roll calculation at one price. ToTaker and ToProvider
// are each side's net value change: settlement of the old position, minus
// the new lock, plus or minus the roll fee. Either may be negative, in which
// case that side pays in.
type Quote struct {
	Price             *big.Int
	RollFee           *big.Int
	ProtocolFee       *big.Int
	NewNotional       *big.Int
	NewTakerLocked    *big.Int
	NewProviderLocked *big.Int
	ToTaker           *big.Int
	ToProvider        *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
