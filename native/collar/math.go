package collar

import "math/big"

var basisPoints = big.NewInt(10_000)

// bpsOf scales an amount by a basis-point percentage, truncating toward zero.
func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

// strikePrice derives an absolute strike from the opening price and a
// basis-point percentage.
func strikePrice(initialPrice *big.Int, strikeBps uint64) *big.Int {
	return bpsOf(initialPrice, strikeBps)
}

// ProviderLockFromNotional bounds the provider's liability by the spread
// between 100% and the call strike: notional * (callStrikeBps-10000)/10000.
func ProviderLockFromNotional(notional *big.Int, callStrikeBps uint64) *big.Int {
	if callStrikeBps <= 10_000 {
		return big.NewInt(0)
	}
	return bpsOf(notional, callStrikeBps-10_000)
}

// SettlementBalances splits the conserved pot TakerLocked+ProviderLocked at
// the supplied settlement price. The split is piecewise linear and continuous
// at the put strike, the opening price and the call strike:
//
//   - at or below the put strike the taker side is wiped out;
//   - at or above the call strike the taker collects the whole pot;
//   - in between, the transfer is a linear share of the losing side's lock.
//
// The provider balance is derived by subtraction so the two always sum to
// the pot exactly, regardless of truncation.
func SettlementBalances(pos *Position, price *big.Int) (taker, provider *big.Int) {
	takerLocked := cloneBigInt(pos.TakerLocked)
	providerLocked := cloneBigInt(pos.ProviderLocked)
	total := new(big.Int).Add(takerLocked, providerLocked)

	switch {
	case price.Cmp(pos.PutStrikePrice) <= 0:
		taker = big.NewInt(0)
	case price.Cmp(pos.CallStrikePrice) >= 0:
		taker = total
	case price.Cmp(pos.InitialPrice) >= 0:
		// Price rose: the provider cedes a share of its lock.
		gain := new(big.Int).Sub(price, pos.InitialPrice)
		gain.Mul(gain, providerLocked)
		spread := new(big.Int).Sub(pos.CallStrikePrice, pos.InitialPrice)
		gain.Quo(gain, spread)
		taker = new(big.Int).Add(takerLocked, gain)
	default:
		// Price fell: the taker cedes a share of its lock.
		loss := new(big.Int).Sub(pos.InitialPrice, price)
		loss.Mul(loss, takerLocked)
		spread := new(big.Int).Sub(pos.InitialPrice, pos.PutStrikePrice)
		loss.Quo(loss, spread)
		taker = new(big.Int).Sub(takerLocked, loss)
	}
	if taker.Cmp(total) > 0 {
		taker = total
	}
	if taker.Sign() < 0 {
		taker = big.NewInt(0)
	}
	provider = new(big.Int).Sub(total, taker)
	return taker, provider
}
