package types

import "math/big"

// Account tracks the balances held by a participant or module vault. Cash is
// the loan-side asset (e.g. a stablecoin) and collateral is the asset locked
// by borrowers. Amounts are expressed in the asset's native integer precision.
type Account struct {
	BalanceCash       *big.Int
	BalanceCollateral *big.Int
}

// Clone returns a deep copy of the account so callers can mutate the copy
// without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{BalanceCash: big.NewInt(0), BalanceCollateral: big.NewInt(0)}
	if a.BalanceCash != nil {
		clone.BalanceCash = new(big.Int).Set(a.BalanceCash)
	}
	if a.BalanceCollateral != nil {
		clone.BalanceCollateral = new(big.Int).Set(a.BalanceCollateral)
	}
	return clone
}
