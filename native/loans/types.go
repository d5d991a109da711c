package loans

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"collarcore/crypto"
)

// Loan links a collar position to its funding route: the borrower's own
// collateral, or an escrow drawn from a supplier offer.
type Loan struct {
	ID               ethcommon.Hash
	Borrower         crypto.Address
	PositionID       uint64
	EscrowID         uint64
	UsesEscrow       bool
	LoanAmount       *big.Int
	CollateralAmount *big.Int
	CashAsset        string
	CollateralAsset  string
	OpenedAt         int64
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.LoanAmount = cloneBigInt(l.LoanAmount)
	clone.CollateralAmount = cloneBigInt(l.CollateralAmount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
