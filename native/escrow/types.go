package escrow

import (
	"math/big"

	"collarcore/crypto"
)

// Offer is supplier-side collateral capacity: the supplier locks collateral
// that borrowers may escrow against, earning up-front interest plus late
// fees past expiry.
type Offer struct {
	ID             uint64
	Supplier       crypto.Address
	Available      *big.Int
	Duration       int64
	InterestAPRBps uint64
	LateFeeAPRBps  uint64
	MaxGracePeriod int64
	MinEscrow      *big.Int
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Available = cloneBigInt(o.Available)
	clone.MinEscrow = cloneBigInt(o.MinEscrow)
	return &clone
}

// Escrow is a live record of borrowed supplier collateral. InterestHeld is
// the prepaid interest retained for the supplier until release. SecurityHeld
// is the borrower's own collateral, held in the vault for the term and
// returned on repayment; if the borrower never repays, the supplier seizes
// it. The supplier's final withdrawable never exceeds escrowed + interest +
// the grace-capped late fee.
type Escrow struct {
	ID             uint64
	Supplier       crypto.Address
	Borrower       crypto.Address
	OfferID        uint64
	Escrowed       *big.Int
	InterestHeld   *big.Int
	SecurityHeld   *big.Int
	LateFeeAPRBps  uint64
	MaxGracePeriod int64
	StartedAt      int64
	Expiration     int64
	Released       bool
	Withdrawable   *big.Int
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Escrowed = cloneBigInt(e.Escrowed)
	clone.InterestHeld = cloneBigInt(e.InterestHeld)
	clone.SecurityHeld = cloneBigInt(e.SecurityHeld)
	clone.Withdrawable = cloneBigInt(e.Withdrawable)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
