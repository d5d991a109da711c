package loans

import (
	"math/big"
	"strconv"

	"collarcore/core/types"
	"collarcore/native/rolls"
)

const (
	EventTypeLoanOpened = "loans.opened"
	EventTypeLoanClosed = "loans.closed"
	EventTypeLoanRolled = "loans.rolled"
)

type loanEvent struct {
	evt *types.Event
}

func (l loanEvent) EventType() string { return l.evt.Type }

// Event exposes the underlying typed event.
func (l loanEvent) Event() *types.Event { return l.evt }

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewLoanOpenedEvent reports a fully opened loan.
func NewLoanOpenedEvent(loan *Loan) *types.Event {
	return &types.Event{
		Type: EventTypeLoanOpened,
		Attributes: map[string]string{
			"loanId":           loan.ID.Hex(),
			"borrower":         loan.Borrower.String(),
			"positionId":       strconv.FormatUint(loan.PositionID, 10),
			"escrowId":         strconv.FormatUint(loan.EscrowID, 10),
			"usesEscrow":       strconv.FormatBool(loan.UsesEscrow),
			"loanAmount":       formatBig(loan.LoanAmount),
			"collateralAmount": formatBig(loan.CollateralAmount),
			"cash":             loan.CashAsset,
			"collateral":       loan.CollateralAsset,
		},
	}
}

// NewLoanClosedEvent reports a settled and unwound loan and the collateral
// recovered for the borrower.
func NewLoanClosedEvent(loan *Loan, recovered *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeLoanClosed,
		Attributes: map[string]string{
			"loanId":    loan.ID.Hex(),
			"borrower":  loan.Borrower.String(),
			"recovered": formatBig(recovered),
		},
	}
}

// NewLoanRolledEvent reports a loan repointed at a replacement position.
func NewLoanRolledEvent(loan *Loan, q *rolls.Quote) *types.Event {
	return &types.Event{
		Type: EventTypeLoanRolled,
		Attributes: map[string]string{
			"loanId":        loan.ID.Hex(),
			"newPositionId": strconv.FormatUint(loan.PositionID, 10),
			"price":         formatBig(q.Price),
			"toTaker":       formatBig(q.ToTaker),
			"toProvider":    formatBig(q.ToProvider),
		},
	}
}
