package loans

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"collarcore/core/events"
	"collarcore/core/types"
	"collarcore/crypto"
	"collarcore/native/collar"
	nativecommon "collarcore/native/common"
	"collarcore/native/escrow"
	"collarcore/native/rolls"
)

var (
	ErrNilState            = errors.New("loan engine: state not configured")
	ErrNilCollar           = errors.New("loan engine: collar engine not configured")
	ErrNilEscrow           = errors.New("loan engine: escrow engine not configured")
	ErrNilRolls            = errors.New("loan engine: roll engine not configured")
	ErrNilSwapAdapter      = errors.New("loan engine: swap adapter not configured")
	ErrInvalidAmount       = errors.New("loan engine: amount must be positive")
	ErrInvalidLTV          = errors.New("loan engine: ltv out of bounds")
	ErrPairNotAllowed      = errors.New("loan engine: asset pair not authorized")
	ErrLoanNotFound        = errors.New("loan engine: loan not found")
	ErrRollMismatch        = errors.New("loan engine: roll offer targets another position")
	ErrNotBorrower         = errors.New("loan engine: not loan borrower")
	ErrInsufficientBalance = errors.New("loan engine: insufficient balance")
)

// ErrSlippageExceeded is the sentinel swap adapters return when the output
// would land below the caller's floor.
var ErrSlippageExceeded = errors.New("loan engine: swap output below floor")

const moduleName = "loans"

var basisPoints = big.NewInt(10_000)

// SwapAdapter converts between the collateral and cash assets. The engine
// treats it as a black box: it must return at least minAmountOut or fail
// with ErrSlippageExceeded, and it must not mutate ledger state.
type SwapAdapter interface {
	Swap(ctx context.Context, assetIn, assetOut string, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// Registry is the authorization slice the orchestrator consults before
// touching any ledger.
type Registry interface {
	IsPairAllowed(cash, collateral string) bool
	ValidLTV(ltvBps uint64) bool
}

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	LoanGet(id ethcommon.Hash) (*Loan, bool)
	LoanPut(*Loan) error
	LoanDelete(id ethcommon.Hash)
	Snapshot() int
	RevertToSnapshot(int)
}

// Engine sequences offer consumption, swap execution and optional escrow
// into single borrower-facing open/close/roll operations. Every operation is
// all-or-nothing: any failure reverts to the snapshot taken at entry.
type Engine struct {
	state        engineState
	collarEngine *collar.Engine
	escrowEngine *escrow.Engine
	rollEngine   *rolls.Engine
	swapper      SwapAdapter
	registry     Registry
	pauses       nativecommon.PauseView
	emitter      events.Emitter
	nowFn        func() int64
	nonce        uint64
}

// NewEngine constructs a loan orchestrator over the three ledger engines.
func NewEngine(collarEngine *collar.Engine, escrowEngine *escrow.Engine, rollEngine *rolls.Engine) *Engine {
	return &Engine{
		collarEngine: collarEngine,
		escrowEngine: escrowEngine,
		rollEngine:   rollEngine,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSwapAdapter wires the external swap route.
func (e *Engine) SetSwapAdapter(s SwapAdapter) {
	if e == nil {
		return
	}
	e.swapper = s
}

// SetRegistry wires the authorization registry.
func (e *Engine) SetRegistry(registry Registry) {
	if e == nil {
		return
	}
	e.registry = registry
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: event})
}

// loanID derives a unique identifier from the borrower, position and an
// engine-local nonce.
func (e *Engine) loanID(borrower crypto.Address, positionID uint64) ethcommon.Hash {
	e.nonce++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], positionID)
	binary.BigEndian.PutUint64(buf[8:], e.nonce)
	return ethcrypto.Keccak256Hash(borrower.Bytes(), buf[:])
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	if acc.BalanceCash == nil {
		acc.BalanceCash = big.NewInt(0)
	}
	if acc.BalanceCollateral == nil {
		acc.BalanceCollateral = big.NewInt(0)
	}
	return acc, nil
}

// exchangeBalances applies a swap's effect on one account: burn the input
// asset, credit the output. The counterparty is the external swap venue.
func (e *Engine) exchangeBalances(addr crypto.Address, collateralDelta, cashDelta *big.Int) error {
	acc, err := e.loadAccount(addr)
	if err != nil {
		return err
	}
	newCollateral := new(big.Int).Add(acc.BalanceCollateral, collateralDelta)
	newCash := new(big.Int).Add(acc.BalanceCash, cashDelta)
	if newCollateral.Sign() < 0 || newCash.Sign() < 0 {
		return ErrInsufficientBalance
	}
	acc.BalanceCollateral = newCollateral
	acc.BalanceCash = newCash
	return e.state.PutAccount(addr, acc)
}

func (e *Engine) checkWired() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.collarEngine == nil {
		return ErrNilCollar
	}
	if e.swapper == nil {
		return ErrNilSwapAdapter
	}
	return nil
}

// OpenLoan runs the full borrower-facing open: authorization, optional
// escrow draw, collateral-to-cash swap, position opening and loan proceeds.
// loanAmount = swapOutput * ltv / 10000; the remainder is locked as the
// taker side of the position. An escrow-backed open swaps the drawn
// supplier collateral; the borrower's own collateral is posted as security
// with the escrow and returned on close.
func (e *Engine) OpenLoan(ctx context.Context, borrower crypto.Address, collateralAmount *big.Int, collarOfferID uint64, escrowOfferID uint64, useEscrow bool, ltvBps uint64, minSwapOut *big.Int) (*Loan, error) {
	if err := e.checkWired(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	collarOffer, err := e.collarEngine.GetOffer(collarOfferID)
	if err != nil {
		return nil, err
	}
	if e.registry != nil {
		if !e.registry.IsPairAllowed(collarOffer.Cash, collarOffer.Collateral) {
			return nil, ErrPairNotAllowed
		}
		if !e.registry.ValidLTV(ltvBps) {
			return nil, ErrInvalidLTV
		}
	}
	if ltvBps == 0 || ltvBps >= 10_000 {
		return nil, ErrInvalidLTV
	}

	snapshot := e.state.Snapshot()
	loan, err := e.openLoan(ctx, borrower, collateralAmount, collarOffer, escrowOfferID, useEscrow, ltvBps, minSwapOut)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(NewLoanOpenedEvent(loan))
	return loan.Clone(), nil
}

func (e *Engine) openLoan(ctx context.Context, borrower crypto.Address, collateralAmount *big.Int, collarOffer *collar.Offer, escrowOfferID uint64, useEscrow bool, ltvBps uint64, minSwapOut *big.Int) (*Loan, error) {
	var escrowID uint64
	if useEscrow {
		if e.escrowEngine == nil {
			return nil, ErrNilEscrow
		}
		esc, err := e.escrowEngine.StartEscrow(borrower, escrowOfferID, collateralAmount)
		if err != nil {
			return nil, err
		}
		escrowID = esc.ID
	}

	swapOut, err := e.swapper.Swap(ctx, collarOffer.Collateral, collarOffer.Cash, collateralAmount, minSwapOut)
	if err != nil {
		return nil, err
	}
	if swapOut == nil || swapOut.Sign() <= 0 {
		return nil, ErrSlippageExceeded
	}
	if err := e.exchangeBalances(borrower, new(big.Int).Neg(collateralAmount), swapOut); err != nil {
		return nil, err
	}

	loanAmount := new(big.Int).Mul(swapOut, new(big.Int).SetUint64(ltvBps))
	loanAmount.Quo(loanAmount, basisPoints)
	takerLocked := new(big.Int).Sub(swapOut, loanAmount)
	if takerLocked.Sign() <= 0 {
		return nil, ErrInvalidLTV
	}

	position, err := e.collarEngine.OpenPosition(borrower, collarOffer.ID, swapOut, takerLocked)
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		ID:               e.loanID(borrower, position.ID),
		Borrower:         borrower,
		PositionID:       position.ID,
		EscrowID:         escrowID,
		UsesEscrow:       useEscrow,
		LoanAmount:       loanAmount,
		CollateralAmount: new(big.Int).Set(collateralAmount),
		CashAsset:        collarOffer.Cash,
		CollateralAsset:  collarOffer.Collateral,
		OpenedAt:         e.now(),
	}
	if err := e.state.LoanPut(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// CloseLoan settles and unwinds the loan after expiry: withdraw the
// position's settlement balance, swap it back to collateral, repay the
// escrow if one backs the loan, and leave the remainder with the borrower.
func (e *Engine) CloseLoan(ctx context.Context, borrower crypto.Address, loanID ethcommon.Hash, minCollateralOut *big.Int) (*big.Int, error) {
	if err := e.checkWired(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, ok := e.state.LoanGet(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	if !loan.Borrower.Equal(borrower) {
		return nil, ErrNotBorrower
	}

	snapshot := e.state.Snapshot()
	recovered, err := e.closeLoan(ctx, borrower, loan, minCollateralOut)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(NewLoanClosedEvent(loan, recovered))
	return recovered, nil
}

func (e *Engine) closeLoan(ctx context.Context, borrower crypto.Address, loan *Loan, minCollateralOut *big.Int) (*big.Int, error) {
	position, err := e.collarEngine.GetPosition(loan.PositionID)
	if err != nil {
		return nil, err
	}
	if !position.Settled {
		if _, err := e.collarEngine.SettlePosition(loan.PositionID); err != nil {
			return nil, err
		}
	}
	withdrawn, err := e.collarEngine.WithdrawFromPosition(loan.PositionID, borrower)
	if err != nil && !errors.Is(err, collar.ErrNothingToWithdraw) {
		return nil, err
	}
	if withdrawn == nil {
		withdrawn = big.NewInt(0)
	}

	// Self-funded loans only unwind the settlement proceeds. Escrow-backed
	// loans must buy back the borrowed collateral, so the loan principal is
	// surrendered to the reverse swap as well.
	swapIn := new(big.Int).Set(withdrawn)
	owed := big.NewInt(0)
	if loan.UsesEscrow {
		if e.escrowEngine == nil {
			return nil, ErrNilEscrow
		}
		principal, lateFee, err := e.escrowEngine.CurrentOwed(loan.EscrowID)
		if err != nil {
			return nil, err
		}
		owed = owed.Add(principal, lateFee)
		swapIn.Add(swapIn, loan.LoanAmount)
	}

	recovered := big.NewInt(0)
	if swapIn.Sign() > 0 {
		floor := minCollateralOut
		if loan.UsesEscrow && (floor == nil || floor.Cmp(owed) < 0) {
			floor = owed
		}
		swapOut, err := e.swapper.Swap(ctx, loan.CashAsset, loan.CollateralAsset, swapIn, floor)
		if err != nil {
			return nil, err
		}
		if err := e.exchangeBalances(borrower, swapOut, new(big.Int).Neg(swapIn)); err != nil {
			return nil, err
		}
		recovered = swapOut
	}

	if loan.UsesEscrow {
		esc, err := e.escrowEngine.GetEscrow(loan.EscrowID)
		if err != nil {
			return nil, err
		}
		if _, err := e.escrowEngine.EndEscrow(borrower, loan.EscrowID, owed); err != nil {
			return nil, err
		}
		// Repayment leaves; the borrower's security comes back.
		recovered = new(big.Int).Sub(recovered, owed)
		recovered.Add(recovered, esc.SecurityHeld)
	}

	e.state.LoanDelete(loan.ID)
	return recovered, nil
}

// RollLoan accepts a provider's roll offer on the loan's position and
// repoints the loan at the replacement position. Escrow-backed loans roll
// their escrow onto escrowOfferID in the same transaction so the escrow
// term restarts alongside the new position; otherwise the old escrow would
// keep its original expiry and run up late fees under the rolled position.
func (e *Engine) RollLoan(borrower crypto.Address, loanID ethcommon.Hash, rollOfferID, escrowOfferID uint64, minToTaker *big.Int) (*Loan, error) {
	if err := e.checkWired(); err != nil {
		return nil, err
	}
	if e.rollEngine == nil {
		return nil, ErrNilRolls
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, ok := e.state.LoanGet(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	if !loan.Borrower.Equal(borrower) {
		return nil, ErrNotBorrower
	}
	if loan.UsesEscrow && e.escrowEngine == nil {
		return nil, ErrNilEscrow
	}
	ro, err := e.rollEngine.GetRollOffer(rollOfferID)
	if err != nil {
		return nil, err
	}
	if ro.PositionID != loan.PositionID {
		return nil, ErrRollMismatch
	}

	snapshot := e.state.Snapshot()
	newPos, quote, err := e.rollEngine.AcceptRoll(borrower, rollOfferID, minToTaker)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	loan.PositionID = newPos.ID
	if loan.UsesEscrow {
		replacement, err := e.escrowEngine.RollEscrow(borrower, loan.EscrowID, escrowOfferID)
		if err != nil {
			e.state.RevertToSnapshot(snapshot)
			return nil, err
		}
		loan.EscrowID = replacement.ID
	}
	if err := e.state.LoanPut(loan); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, err
	}
	e.emit(NewLoanRolledEvent(loan, quote))
	return loan.Clone(), nil
}

// GetLoan returns a copy of the loan.
func (e *Engine) GetLoan(loanID ethcommon.Hash) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, ok := e.state.LoanGet(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	return loan.Clone(), nil
}
