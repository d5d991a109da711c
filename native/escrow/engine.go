package escrow

import (
	"errors"
	"math/big"
	"time"

	"collarcore/core/events"
	"collarcore/core/types"
	"collarcore/crypto"
	nativecommon "collarcore/native/common"
)

var (
	ErrNilState            = errors.New("escrow engine: state not configured")
	ErrInvalidAmount       = errors.New("escrow engine: amount must be positive")
	ErrInvalidDuration     = errors.New("escrow engine: duration must be positive")
	ErrOfferNotFound       = errors.New("escrow engine: offer not found")
	ErrNotOfferOwner       = errors.New("escrow engine: not offer owner")
	ErrEscrowNotFound      = errors.New("escrow engine: escrow not found")
	ErrNotSupplier         = errors.New("escrow engine: not escrow supplier")
	ErrNotBorrower         = errors.New("escrow engine: not escrow borrower")
	ErrNotYetDefaulted     = errors.New("escrow engine: grace period still open")
	ErrBelowMinEscrow      = errors.New("escrow engine: amount below offer minimum")
	ErrInsufficientOffer   = errors.New("escrow engine: insufficient offer capacity")
	ErrInsufficientBalance = errors.New("escrow engine: insufficient collateral balance")
	ErrAlreadyReleased     = errors.New("escrow engine: escrow already released")
	ErrNotYetReleased      = errors.New("escrow engine: escrow not yet released")
	ErrRepaymentShort      = errors.New("escrow engine: repayment below amount owed")
)

const moduleName = "escrow"

// secondsPerYear is the APR accrual base.
const secondsPerYear = 365 * 24 * 60 * 60

var (
	basisPoints = big.NewInt(10_000)
	yearSeconds = big.NewInt(secondsPerYear)
	aprBase     = new(big.Int).Mul(basisPoints, yearSeconds)
)

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	EscrowOfferGet(id uint64) (*Offer, bool)
	EscrowOfferPut(*Offer) error
	NextEscrowOfferID() uint64
	EscrowGet(id uint64) (*Escrow, bool)
	EscrowPut(*Escrow) error
	EscrowDelete(id uint64)
	NextEscrowID() uint64
}

// Engine runs the collateral escrow ledger: suppliers park collateral in
// offers, borrowers draw it for a fixed term paying interest up front, and
// late returns accrue a grace-capped late fee.
type Engine struct {
	state        engineState
	vaultAddress crypto.Address
	pauses       nativecommon.PauseView
	emitter      events.Emitter
	nowFn        func() int64
}

// NewEngine constructs an escrow engine anchored to the module vault.
func NewEngine(vaultAddr crypto.Address) *Engine {
	return &Engine{
		vaultAddress: vaultAddr,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(escrowEvent{evt: event})
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

// transferCollateral moves collateral between accounts, rejecting overdrafts.
func (e *Engine) transferCollateral(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.BalanceCollateral.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.BalanceCollateral = new(big.Int).Sub(fromAcc.BalanceCollateral, amount)
	toAcc.BalanceCollateral = new(big.Int).Add(toAcc.BalanceCollateral, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// CreateOffer locks the supplier's collateral in the vault as lendable
// escrow capacity.
func (e *Engine) CreateOffer(supplier crypto.Address, escrowAmount *big.Int, duration int64, interestAPRBps uint64, maxGracePeriod int64, lateFeeAPRBps uint64, minEscrow *big.Int) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if escrowAmount == nil || escrowAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if duration <= 0 || maxGracePeriod < 0 {
		return nil, ErrInvalidDuration
	}
	if err := e.transferCollateral(supplier, e.vaultAddress, escrowAmount); err != nil {
		return nil, err
	}
	offer := &Offer{
		ID:             e.state.NextEscrowOfferID(),
		Supplier:       supplier,
		Available:      new(big.Int).Set(escrowAmount),
		Duration:       duration,
		InterestAPRBps: interestAPRBps,
		LateFeeAPRBps:  lateFeeAPRBps,
		MaxGracePeriod: maxGracePeriod,
		MinEscrow:      cloneBigInt(minEscrow),
	}
	if err := e.state.EscrowOfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewEscrowOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// UpdateOfferAmount tops up or draws down an offer's unconsumed capacity.
func (e *Engine) UpdateOfferAmount(offerID uint64, caller crypto.Address, newAmount *big.Int) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if newAmount == nil || newAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	offer, ok := e.state.EscrowOfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if !offer.Supplier.Equal(caller) {
		return nil, ErrNotOfferOwner
	}
	switch newAmount.Cmp(offer.Available) {
	case 1:
		topUp := new(big.Int).Sub(newAmount, offer.Available)
		if err := e.transferCollateral(caller, e.vaultAddress, topUp); err != nil {
			return nil, err
		}
	case -1:
		refund := new(big.Int).Sub(offer.Available, newAmount)
		if err := e.transferCollateral(e.vaultAddress, caller, refund); err != nil {
			return nil, err
		}
	}
	offer.Available = new(big.Int).Set(newAmount)
	if err := e.state.EscrowOfferPut(offer); err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// InterestFee is the up-front fee a borrower pays to escrow amount for the
// offer's full duration: amount * APR * duration / (10000 * year).
func (e *Engine) InterestFee(offerID uint64, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	offer, ok := e.state.EscrowOfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return aprFee(amount, offer.InterestAPRBps, offer.Duration), nil
}

// aprFee computes amount * aprBps * seconds / (10000 * year), truncating.
func aprFee(amount *big.Int, aprBps uint64, seconds int64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || aprBps == 0 || seconds <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(aprBps))
	fee.Mul(fee, big.NewInt(seconds))
	return fee.Quo(fee, aprBase)
}

// StartEscrow draws amount of supplier collateral from the offer for the
// borrower. The borrower pays the up-front interest fee and posts an equal
// amount of their own collateral as security; both stay in the vault until
// release. The drawn supplier collateral lands in the borrower's account.
// The security comes back on repayment and is what the supplier seizes if
// the borrower never returns.
func (e *Engine) StartEscrow(borrower crypto.Address, offerID uint64, amount *big.Int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	offer, ok := e.state.EscrowOfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if offer.MinEscrow != nil && amount.Cmp(offer.MinEscrow) < 0 {
		return nil, ErrBelowMinEscrow
	}
	if offer.Available.Cmp(amount) < 0 {
		return nil, ErrInsufficientOffer
	}
	fee := aprFee(amount, offer.InterestAPRBps, offer.Duration)
	upfront := new(big.Int).Add(amount, fee)
	if err := e.transferCollateral(borrower, e.vaultAddress, upfront); err != nil {
		return nil, err
	}
	if err := e.transferCollateral(e.vaultAddress, borrower, amount); err != nil {
		return nil, err
	}
	offer.Available = new(big.Int).Sub(offer.Available, amount)
	if err := e.state.EscrowOfferPut(offer); err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		ID:             e.state.NextEscrowID(),
		Supplier:       offer.Supplier,
		Borrower:       borrower,
		OfferID:        offer.ID,
		Escrowed:       new(big.Int).Set(amount),
		InterestHeld:   fee,
		SecurityHeld:   new(big.Int).Set(amount),
		LateFeeAPRBps:  offer.LateFeeAPRBps,
		MaxGracePeriod: offer.MaxGracePeriod,
		StartedAt:      now,
		Expiration:     now + offer.Duration,
		Withdrawable:   big.NewInt(0),
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewEscrowStartedEvent(esc))
	return esc.Clone(), nil
}

// lateFeeAt accrues strictly after expiration, linearly, and caps at the
// grace-period ceiling.
func lateFeeAt(esc *Escrow, at int64) *big.Int {
	elapsed := at - esc.Expiration
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	if elapsed > esc.MaxGracePeriod {
		elapsed = esc.MaxGracePeriod
	}
	return aprFee(esc.Escrowed, esc.LateFeeAPRBps, elapsed)
}

// CurrentOwed reports the borrower's principal and the late fee accrued so
// far.
func (e *Engine) CurrentOwed(escrowID uint64) (principal, lateFee *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, nil, ErrEscrowNotFound
	}
	if esc.Released {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return new(big.Int).Set(esc.Escrowed), lateFeeAt(esc, e.now()), nil
}

// EndEscrow returns the borrowed collateral plus any accrued late fee from
// the borrower, hands their security back and releases the supplier's funds
// for withdrawal. repayment must cover principal plus late fee; any excess
// stays with the borrower.
func (e *Engine) EndEscrow(borrower crypto.Address, escrowID uint64, repayment *big.Int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !esc.Borrower.Equal(borrower) {
		return nil, ErrNotBorrower
	}
	if esc.Released {
		return nil, ErrAlreadyReleased
	}
	lateFee := lateFeeAt(esc, e.now())
	owed := new(big.Int).Add(esc.Escrowed, lateFee)
	if repayment == nil || repayment.Cmp(owed) < 0 {
		return nil, ErrRepaymentShort
	}
	if err := e.transferCollateral(borrower, e.vaultAddress, owed); err != nil {
		return nil, err
	}
	if err := e.transferCollateral(e.vaultAddress, borrower, esc.SecurityHeld); err != nil {
		return nil, err
	}
	esc.Released = true
	esc.SecurityHeld = big.NewInt(0)
	esc.Withdrawable = new(big.Int).Add(owed, esc.InterestHeld)
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewEscrowEndedEvent(esc, lateFee))
	return esc.Clone(), nil
}

// accruedInterest splits the prepaid interest by elapsed time: the share
// earned by the incumbent supplier so far.
func accruedInterest(esc *Escrow, at int64) *big.Int {
	term := esc.Expiration - esc.StartedAt
	if term <= 0 || esc.InterestHeld == nil || esc.InterestHeld.Sign() == 0 {
		return big.NewInt(0)
	}
	elapsed := at - esc.StartedAt
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	if elapsed >= term {
		return new(big.Int).Set(esc.InterestHeld)
	}
	earned := new(big.Int).Mul(esc.InterestHeld, big.NewInt(elapsed))
	return earned.Quo(earned, big.NewInt(term))
}

// PreviewRelease quotes a supplier rotation without mutating state: the
// amount the incumbent supplier would walk away with (principal plus earned
// interest) and the interest remainder carried to the replacement escrow.
func (e *Engine) PreviewRelease(escrowID, newOfferID uint64) (toOldSupplier, carriedInterest *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, nil, ErrEscrowNotFound
	}
	if esc.Released {
		return nil, nil, ErrAlreadyReleased
	}
	newOffer, ok := e.state.EscrowOfferGet(newOfferID)
	if !ok {
		return nil, nil, ErrOfferNotFound
	}
	if newOffer.Available.Cmp(esc.Escrowed) < 0 {
		return nil, nil, ErrInsufficientOffer
	}
	earned := accruedInterest(esc, e.now())
	toOldSupplier = new(big.Int).Add(esc.Escrowed, earned)
	carriedInterest = new(big.Int).Sub(esc.InterestHeld, earned)
	return toOldSupplier, carriedInterest, nil
}

// SwitchEscrow rotates the supplier mid-position: the replacement offer's
// capacity takes over the escrowed amount, the incumbent supplier is
// released with principal plus earned interest, and the interest remainder
// carries to the new escrow. Timeline and amount are unchanged. Only the
// escrow's borrower may rotate; the replacement offer's late-fee terms
// apply from here on.
func (e *Engine) SwitchEscrow(caller crypto.Address, escrowID, newOfferID uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !esc.Borrower.Equal(caller) {
		return nil, ErrNotBorrower
	}
	toOld, carried, err := e.PreviewRelease(escrowID, newOfferID)
	if err != nil {
		return nil, err
	}
	newOffer, _ := e.state.EscrowOfferGet(newOfferID)

	newOffer.Available = new(big.Int).Sub(newOffer.Available, esc.Escrowed)
	if err := e.state.EscrowOfferPut(newOffer); err != nil {
		return nil, err
	}
	replacement := &Escrow{
		ID:             e.state.NextEscrowID(),
		Supplier:       newOffer.Supplier,
		Borrower:       esc.Borrower,
		OfferID:        newOffer.ID,
		Escrowed:       cloneBigInt(esc.Escrowed),
		InterestHeld:   carried,
		SecurityHeld:   cloneBigInt(esc.SecurityHeld),
		LateFeeAPRBps:  newOffer.LateFeeAPRBps,
		MaxGracePeriod: newOffer.MaxGracePeriod,
		StartedAt:      esc.StartedAt,
		Expiration:     esc.Expiration,
		Withdrawable:   big.NewInt(0),
	}
	esc.Released = true
	esc.SecurityHeld = big.NewInt(0)
	esc.Withdrawable = toOld
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(replacement); err != nil {
		return nil, err
	}
	e.emit(NewEscrowSwitchedEvent(esc, replacement))
	return replacement.Clone(), nil
}

// RollEscrow retires the current escrow into a fresh full-term one drawn
// from newOfferID, settling the incumbent supplier on the way out: they are
// released with principal, the interest earned so far and any late fee the
// borrower has run up. The borrower pays that late fee plus the new offer's
// full-term interest, gets the unearned remainder of the old fee back, and
// keeps the drawn collateral and their posted security. The replacement
// starts now and expires a full new-offer duration later.
func (e *Engine) RollEscrow(caller crypto.Address, escrowID, newOfferID uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !esc.Borrower.Equal(caller) {
		return nil, ErrNotBorrower
	}
	if esc.Released {
		return nil, ErrAlreadyReleased
	}
	newOffer, ok := e.state.EscrowOfferGet(newOfferID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if newOffer.MinEscrow != nil && esc.Escrowed.Cmp(newOffer.MinEscrow) < 0 {
		return nil, ErrBelowMinEscrow
	}
	if newOffer.Available.Cmp(esc.Escrowed) < 0 {
		return nil, ErrInsufficientOffer
	}

	now := e.now()
	lateFee := lateFeeAt(esc, now)
	earned := accruedInterest(esc, now)
	refund := new(big.Int).Sub(esc.InterestHeld, earned)
	newFee := aprFee(esc.Escrowed, newOffer.InterestAPRBps, newOffer.Duration)

	if err := e.transferCollateral(e.vaultAddress, caller, refund); err != nil {
		return nil, err
	}
	charge := new(big.Int).Add(lateFee, newFee)
	if err := e.transferCollateral(caller, e.vaultAddress, charge); err != nil {
		return nil, err
	}

	newOffer.Available = new(big.Int).Sub(newOffer.Available, esc.Escrowed)
	if err := e.state.EscrowOfferPut(newOffer); err != nil {
		return nil, err
	}
	replacement := &Escrow{
		ID:             e.state.NextEscrowID(),
		Supplier:       newOffer.Supplier,
		Borrower:       esc.Borrower,
		OfferID:        newOffer.ID,
		Escrowed:       cloneBigInt(esc.Escrowed),
		InterestHeld:   newFee,
		SecurityHeld:   cloneBigInt(esc.SecurityHeld),
		LateFeeAPRBps:  newOffer.LateFeeAPRBps,
		MaxGracePeriod: newOffer.MaxGracePeriod,
		StartedAt:      now,
		Expiration:     now + newOffer.Duration,
		Withdrawable:   big.NewInt(0),
	}
	esc.Released = true
	esc.SecurityHeld = big.NewInt(0)
	esc.Withdrawable = new(big.Int).Add(new(big.Int).Add(esc.Escrowed, earned), lateFee)
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPut(replacement); err != nil {
		return nil, err
	}
	e.emit(NewEscrowRolledEvent(esc, replacement))
	return replacement.Clone(), nil
}

// ClaimDefaulted lets the supplier seize the borrower's security plus the
// prepaid interest once the grace period has fully run out with no
// repayment. The escrow record is burned.
func (e *Engine) ClaimDefaulted(caller crypto.Address, escrowID uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !esc.Supplier.Equal(caller) {
		return nil, ErrNotSupplier
	}
	if esc.Released {
		return nil, ErrAlreadyReleased
	}
	if e.now() <= esc.Expiration+esc.MaxGracePeriod {
		return nil, ErrNotYetDefaulted
	}
	seized := new(big.Int).Add(esc.SecurityHeld, esc.InterestHeld)
	if err := e.transferCollateral(e.vaultAddress, caller, seized); err != nil {
		return nil, err
	}
	e.state.EscrowDelete(escrowID)
	e.emit(NewEscrowDefaultedEvent(esc, seized))
	return seized, nil
}

// WithdrawReleased pays the supplier their released balance and burns the
// escrow record.
func (e *Engine) WithdrawReleased(escrowID uint64, caller crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if !esc.Supplier.Equal(caller) {
		return nil, ErrNotSupplier
	}
	if !esc.Released {
		return nil, ErrNotYetReleased
	}
	amount := cloneBigInt(esc.Withdrawable)
	if err := e.transferCollateral(e.vaultAddress, caller, amount); err != nil {
		return nil, err
	}
	e.state.EscrowDelete(escrowID)
	e.emit(NewEscrowWithdrawnEvent(esc, amount))
	return amount, nil
}

// GetOffer returns a copy of the offer.
func (e *Engine) GetOffer(offerID uint64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	offer, ok := e.state.EscrowOfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer.Clone(), nil
}

// GetEscrow returns a copy of the escrow.
func (e *Engine) GetEscrow(escrowID uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	esc, ok := e.state.EscrowGet(escrowID)
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc.Clone(), nil
}
