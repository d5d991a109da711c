package collar

import (
	"errors"
	"math/big"
	"time"

	"collarcore/core/events"
	"collarcore/core/types"
	"collarcore/crypto"
	nativecommon "collarcore/native/common"
	"collarcore/native/oracle"
)

var (
	ErrNilState                   = errors.New("collar engine: state not configured")
	ErrNilOracle                  = errors.New("collar engine: oracle not configured")
	ErrInvalidAmount              = errors.New("collar engine: amount must be positive")
	ErrInvalidStrikes             = errors.New("collar engine: strike percents out of bounds")
	ErrInvalidDuration            = errors.New("collar engine: duration out of bounds")
	ErrPairNotAllowed             = errors.New("collar engine: asset pair not authorized")
	ErrInsufficientBalance        = errors.New("collar engine: insufficient balance")
	ErrOfferNotFound              = errors.New("collar engine: offer not found")
	ErrNotOfferOwner              = errors.New("collar engine: not offer owner")
	ErrInsufficientOfferLiquidity = errors.New("collar engine: insufficient offer liquidity")
	ErrPositionNotFound           = errors.New("collar engine: position not found")
	ErrNotPositionOwner           = errors.New("collar engine: not position owner")
	ErrPositionNotExpired         = errors.New("collar engine: position not expired")
	ErrPositionExpired            = errors.New("collar engine: position expired")
	ErrAlreadySettled             = errors.New("collar engine: already settled")
	ErrNothingToWithdraw          = errors.New("collar engine: nothing to withdraw")
	ErrInvalidPrice               = errors.New("collar engine: strikes do not straddle opening price")
)

const moduleName = "collar"

// Registry is the capability slice of the protocol configuration the collar
// engine validates against. The concrete config.Registry satisfies it.
type Registry interface {
	ValidStrikes(callStrikeBps, putStrikeBps uint64) bool
	ValidDuration(duration int64) bool
	IsPairAllowed(cash, collateral string) bool
}

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	OfferGet(id uint64) (*Offer, bool)
	OfferPut(*Offer) error
	NextOfferID() uint64
	PositionGet(id uint64) (*Position, bool)
	PositionPut(*Position) error
	PositionDelete(id uint64)
	NextPositionID() uint64
	ProviderPositionGet(id uint64) (*ProviderPosition, bool)
	ProviderPositionPut(*ProviderPosition) error
	ProviderPositionDelete(id uint64)
	NextProviderPositionID() uint64
}

// Engine orchestrates provider offers and the taker position state machine.
// All locked funds live in the module vault account; the engine only ever
// redistributes them, never mints or burns value.
type Engine struct {
	state        engineState
	vaultAddress crypto.Address
	registry     Registry
	pauses       nativecommon.PauseView
	priceOracle  oracle.PriceOracle
	emitter      events.Emitter
	nowFn        func() int64
}

// NewEngine constructs a collar engine anchored to the module vault address.
func NewEngine(vaultAddr crypto.Address) *Engine {
	return &Engine{
		vaultAddress: vaultAddr,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the protocol configuration handle.
func (e *Engine) SetRegistry(registry Registry) { e.registry = registry }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetOracle configures the price source consulted at open and settlement.
func (e *Engine) SetOracle(o oracle.PriceOracle) {
	if e == nil {
		return
	}
	e.priceOracle = o
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
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
	e.emitter.Emit(collarEvent{evt: event})
}

// VaultAddress returns the module vault holding all locked funds.
func (e *Engine) VaultAddress() crypto.Address { return e.vaultAddress }

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
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

// transferCash moves cash between two accounts, rejecting overdrafts.
func (e *Engine) transferCash(from, to crypto.Address, amount *big.Int) error {
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
	if fromAcc.BalanceCash.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.BalanceCash = new(big.Int).Sub(fromAcc.BalanceCash, amount)
	toAcc.BalanceCash = new(big.Int).Add(toAcc.BalanceCash, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// CreateOffer locks the provider's cash in the module vault and records the
// offer terms. Strike percents and duration are validated against the
// registry bounds before any funds move.
func (e *Engine) CreateOffer(provider crypto.Address, callStrikeBps, putStrikeBps uint64, amount *big.Int, duration int64, cash, collateral string) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if e.registry != nil {
		if !e.registry.ValidStrikes(callStrikeBps, putStrikeBps) {
			return nil, ErrInvalidStrikes
		}
		if !e.registry.ValidDuration(duration) {
			return nil, ErrInvalidDuration
		}
		if !e.registry.IsPairAllowed(cash, collateral) {
			return nil, ErrPairNotAllowed
		}
	} else if putStrikeBps >= 10_000 || callStrikeBps <= 10_000 {
		return nil, ErrInvalidStrikes
	}
	if err := e.transferCash(provider, e.vaultAddress, amount); err != nil {
		return nil, err
	}
	offer := &Offer{
		ID:            e.state.NextOfferID(),
		Provider:      provider,
		Available:     new(big.Int).Set(amount),
		CallStrikeBps: callStrikeBps,
		PutStrikeBps:  putStrikeBps,
		Duration:      duration,
		Cash:          cash,
		Collateral:    collateral,
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// UpdateOfferAmount tops up or draws down an offer. Only the offer owner may
// adjust it; the cash delta settles against the provider's account.
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
	offer, ok := e.state.OfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if !offer.Provider.Equal(caller) {
		return nil, ErrNotOfferOwner
	}
	switch newAmount.Cmp(offer.Available) {
	case 1:
		topUp := new(big.Int).Sub(newAmount, offer.Available)
		if err := e.transferCash(caller, e.vaultAddress, topUp); err != nil {
			return nil, err
		}
	case -1:
		refund := new(big.Int).Sub(offer.Available, newAmount)
		if err := e.transferCash(e.vaultAddress, caller, refund); err != nil {
			return nil, err
		}
	}
	offer.Available = new(big.Int).Set(newAmount)
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewOfferUpdatedEvent(offer))
	return offer.Clone(), nil
}

// CancelOffer zeroes the offer and refunds the unconsumed capital.
func (e *Engine) CancelOffer(offerID uint64, caller crypto.Address) error {
	_, err := e.UpdateOfferAmount(offerID, caller, big.NewInt(0))
	return err
}

// mintFromOffer consumes notional capacity from the offer and creates the
// provider-side lock. The check-and-decrement of Available is a single
// sequential step, so interleaved opens can never over-allocate an offer.
// The slice of the reservation that is not at risk flows straight back to
// the provider's account.
func (e *Engine) mintFromOffer(offer *Offer, notional *big.Int, takerPositionID uint64) (*ProviderPosition, error) {
	if offer.Available.Cmp(notional) < 0 {
		return nil, ErrInsufficientOfferLiquidity
	}
	locked := ProviderLockFromNotional(notional, offer.CallStrikeBps)
	if locked.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	offer.Available = new(big.Int).Sub(offer.Available, notional)
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	unused := new(big.Int).Sub(notional, locked)
	if err := e.transferCash(e.vaultAddress, offer.Provider, unused); err != nil {
		return nil, err
	}
	providerPos := &ProviderPosition{
		ID:              e.state.NextProviderPositionID(),
		Owner:           offer.Provider,
		OfferID:         offer.ID,
		TakerPositionID: takerPositionID,
		Locked:          locked,
		Withdrawable:    big.NewInt(0),
	}
	if err := e.state.ProviderPositionPut(providerPos); err != nil {
		return nil, err
	}
	e.emit(NewProviderPositionMintedEvent(providerPos))
	return providerPos, nil
}

// OpenPosition locks both sides of a new collar. The taker locks takerLocked
// cash (their notional minus the loan they took), the provider side is
// minted from the offer, and the strike prices are anchored to the oracle's
// current price.
func (e *Engine) OpenPosition(taker crypto.Address, offerID uint64, notional, takerLocked *big.Int) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.priceOracle == nil {
		return nil, ErrNilOracle
	}
	initialPrice, err := e.priceOracle.CurrentPrice()
	if err != nil {
		return nil, err
	}
	return e.OpenPositionAtPrice(taker, offerID, notional, takerLocked, initialPrice)
}

// OpenPositionAtPrice opens a position anchored to an externally supplied
// opening price. The roll engine uses it so the retired and replacement
// positions settle and reopen at one price.
func (e *Engine) OpenPositionAtPrice(taker crypto.Address, offerID uint64, notional, takerLocked, initialPrice *big.Int) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if notional == nil || notional.Sign() <= 0 || takerLocked == nil || takerLocked.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if takerLocked.Cmp(notional) > 0 {
		return nil, ErrInvalidAmount
	}
	if initialPrice == nil || initialPrice.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	initialPrice = new(big.Int).Set(initialPrice)
	offer, ok := e.state.OfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	putStrike := strikePrice(initialPrice, offer.PutStrikeBps)
	callStrike := strikePrice(initialPrice, offer.CallStrikeBps)
	if putStrike.Cmp(initialPrice) >= 0 || callStrike.Cmp(initialPrice) <= 0 {
		return nil, ErrInvalidPrice
	}

	if err := e.transferCash(taker, e.vaultAddress, takerLocked); err != nil {
		return nil, err
	}

	positionID := e.state.NextPositionID()
	providerPos, err := e.mintFromOffer(offer, notional, positionID)
	if err != nil {
		return nil, err
	}

	position := &Position{
		ID:                 positionID,
		Owner:              taker,
		ProviderPositionID: providerPos.ID,
		TakerLocked:        new(big.Int).Set(takerLocked),
		ProviderLocked:     cloneBigInt(providerPos.Locked),
		InitialPrice:       initialPrice,
		PutStrikePrice:     putStrike,
		CallStrikePrice:    callStrike,
		Expiration:         e.now() + offer.Duration,
		Withdrawable:       big.NewInt(0),
	}
	if err := e.state.PositionPut(position); err != nil {
		return nil, err
	}
	e.emit(NewPositionOpenedEvent(position))
	return position.Clone(), nil
}

// SettlePosition is callable by anyone once the position has expired. The
// settlement price is the oracle's view at the expiration timestamp, falling
// back to the current price in degraded mode when history is unavailable.
func (e *Engine) SettlePosition(positionID uint64) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.priceOracle == nil {
		return nil, ErrNilOracle
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return nil, ErrPositionNotFound
	}
	if position.Settled {
		return nil, ErrAlreadySettled
	}
	if e.now() < position.Expiration {
		return nil, ErrPositionNotExpired
	}
	price, historical, err := e.priceOracle.PastPriceWithFallback(position.Expiration)
	if err != nil {
		return nil, err
	}
	settled, err := e.settleAt(position, price)
	if err != nil {
		return nil, err
	}
	e.emit(NewPositionSettledEvent(settled, price, historical))
	return settled.Clone(), nil
}

// settleAt applies the payoff split at the supplied price and marks both
// sides withdrawable. Funds stay in the vault until each side withdraws.
func (e *Engine) settleAt(position *Position, price *big.Int) (*Position, error) {
	takerBal, providerBal := SettlementBalances(position, price)
	position.Settled = true
	position.Withdrawable = takerBal
	if err := e.state.PositionPut(position); err != nil {
		return nil, err
	}
	providerPos, ok := e.state.ProviderPositionGet(position.ProviderPositionID)
	if !ok {
		return nil, ErrPositionNotFound
	}
	providerPos.Settled = true
	providerPos.Withdrawable = providerBal
	if err := e.state.ProviderPositionPut(providerPos); err != nil {
		return nil, err
	}
	return position, nil
}

// SettleForRoll retires a still-open position at the roll price, burns both
// sides and credits each side's settlement balance back to its owner's
// account so the roll engine can redistribute. Only the roll engine calls
// this; regular settlement goes through SettlePosition.
func (e *Engine) SettleForRoll(positionID uint64, price *big.Int) (toTaker, toProvider *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	if price == nil || price.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return nil, nil, ErrPositionNotFound
	}
	if position.Settled {
		return nil, nil, ErrAlreadySettled
	}
	if e.now() >= position.Expiration {
		return nil, nil, ErrPositionExpired
	}
	providerPos, ok := e.state.ProviderPositionGet(position.ProviderPositionID)
	if !ok {
		return nil, nil, ErrPositionNotFound
	}
	takerBal, providerBal := SettlementBalances(position, price)
	if err := e.transferCash(e.vaultAddress, position.Owner, takerBal); err != nil {
		return nil, nil, err
	}
	if err := e.transferCash(e.vaultAddress, providerPos.Owner, providerBal); err != nil {
		return nil, nil, err
	}
	e.state.PositionDelete(position.ID)
	e.state.ProviderPositionDelete(providerPos.ID)
	e.emit(NewPositionRolledOutEvent(position, price))
	return takerBal, providerBal, nil
}

// WithdrawFromPosition pays the settled balance to the current owner and
// burns the position.
func (e *Engine) WithdrawFromPosition(positionID uint64, caller crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return nil, ErrPositionNotFound
	}
	if !position.Owner.Equal(caller) {
		return nil, ErrNotPositionOwner
	}
	if !position.Settled || position.Withdrawable == nil || position.Withdrawable.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(position.Withdrawable)
	if err := e.transferCash(e.vaultAddress, caller, amount); err != nil {
		return nil, err
	}
	e.state.PositionDelete(positionID)
	e.emit(NewPositionWithdrawnEvent(position, amount))
	return amount, nil
}

// WithdrawFromProviderPosition pays the settled provider balance to the
// current owner and burns the provider-side record.
func (e *Engine) WithdrawFromProviderPosition(providerPositionID uint64, caller crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	providerPos, ok := e.state.ProviderPositionGet(providerPositionID)
	if !ok {
		return nil, ErrPositionNotFound
	}
	if !providerPos.Owner.Equal(caller) {
		return nil, ErrNotPositionOwner
	}
	if !providerPos.Settled || providerPos.Withdrawable == nil || providerPos.Withdrawable.Sign() == 0 {
		return nil, ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(providerPos.Withdrawable)
	if err := e.transferCash(e.vaultAddress, caller, amount); err != nil {
		return nil, err
	}
	e.state.ProviderPositionDelete(providerPositionID)
	e.emit(NewProviderPositionWithdrawnEvent(providerPos, amount))
	return amount, nil
}

// TransferPosition reassigns taker-side ownership. Positions are plain owned
// entities; transfer is an explicit owner-table mutation.
func (e *Engine) TransferPosition(positionID uint64, from, to crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return ErrPositionNotFound
	}
	if !position.Owner.Equal(from) {
		return ErrNotPositionOwner
	}
	position.Owner = to
	return e.state.PositionPut(position)
}

// TransferProviderPosition reassigns provider-side ownership.
func (e *Engine) TransferProviderPosition(providerPositionID uint64, from, to crypto.Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	providerPos, ok := e.state.ProviderPositionGet(providerPositionID)
	if !ok {
		return ErrPositionNotFound
	}
	if !providerPos.Owner.Equal(from) {
		return ErrNotPositionOwner
	}
	providerPos.Owner = to
	return e.state.ProviderPositionPut(providerPos)
}

// GetOffer returns a copy of the offer.
func (e *Engine) GetOffer(offerID uint64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	offer, ok := e.state.OfferGet(offerID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer.Clone(), nil
}

// GetPosition returns a copy of the taker position.
func (e *Engine) GetPosition(positionID uint64) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return nil, ErrPositionNotFound
	}
	return position.Clone(), nil
}

// GetProviderPosition returns a copy of the provider position.
func (e *Engine) GetProviderPosition(id uint64) (*ProviderPosition, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	providerPos, ok := e.state.ProviderPositionGet(id)
	if !ok {
		return nil, ErrPositionNotFound
	}
	return providerPos.Clone(), nil
}

// PreviewSettlement reports the payoff split the position would receive at
// the supplied price without mutating state.
func (e *Engine) PreviewSettlement(positionID uint64, price *big.Int) (taker, provider *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	if price == nil || price.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	position, ok := e.state.PositionGet(positionID)
	if !ok {
		return nil, nil, ErrPositionNotFound
	}
	taker, provider = SettlementBalances(position, price)
	return taker, provider, nil
}
