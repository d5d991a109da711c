package rolls

import (
	"errors"
	"math/big"
	"time"

	"collarcore/core/events"
	"collarcore/core/types"
	"collarcore/crypto"
	"collarcore/native/collar"
	nativecommon "collarcore/native/common"
	"collarcore/native/oracle"
)

var (
	ErrNilState             = errors.New("roll engine: state not configured")
	ErrNilCollar            = errors.New("roll engine: collar engine not configured")
	ErrNilOracle            = errors.New("roll engine: oracle not configured")
	ErrInvalidAmount        = errors.New("roll engine: amount out of range")
	ErrInvalidBounds        = errors.New("roll engine: price bounds out of order")
	ErrRollOfferNotFound    = errors.New("roll engine: roll offer not found")
	ErrNotProviderOwner     = errors.New("roll engine: caller does not own provider side")
	ErrNotTakerOwner        = errors.New("roll engine: caller does not own taker side")
	ErrPositionNotOpen      = errors.New("roll engine: position not open")
	ErrRollOfferExpired     = errors.New("roll engine: roll offer deadline passed")
	ErrPriceOutOfRollBounds = errors.New("roll engine: price outside offered bounds")
	ErrSlippageExceeded     = errors.New("roll engine: taker proceeds below floor")
	ErrMinToProvider        = errors.New("roll engine: provider proceeds below floor")
)

const moduleName = "rolls"

var basisPoints = big.NewInt(10_000)

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	RollOfferGet(id uint64) (*RollOffer, bool)
	RollOfferPut(*RollOffer) error
	RollOfferDelete(id uint64)
	NextRollOfferID() uint64
	Snapshot() int
	RevertToSnapshot(int)
}

// Engine replaces an open collar position with a fresh one at the prevailing
// price in a single all-or-nothing step. It settles the old position through
// the collar engine, reopens against the same offer capacity, and moves the
// roll fee between the two sides.
type Engine struct {
	state        engineState
	collarEngine *collar.Engine
	priceOracle  oracle.PriceOracle
	pauses       nativecommon.PauseView
	emitter      events.Emitter
	nowFn        func() int64

	feeRecipient   crypto.Address
	protocolFeeBps uint64
}

// NewEngine constructs a roll engine bound to the collar engine whose
// positions it replaces.
func NewEngine(collarEngine *collar.Engine) *Engine {
	return &Engine{
		collarEngine: collarEngine,
		emitter:      events.NoopEmitter{},
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle configures the price source used to quote rolls.
func (e *Engine) SetOracle(o oracle.PriceOracle) {
	if e == nil {
		return
	}
	e.priceOracle = o
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetProtocolFee configures the protocol's cut of every roll fee and the
// treasury that collects it.
func (e *Engine) SetProtocolFee(bps uint64, recipient crypto.Address) {
	if e == nil {
		return
	}
	e.protocolFeeBps = bps
	e.feeRecipient = recipient
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
	e.emitter.Emit(rollEvent{evt: event})
}

// transferCash moves a non-negative amount of cash between accounts.
func (e *Engine) transferCash(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.BalanceCash == nil || fromAcc.BalanceCash.Cmp(amount) < 0 {
		return errors.New("roll engine: insufficient balance")
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	if toAcc.BalanceCash == nil {
		toAcc.BalanceCash = big.NewInt(0)
	}
	fromAcc.BalanceCash = new(big.Int).Sub(fromAcc.BalanceCash, amount)
	toAcc.BalanceCash = new(big.Int).Add(toAcc.BalanceCash, amount)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

// transferSigned moves amount from->to, reversing direction when negative.
func (e *Engine) transferSigned(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return e.transferCash(to, from, new(big.Int).Neg(amount))
	}
	return e.transferCash(from, to, amount)
}

// CreateRollOffer is provider-only: the caller must own the provider side of
// an open (unsettled, unexpired) position. The offer is consumed exactly
// once, by acceptance or by the deadline passing.
func (e *Engine) CreateRollOffer(caller crypto.Address, positionID uint64, feeBase *big.Int, deltaFactorBps int64, minPrice, maxPrice, minToProvider *big.Int, deadline int64) (*RollOffer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.collarEngine == nil {
		return nil, ErrNilCollar
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if minPrice == nil || maxPrice == nil || minPrice.Sign() <= 0 || minPrice.Cmp(maxPrice) > 0 {
		return nil, ErrInvalidBounds
	}
	position, err := e.collarEngine.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if !position.Open(e.now()) {
		return nil, ErrPositionNotOpen
	}
	providerPos, err := e.collarEngine.GetProviderPosition(position.ProviderPositionID)
	if err != nil {
		return nil, err
	}
	if !providerPos.Owner.Equal(caller) {
		return nil, ErrNotProviderOwner
	}
	offer := &RollOffer{
		ID:             e.state.NextRollOfferID(),
		PositionID:     positionID,
		FeeBase:        cloneBigInt(feeBase),
		DeltaFactorBps: deltaFactorBps,
		MinPrice:       new(big.Int).Set(minPrice),
		MaxPrice:       new(big.Int).Set(maxPrice),
		MinToProvider:  cloneBigInt(minToProvider),
		Deadline:       deadline,
	}
	if err := e.state.RollOfferPut(offer); err != nil {
		return nil, err
	}
	e.emit(NewRollOfferCreatedEvent(offer))
	return offer.Clone(), nil
}

// quote runs the single shared roll calculation at one price. Locks scale by
// the price ratio so the new position covers the same asset quantity; the
// roll fee is linear in the price move; the protocol takes a cut of the
// fee's magnitude.
func (e *Engine) quote(ro *RollOffer, position *collar.Position, callStrikeBps uint64, price *big.Int) (*Quote, error) {
	if price.Cmp(ro.MinPrice) < 0 || price.Cmp(ro.MaxPrice) > 0 {
		return nil, ErrPriceOutOfRollBounds
	}
	callSpread := callStrikeBps - 10_000

	oldTaker, oldProvider := collar.SettlementBalances(position, price)

	// Recover the old notional from the provider lock and scale everything
	// by price/initialPrice.
	oldNotional := new(big.Int).Mul(position.ProviderLocked, basisPoints)
	oldNotional.Quo(oldNotional, new(big.Int).SetUint64(callSpread))

	newNotional := new(big.Int).Mul(oldNotional, price)
	newNotional.Quo(newNotional, position.InitialPrice)
	newTakerLocked := new(big.Int).Mul(position.TakerLocked, price)
	newTakerLocked.Quo(newTakerLocked, position.InitialPrice)
	newProviderLocked := collar.ProviderLockFromNotional(newNotional, callStrikeBps)

	delta := new(big.Int).Sub(price, position.InitialPrice)
	deltaFee := new(big.Int).Mul(delta, big.NewInt(ro.DeltaFactorBps))
	deltaFee.Quo(deltaFee, basisPoints)
	rollFee := new(big.Int).Add(cloneBigInt(ro.FeeBase), deltaFee)

	protocolFee := new(big.Int).Abs(rollFee)
	protocolFee.Mul(protocolFee, new(big.Int).SetUint64(e.protocolFeeBps))
	protocolFee.Quo(protocolFee, basisPoints)

	toTaker := new(big.Int).Sub(oldTaker, newTakerLocked)
	toTaker.Sub(toTaker, rollFee)
	toTaker.Sub(toTaker, protocolFee)
	toProvider := new(big.Int).Sub(oldProvider, newProviderLocked)
	toProvider.Add(toProvider, rollFee)

	return &Quote{
		Price:             new(big.Int).Set(price),
		RollFee:           rollFee,
		ProtocolFee:       protocolFee,
		NewNotional:       newNotional,
		NewTakerLocked:    newTakerLocked,
		NewProviderLocked: newProviderLocked,
		ToTaker:           toTaker,
		ToProvider:        toProvider,
	}, nil
}

func (e *Engine) loadRoll(rollOfferID uint64) (*RollOffer, *collar.Position, *collar.ProviderPosition, *collar.Offer, error) {
	ro, ok := e.state.RollOfferGet(rollOfferID)
	if !ok {
		return nil, nil, nil, nil, ErrRollOfferNotFound
	}
	position, err := e.collarEngine.GetPosition(ro.PositionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	providerPos, err := e.collarEngine.GetProviderPosition(position.ProviderPositionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	offer, err := e.collarEngine.GetOffer(providerPos.OfferID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return ro, position, providerPos, offer, nil
}

// PreviewRoll reports the full roll calculation at a hypothetical price
// without mutating state.
func (e *Engine) PreviewRoll(rollOfferID uint64, price *big.Int) (*Quote, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.collarEngine == nil {
		return nil, ErrNilCollar
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	ro, position, _, offer, err := e.loadRoll(rollOfferID)
	if err != nil {
		return nil, err
	}
	return e.quote(ro, position, offer.CallStrikeBps, price)
}

// AcceptRoll is taker-only. It settles the old position at the current
// oracle price, opens the replacement against the same offer capacity, and
// transfers the roll fee and protocol fee. minToTaker is the caller's
// slippage floor on their own net proceeds; any failure reverts every
// intermediate write.
func (e *Engine) AcceptRoll(caller crypto.Address, rollOfferID uint64, minToTaker *big.Int) (*collar.Position, *Quote, error) {
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	if e.collarEngine == nil {
		return nil, nil, ErrNilCollar
	}
	if e.priceOracle == nil {
		return nil, nil, ErrNilOracle
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	ro, position, providerPos, offer, err := e.loadRoll(rollOfferID)
	if err != nil {
		return nil, nil, err
	}
	if !position.Owner.Equal(caller) {
		return nil, nil, ErrNotTakerOwner
	}
	now := e.now()
	if now > ro.Deadline {
		return nil, nil, ErrRollOfferExpired
	}
	if !position.Open(now) {
		return nil, nil, ErrPositionNotOpen
	}
	price, err := e.priceOracle.CurrentPrice()
	if err != nil {
		return nil, nil, err
	}
	q, err := e.quote(ro, position, offer.CallStrikeBps, price)
	if err != nil {
		return nil, nil, err
	}
	if minToTaker != nil && q.ToTaker.Cmp(minToTaker) < 0 {
		return nil, nil, ErrSlippageExceeded
	}
	if ro.MinToProvider != nil && q.ToProvider.Cmp(ro.MinToProvider) < 0 {
		return nil, nil, ErrMinToProvider
	}

	snapshot := e.state.Snapshot()
	newPos, err := e.executeRoll(ro, position, providerPos, offer, q)
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return nil, nil, err
	}
	e.emit(NewRollAcceptedEvent(ro, position.ID, newPos.ID, q))
	return newPos, q, nil
}

func (e *Engine) executeRoll(ro *RollOffer, position *collar.Position, providerPos *collar.ProviderPosition, offer *collar.Offer, q *Quote) (*collar.Position, error) {
	if _, _, err := e.collarEngine.SettleForRoll(position.ID, q.Price); err != nil {
		return nil, err
	}
	newPos, err := e.collarEngine.OpenPositionAtPrice(position.Owner, offer.ID, q.NewNotional, q.NewTakerLocked, q.Price)
	if err != nil {
		return nil, err
	}
	if err := e.transferSigned(position.Owner, providerPos.Owner, q.RollFee); err != nil {
		return nil, err
	}
	if !e.feeRecipient.IsZero() {
		if err := e.transferCash(position.Owner, e.feeRecipient, q.ProtocolFee); err != nil {
			return nil, err
		}
	}
	e.state.RollOfferDelete(ro.ID)
	return newPos, nil
}

// CancelRollOffer lets the provider retract an unconsumed roll offer.
func (e *Engine) CancelRollOffer(caller crypto.Address, rollOfferID uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	ro, _, providerPos, _, err := e.loadRoll(rollOfferID)
	if err != nil {
		return err
	}
	if !providerPos.Owner.Equal(caller) {
		return ErrNotProviderOwner
	}
	e.state.RollOfferDelete(ro.ID)
	return nil
}

// GetRollOffer returns a copy of the roll offer.
func (e *Engine) GetRollOffer(rollOfferID uint64) (*RollOffer, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	ro, ok := e.state.RollOfferGet(rollOfferID)
	if !ok {
		return nil, ErrRollOfferNotFound
	}
	return ro.Clone(), nil
}
