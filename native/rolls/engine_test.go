package rolls

import (
	"errors"
	"math/big"
	"testing"

	"collarcore/core/types"
	"collarcore/crypto"
	"collarcore/native/collar"
)

// mockRollState backs both the roll engine and the collar engine it drives,
// with copy-on-snapshot rollback semantics.
type mockRollState struct {
	accounts          map[string]*types.Account
	offers            map[uint64]*collar.Offer
	positions         map[uint64]*collar.Position
	providerPositions map[uint64]*collar.ProviderPosition
	rollOffers        map[uint64]*RollOffer
	offerSeq          uint64
	positionSeq       uint64
	providerPosSeq    uint64
	rollOfferSeq      uint64
	snapshots         []*mockRollState
}

func newMockRollState() *mockRollState {
	return &mockRollState{
		accounts:          make(map[string]*types.Account),
		offers:            make(map[uint64]*collar.Offer),
		positions:         make(map[uint64]*collar.Position),
		providerPositions: make(map[uint64]*collar.ProviderPosition),
		rollOffers:        make(map[uint64]*RollOffer),
	}
}

func (m *mockRollState) copy() *mockRollState {
	c := newMockRollState()
	for k, v := range m.accounts {
		c.accounts[k] = v.Clone()
	}
	for k, v := range m.offers {
		c.offers[k] = v.Clone()
	}
	for k, v := range m.positions {
		c.positions[k] = v.Clone()
	}
	for k, v := range m.providerPositions {
		c.providerPositions[k] = v.Clone()
	}
	for k, v := range m.rollOffers {
		c.rollOffers[k] = v.Clone()
	}
	c.offerSeq, c.positionSeq, c.providerPosSeq, c.rollOfferSeq = m.offerSeq, m.positionSeq, m.providerPosSeq, m.rollOfferSeq
	return c
}

func (m *mockRollState) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copy())
	return len(m.snapshots) - 1
}

func (m *mockRollState) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	restored := m.snapshots[id]
	m.accounts = restored.accounts
	m.offers = restored.offers
	m.positions = restored.positions
	m.providerPositions = restored.providerPositions
	m.rollOffers = restored.rollOffers
	m.offerSeq, m.positionSeq, m.providerPosSeq, m.rollOfferSeq = restored.offerSeq, restored.positionSeq, restored.providerPosSeq, restored.rollOfferSeq
	m.snapshots = m.snapshots[:id]
}

func (m *mockRollState) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := m.accounts[addr.String()]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{BalanceCash: big.NewInt(0), BalanceCollateral: big.NewInt(0)}, nil
}

func (m *mockRollState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[addr.String()] = account.Clone()
	return nil
}

func (m *mockRollState) OfferGet(id uint64) (*collar.Offer, bool) {
	offer, ok := m.offers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (m *mockRollState) OfferPut(offer *collar.Offer) error {
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *mockRollState) NextOfferID() uint64 {
	m.offerSeq++
	return m.offerSeq
}

func (m *mockRollState) PositionGet(id uint64) (*collar.Position, bool) {
	pos, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

func (m *mockRollState) PositionPut(pos *collar.Position) error {
	m.positions[pos.ID] = pos.Clone()
	return nil
}

func (m *mockRollState) PositionDelete(id uint64) { delete(m.positions, id) }

func (m *mockRollState) NextPositionID() uint64 {
	m.positionSeq++
	return m.positionSeq
}

func (m *mockRollState) ProviderPositionGet(id uint64) (*collar.ProviderPosition, bool) {
	pos, ok := m.providerPositions[id]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

func (m *mockRollState) ProviderPositionPut(pos *collar.ProviderPosition) error {
	m.providerPositions[pos.ID] = pos.Clone()
	return nil
}

func (m *mockRollState) ProviderPositionDelete(id uint64) { delete(m.providerPositions, id) }

func (m *mockRollState) NextProviderPositionID() uint64 {
	m.providerPosSeq++
	return m.providerPosSeq
}

func (m *mockRollState) RollOfferGet(id uint64) (*RollOffer, bool) {
	ro, ok := m.rollOffers[id]
	if !ok {
		return nil, false
	}
	return ro.Clone(), true
}

func (m *mockRollState) RollOfferPut(ro *RollOffer) error {
	m.rollOffers[ro.ID] = ro.Clone()
	return nil
}

func (m *mockRollState) RollOfferDelete(id uint64) { delete(m.rollOffers, id) }

func (m *mockRollState) NextRollOfferID() uint64 {
	m.rollOfferSeq++
	return m.rollOfferSeq
}

func (m *mockRollState) fund(addr crypto.Address, cash int64) {
	m.accounts[addr.String()] = &types.Account{
		BalanceCash:       big.NewInt(cash),
		BalanceCollateral: big.NewInt(0),
	}
}

func (m *mockRollState) cash(addr crypto.Address) *big.Int {
	acc, ok := m.accounts[addr.String()]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.BalanceCash)
}

type stubOracle struct {
	price *big.Int
}

func (s *stubOracle) BaseAsset() string  { return "WETH" }
func (s *stubOracle) QuoteAsset() string { return "USDC" }

func (s *stubOracle) CurrentPrice() (*big.Int, error) { return new(big.Int).Set(s.price), nil }

func (s *stubOracle) InversePrice() (*big.Int, error) {
	return nil, errors.New("stub oracle: inverse not wired")
}

func (s *stubOracle) PastPriceWithFallback(int64) (*big.Int, bool, error) {
	return new(big.Int).Set(s.price), false, nil
}

func (s *stubOracle) Description() string { return "stub WETH/USDC" }

func addr(tag byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = tag
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

type rollFixture struct {
	engine   *Engine
	collar   *collar.Engine
	state    *mockRollState
	oracle   *stubOracle
	vault    crypto.Address
	treasury crypto.Address
	provider crypto.Address
	taker    crypto.Address
	now      int64
	position *collar.Position
}

// newRollFixture opens the canonical position: price 1000, strikes 90%/110%,
// notional 100 against a 500 offer, 10 locked on each side.
func newRollFixture(t *testing.T) *rollFixture {
	t.Helper()
	vaultRaw := make([]byte, 20)
	vaultRaw[0] = 0xff
	f := &rollFixture{
		state:    newMockRollState(),
		oracle:   &stubOracle{price: big.NewInt(1_000)},
		vault:    crypto.NewAddress(crypto.VaultPrefix, vaultRaw),
		treasury: addr(0xee),
		provider: addr(1),
		taker:    addr(2),
		now:      10_000,
	}
	f.collar = collar.NewEngine(f.vault)
	f.collar.SetState(f.state)
	f.collar.SetOracle(f.oracle)
	f.collar.SetNowFunc(func() int64 { return f.now })

	f.engine = NewEngine(f.collar)
	f.engine.SetState(f.state)
	f.engine.SetOracle(f.oracle)
	f.engine.SetNowFunc(func() int64 { return f.now })
	f.engine.SetProtocolFee(1_000, f.treasury)

	f.state.fund(f.provider, 1_000)
	f.state.fund(f.taker, 100)
	offer, err := f.collar.CreateOffer(f.provider, 11_000, 9_000, big.NewInt(500), 3_600, "USDC", "WETH")
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	f.position, err = f.collar.OpenPosition(f.taker, offer.ID, big.NewInt(100), big.NewInt(10))
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return f
}

func (f *rollFixture) standardRollOffer(t *testing.T) *RollOffer {
	t.Helper()
	ro, err := f.engine.CreateRollOffer(f.provider, f.position.ID, big.NewInt(20), 1_000,
		big.NewInt(800), big.NewInt(1_200), big.NewInt(0), f.now+600)
	if err != nil {
		t.Fatalf("create roll offer: %v", err)
	}
	return ro
}

func TestCreateRollOfferProviderOnly(t *testing.T) {
	f := newRollFixture(t)
	if _, err := f.engine.CreateRollOffer(f.taker, f.position.ID, big.NewInt(0), 0,
		big.NewInt(800), big.NewInt(1_200), nil, f.now+600); !errors.Is(err, ErrNotProviderOwner) {
		t.Fatalf("taker-created roll offer accepted: %v", err)
	}
	if _, err := f.engine.CreateRollOffer(f.provider, f.position.ID, big.NewInt(0), 0,
		big.NewInt(1_200), big.NewInt(800), nil, f.now+600); !errors.Is(err, ErrInvalidBounds) {
		t.Fatalf("inverted bounds accepted: %v", err)
	}

	f.now = f.position.Expiration
	if _, err := f.engine.CreateRollOffer(f.provider, f.position.ID, big.NewInt(0), 0,
		big.NewInt(800), big.NewInt(1_200), nil, f.now+600); !errors.Is(err, ErrPositionNotOpen) {
		t.Fatalf("roll offer on expired position accepted: %v", err)
	}
}

func TestPreviewRollQuote(t *testing.T) {
	f := newRollFixture(t)
	ro := f.standardRollOffer(t)

	q, err := f.engine.PreviewRoll(ro.ID, big.NewInt(1_100))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// Old position settles at the call strike: taker 20, provider 0. Locks
	// scale by 1100/1000; fee = 20 + 10% of the +100 move = 30; protocol
	// takes 10% of the fee.
	if q.NewTakerLocked.Cmp(big.NewInt(11)) != 0 || q.NewProviderLocked.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("scaled locks: taker=%s provider=%s", q.NewTakerLocked, q.NewProviderLocked)
	}
	if q.NewNotional.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("scaled notional: %s", q.NewNotional)
	}
	if q.RollFee.Cmp(big.NewInt(30)) != 0 || q.ProtocolFee.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("fees: roll=%s protocol=%s", q.RollFee, q.ProtocolFee)
	}
	if q.ToTaker.Cmp(big.NewInt(-24)) != 0 {
		t.Fatalf("toTaker: %s", q.ToTaker)
	}
	if q.ToProvider.Cmp(big.NewInt(19)) != 0 {
		t.Fatalf("toProvider: %s", q.ToProvider)
	}

	if _, err := f.engine.PreviewRoll(ro.ID, big.NewInt(1_300)); !errors.Is(err, ErrPriceOutOfRollBounds) {
		t.Fatalf("out-of-bounds preview accepted: %v", err)
	}
}

func TestAcceptRollReplacesPosition(t *testing.T) {
	f := newRollFixture(t)
	ro := f.standardRollOffer(t)
	f.oracle.price = big.NewInt(1_100)

	newPos, q, err := f.engine.AcceptRoll(f.taker, ro.ID, big.NewInt(-24))
	if err != nil {
		t.Fatalf("accept roll: %v", err)
	}
	if q.ToTaker.Cmp(big.NewInt(-24)) != 0 {
		t.Fatalf("executed toTaker: %s", q.ToTaker)
	}

	if _, err := f.collar.GetPosition(f.position.ID); !errors.Is(err, collar.ErrPositionNotFound) {
		t.Fatalf("old position survived the roll: %v", err)
	}
	if newPos.InitialPrice.Cmp(big.NewInt(1_100)) != 0 {
		t.Fatalf("new initial price: %s", newPos.InitialPrice)
	}
	if newPos.PutStrikePrice.Cmp(big.NewInt(990)) != 0 || newPos.CallStrikePrice.Cmp(big.NewInt(1_210)) != 0 {
		t.Fatalf("new strikes: put=%s call=%s", newPos.PutStrikePrice, newPos.CallStrikePrice)
	}
	if newPos.Expiration != f.now+3_600 {
		t.Fatalf("new expiration: %d", newPos.Expiration)
	}
	if !newPos.Owner.Equal(f.taker) {
		t.Fatalf("new position owner changed")
	}

	// Taker net change is exactly toTaker: 100 - 10 (initial lock) - 24.
	if got := f.state.cash(f.taker); got.Cmp(big.NewInt(66)) != 0 {
		t.Fatalf("taker balance: %s", got)
	}
	// Provider: 590 after open, +99 unused reservation on reopen, +30 fee.
	if got := f.state.cash(f.provider); got.Cmp(big.NewInt(719)) != 0 {
		t.Fatalf("provider balance: %s", got)
	}
	if got := f.state.cash(f.treasury); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("treasury balance: %s", got)
	}

	// Offer capacity consumed by the replacement notional.
	offer, err := f.collar.GetOffer(1)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if offer.Available.Cmp(big.NewInt(290)) != 0 {
		t.Fatalf("offer capacity: %s", offer.Available)
	}

	if _, err := f.engine.GetRollOffer(ro.ID); !errors.Is(err, ErrRollOfferNotFound) {
		t.Fatalf("roll offer not consumed: %v", err)
	}
}

func TestAcceptRollGuards(t *testing.T) {
	f := newRollFixture(t)
	ro := f.standardRollOffer(t)

	if _, _, err := f.engine.AcceptRoll(f.provider, ro.ID, nil); !errors.Is(err, ErrNotTakerOwner) {
		t.Fatalf("provider-side accept allowed: %v", err)
	}

	f.oracle.price = big.NewInt(1_300)
	if _, _, err := f.engine.AcceptRoll(f.taker, ro.ID, nil); !errors.Is(err, ErrPriceOutOfRollBounds) {
		t.Fatalf("out-of-bounds accept allowed: %v", err)
	}

	f.oracle.price = big.NewInt(1_100)
	if _, _, err := f.engine.AcceptRoll(f.taker, ro.ID, big.NewInt(0)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("slippage floor ignored: %v", err)
	}

	f.now = ro.Deadline + 1
	if _, _, err := f.engine.AcceptRoll(f.taker, ro.ID, nil); !errors.Is(err, ErrRollOfferExpired) {
		t.Fatalf("expired roll offer accepted: %v", err)
	}
}

func TestAcceptRollMinToProviderFloor(t *testing.T) {
	f := newRollFixture(t)
	ro, err := f.engine.CreateRollOffer(f.provider, f.position.ID, big.NewInt(20), 1_000,
		big.NewInt(800), big.NewInt(1_200), big.NewInt(50), f.now+600)
	if err != nil {
		t.Fatalf("create roll offer: %v", err)
	}
	f.oracle.price = big.NewInt(1_100)
	// toProvider is 19, below the 50 floor.
	if _, _, err := f.engine.AcceptRoll(f.taker, ro.ID, nil); !errors.Is(err, ErrMinToProvider) {
		t.Fatalf("provider floor ignored: %v", err)
	}
}

func TestAcceptRollRevertsOnFailure(t *testing.T) {
	f := newRollFixture(t)
	// A fee the taker cannot possibly pay makes the last transfer fail after
	// the old position has already been settled and the new one opened.
	ro, err := f.engine.CreateRollOffer(f.provider, f.position.ID, big.NewInt(10_000), 0,
		big.NewInt(800), big.NewInt(1_200), nil, f.now+600)
	if err != nil {
		t.Fatalf("create roll offer: %v", err)
	}
	f.oracle.price = big.NewInt(1_100)

	if _, _, err := f.engine.AcceptRoll(f.taker, ro.ID, nil); err == nil {
		t.Fatalf("expected roll to fail")
	}

	// Every ledger is back to its pre-roll state.
	pos, err := f.collar.GetPosition(f.position.ID)
	if err != nil {
		t.Fatalf("old position lost after revert: %v", err)
	}
	if pos.Settled {
		t.Fatalf("old position marked settled after revert")
	}
	if got := f.state.cash(f.taker); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("taker balance after revert: %s", got)
	}
	if got := f.state.cash(f.provider); got.Cmp(big.NewInt(590)) != 0 {
		t.Fatalf("provider balance after revert: %s", got)
	}
	offer, err := f.collar.GetOffer(1)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if offer.Available.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("offer capacity after revert: %s", offer.Available)
	}
	if _, err := f.engine.GetRollOffer(ro.ID); err != nil {
		t.Fatalf("roll offer lost after revert: %v", err)
	}
}

func TestCancelRollOffer(t *testing.T) {
	f := newRollFixture(t)
	ro := f.standardRollOffer(t)

	if err := f.engine.CancelRollOffer(f.taker, ro.ID); !errors.Is(err, ErrNotProviderOwner) {
		t.Fatalf("taker cancel allowed: %v", err)
	}
	if err := f.engine.CancelRollOffer(f.provider, ro.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.engine.GetRollOffer(ro.ID); !errors.Is(err, ErrRollOfferNotFound) {
		t.Fatalf("cancelled roll offer still present: %v", err)
	}
}
