package escrow

import (
	"errors"
	"math/big"
	"testing"

	"collarcore/core/types"
	"collarcore/crypto"
)

type mockEscrowState struct {
	accounts  map[string]*types.Account
	offers    map[uint64]*Offer
	escrows   map[uint64]*Escrow
	offerSeq  uint64
	escrowSeq uint64
}

func newMockEscrowState() *mockEscrowState {
	return &mockEscrowState{
		accounts: make(map[string]*types.Account),
		offers:   make(map[uint64]*Offer),
		escrows:  make(map[uint64]*Escrow),
	}
}

func (m *mockEscrowState) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := m.accounts[addr.String()]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{BalanceCash: big.NewInt(0), BalanceCollateral: big.NewInt(0)}, nil
}

func (m *mockEscrowState) PutAccount(addr crypto.Address, account *types.Account) error {
	m.accounts[addr.String()] = account.Clone()
	return nil
}

func (m *mockEscrowState) EscrowOfferGet(id uint64) (*Offer, bool) {
	offer, ok := m.offers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (m *mockEscrowState) EscrowOfferPut(offer *Offer) error {
	m.offers[offer.ID] = offer.Clone()
	return nil
}

func (m *mockEscrowState) NextEscrowOfferID() uint64 {
	m.offerSeq++
	return m.offerSeq
}

func (m *mockEscrowState) EscrowGet(id uint64) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockEscrowState) EscrowPut(esc *Escrow) error {
	m.escrows[esc.ID] = esc.Clone()
	return nil
}

func (m *mockEscrowState) EscrowDelete(id uint64) { delete(m.escrows, id) }

func (m *mockEscrowState) NextEscrowID() uint64 {
	m.escrowSeq++
	return m.escrowSeq
}

func (m *mockEscrowState) fundCollateral(addr crypto.Address, amount int64) {
	m.accounts[addr.String()] = &types.Account{
		BalanceCash:       big.NewInt(0),
		BalanceCollateral: big.NewInt(amount),
	}
}

func (m *mockEscrowState) collateral(addr crypto.Address) *big.Int {
	acc, ok := m.accounts[addr.String()]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.BalanceCollateral)
}

func testAddr(tag byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = tag
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

const (
	halfYear    = secondsPerYear / 2
	graceWindow = secondsPerYear / 10
)

type escrowFixture struct {
	engine   *Engine
	state    *mockEscrowState
	vault    crypto.Address
	supplier crypto.Address
	borrower crypto.Address
	now      int64
}

// newEscrowFixture locks a 1,000,000 offer at 10% APR for half a year with a
// 20% late-fee APR over a tenth-of-a-year grace window.
func newEscrowFixture(t *testing.T) *escrowFixture {
	t.Helper()
	vaultRaw := make([]byte, 20)
	vaultRaw[0] = 0xfe
	f := &escrowFixture{
		state:    newMockEscrowState(),
		vault:    crypto.NewAddress(crypto.VaultPrefix, vaultRaw),
		supplier: testAddr(1),
		borrower: testAddr(2),
		now:      10_000,
	}
	f.engine = NewEngine(f.vault)
	f.engine.SetState(f.state)
	f.engine.SetNowFunc(func() int64 { return f.now })

	f.state.fundCollateral(f.supplier, 1_000_000)
	// Enough for the matching security plus the 50,000 fee, with headroom
	// for a late fee.
	f.state.fundCollateral(f.borrower, 1_060_000)
	if _, err := f.engine.CreateOffer(f.supplier, big.NewInt(1_000_000), halfYear, 1_000, graceWindow, 2_000, big.NewInt(100_000)); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return f
}

func TestInterestFee(t *testing.T) {
	f := newEscrowFixture(t)
	fee, err := f.engine.InterestFee(1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("interest fee: %v", err)
	}
	// 10% APR over half a year on 1,000,000.
	if fee.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("unexpected fee: %s", fee)
	}
}

func TestStartEscrowMovesCollateralAndFee(t *testing.T) {
	f := newEscrowFixture(t)

	if _, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(50_000)); !errors.Is(err, ErrBelowMinEscrow) {
		t.Fatalf("sub-minimum escrow accepted: %v", err)
	}
	if _, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(2_000_000)); !errors.Is(err, ErrInsufficientOffer) {
		t.Fatalf("over-capacity escrow accepted: %v", err)
	}

	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}
	if esc.InterestHeld.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("held interest: %s", esc.InterestHeld)
	}
	if !esc.Borrower.Equal(f.borrower) {
		t.Fatalf("borrower not recorded: %s", esc.Borrower)
	}
	if esc.SecurityHeld.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("security held: %s", esc.SecurityHeld)
	}
	if esc.Expiration != f.now+halfYear {
		t.Fatalf("expiration: %d", esc.Expiration)
	}
	// Borrower posted 1,000,000 security plus the 50,000 fee and received
	// the 1,000,000 principal.
	if got := f.state.collateral(f.borrower); got.Cmp(big.NewInt(1_010_000)) != 0 {
		t.Fatalf("borrower collateral: %s", got)
	}
	// Vault retains the held fee and the security.
	if got := f.state.collateral(f.vault); got.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("vault collateral: %s", got)
	}
	offer, err := f.engine.GetOffer(1)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if offer.Available.Sign() != 0 {
		t.Fatalf("offer capacity: %s", offer.Available)
	}
}

func TestLateFeeAccrualAcrossGraceWindow(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}

	cases := []struct {
		name    string
		at      int64
		lateFee int64
	}{
		{"before expiry", esc.Expiration - 1, 0},
		{"at expiry", esc.Expiration, 0},
		{"half the grace window", esc.Expiration + graceWindow/2, 10_000},
		{"full grace window", esc.Expiration + graceWindow, 20_000},
		{"past the cap", esc.Expiration + 10*graceWindow, 20_000},
	}
	for _, tc := range cases {
		f.now = tc.at
		principal, lateFee, err := f.engine.CurrentOwed(esc.ID)
		if err != nil {
			t.Fatalf("%s: current owed: %v", tc.name, err)
		}
		if principal.Cmp(big.NewInt(1_000_000)) != 0 {
			t.Fatalf("%s: principal: %s", tc.name, principal)
		}
		if lateFee.Cmp(big.NewInt(tc.lateFee)) != 0 {
			t.Fatalf("%s: late fee %s, want %d", tc.name, lateFee, tc.lateFee)
		}
	}

	// Accrual is monotone non-decreasing second by second around the cap.
	prev := big.NewInt(-1)
	for at := esc.Expiration + graceWindow - 5; at <= esc.Expiration+graceWindow+5; at++ {
		f.now = at
		_, lateFee, err := f.engine.CurrentOwed(esc.ID)
		if err != nil {
			t.Fatalf("current owed: %v", err)
		}
		if lateFee.Cmp(prev) < 0 {
			t.Fatalf("late fee decreased at %d: %s < %s", at, lateFee, prev)
		}
		prev = lateFee
	}
}

func TestEndEscrowOnTime(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}
	f.now = esc.Expiration

	if _, err := f.engine.EndEscrow(f.borrower, esc.ID, big.NewInt(999_999)); !errors.Is(err, ErrRepaymentShort) {
		t.Fatalf("short repayment accepted: %v", err)
	}

	released, err := f.engine.EndEscrow(f.borrower, esc.ID, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("end escrow: %v", err)
	}
	if !released.Released || released.Withdrawable.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("released state: %v withdrawable=%s", released.Released, released.Withdrawable)
	}
	if _, err := f.engine.EndEscrow(f.borrower, esc.ID, big.NewInt(1_000_000)); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("double end accepted: %v", err)
	}

	if _, err := f.engine.WithdrawReleased(esc.ID, f.borrower); !errors.Is(err, ErrNotSupplier) {
		t.Fatalf("borrower withdrew supplier funds: %v", err)
	}
	paid, err := f.engine.WithdrawReleased(esc.ID, f.supplier)
	if err != nil {
		t.Fatalf("withdraw released: %v", err)
	}
	// Principal back plus the full prepaid interest.
	if paid.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("supplier payout: %s", paid)
	}
	if got := f.state.collateral(f.supplier); got.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("supplier balance: %s", got)
	}
	if got := f.state.collateral(f.vault); got.Sign() != 0 {
		t.Fatalf("vault should be empty: %s", got)
	}
	// Repayment and the returned security net out; the borrower is down
	// only the prepaid fee.
	if got := f.state.collateral(f.borrower); got.Cmp(big.NewInt(1_010_000)) != 0 {
		t.Fatalf("borrower balance: %s", got)
	}
}

func TestEndEscrowBorrowerOnly(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}
	stranger := testAddr(9)
	f.state.fundCollateral(stranger, 2_000_000)
	if _, err := f.engine.EndEscrow(stranger, esc.ID, big.NewInt(1_000_000)); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("stranger ended escrow: %v", err)
	}
	got, err := f.engine.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if got.Released {
		t.Fatalf("escrow released by stranger")
	}
}

func TestEndEscrowLateChargesFee(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}
	f.now = esc.Expiration + graceWindow/2

	released, err := f.engine.EndEscrow(f.borrower, esc.ID, big.NewInt(1_010_000))
	if err != nil {
		t.Fatalf("end escrow: %v", err)
	}
	// Principal + prepaid interest + 10,000 late fee.
	if released.Withdrawable.Cmp(big.NewInt(1_060_000)) != 0 {
		t.Fatalf("withdrawable with late fee: %s", released.Withdrawable)
	}
	// Security back, repayment and late fee gone.
	if got := f.state.collateral(f.borrower); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("borrower balance: %s", got)
	}
}

func TestWithdrawBeforeReleaseFails(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}
	if _, err := f.engine.WithdrawReleased(esc.ID, f.supplier); !errors.Is(err, ErrNotYetReleased) {
		t.Fatalf("pre-release withdraw accepted: %v", err)
	}
}

func TestSwitchEscrowRotatesSupplier(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}

	second := testAddr(3)
	f.state.fundCollateral(second, 2_000_000)
	newOffer, err := f.engine.CreateOffer(second, big.NewInt(2_000_000), halfYear, 1_200, graceWindow, 2_400, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}

	// Halfway through the term the incumbent has earned half the interest.
	f.now = esc.StartedAt + halfYear/2

	toOld, carried, err := f.engine.PreviewRelease(esc.ID, newOffer.ID)
	if err != nil {
		t.Fatalf("preview release: %v", err)
	}
	if toOld.Cmp(big.NewInt(1_025_000)) != 0 || carried.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("preview: toOld=%s carried=%s", toOld, carried)
	}

	replacement, err := f.engine.SwitchEscrow(f.borrower, esc.ID, newOffer.ID)
	if err != nil {
		t.Fatalf("switch escrow: %v", err)
	}
	if !replacement.Supplier.Equal(second) {
		t.Fatalf("replacement supplier unchanged")
	}
	if replacement.Expiration != esc.Expiration || replacement.Escrowed.Cmp(esc.Escrowed) != 0 {
		t.Fatalf("replacement timeline changed: exp=%d escrowed=%s", replacement.Expiration, replacement.Escrowed)
	}
	if replacement.InterestHeld.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("carried interest: %s", replacement.InterestHeld)
	}
	if !replacement.Borrower.Equal(f.borrower) || replacement.SecurityHeld.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("borrower side not carried: borrower=%s security=%s", replacement.Borrower, replacement.SecurityHeld)
	}

	rotated, err := f.engine.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("get rotated escrow: %v", err)
	}
	if !rotated.Released || rotated.Withdrawable.Cmp(big.NewInt(1_025_000)) != 0 {
		t.Fatalf("rotated escrow: released=%v withdrawable=%s", rotated.Released, rotated.Withdrawable)
	}

	consumed, err := f.engine.GetOffer(newOffer.ID)
	if err != nil {
		t.Fatalf("get new offer: %v", err)
	}
	if consumed.Available.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("new offer capacity: %s", consumed.Available)
	}

	paid, err := f.engine.WithdrawReleased(esc.ID, f.supplier)
	if err != nil {
		t.Fatalf("withdraw rotated: %v", err)
	}
	if paid.Cmp(big.NewInt(1_025_000)) != 0 {
		t.Fatalf("rotated payout: %s", paid)
	}
}

func TestSwitchEscrowBorrowerOnly(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}

	// A third party publishes an offer with a ruinous late-fee APR and
	// tries to rotate someone else's escrow onto it.
	hostile := testAddr(8)
	f.state.fundCollateral(hostile, 2_000_000)
	predatory, err := f.engine.CreateOffer(hostile, big.NewInt(2_000_000), halfYear, 1_000, graceWindow, 10_000_000, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("hostile offer: %v", err)
	}

	if _, err := f.engine.SwitchEscrow(hostile, esc.ID, predatory.ID); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("hostile rotation accepted: %v", err)
	}

	got, err := f.engine.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if got.Released || !got.Supplier.Equal(f.supplier) || got.LateFeeAPRBps != 2_000 {
		t.Fatalf("escrow mutated: released=%v supplier=%s lateFeeBps=%d", got.Released, got.Supplier, got.LateFeeAPRBps)
	}

	// Past the grace window the late fee still caps at the original 20%
	// APR terms, not the hostile offer's.
	f.now = esc.Expiration + graceWindow
	_, lateFee, err := f.engine.CurrentOwed(esc.ID)
	if err != nil {
		t.Fatalf("current owed: %v", err)
	}
	if lateFee.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("late fee under original terms: %s", lateFee)
	}
}

func TestRollEscrowExtendsTerm(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}

	second := testAddr(3)
	f.state.fundCollateral(second, 2_000_000)
	// 12% APR on the renewal: a 60,000 full-term fee.
	newOffer, err := f.engine.CreateOffer(second, big.NewInt(2_000_000), halfYear, 1_200, graceWindow, 2_400, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}

	if _, err := f.engine.RollEscrow(f.supplier, esc.ID, newOffer.ID); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("non-borrower roll accepted: %v", err)
	}

	// Halfway through the term: 25,000 earned, 25,000 refunds.
	f.now = esc.StartedAt + halfYear/2
	replacement, err := f.engine.RollEscrow(f.borrower, esc.ID, newOffer.ID)
	if err != nil {
		t.Fatalf("roll escrow: %v", err)
	}
	if !replacement.Supplier.Equal(second) || !replacement.Borrower.Equal(f.borrower) {
		t.Fatalf("replacement parties: supplier=%s borrower=%s", replacement.Supplier, replacement.Borrower)
	}
	if replacement.StartedAt != f.now || replacement.Expiration != f.now+halfYear {
		t.Fatalf("replacement timeline: started=%d exp=%d", replacement.StartedAt, replacement.Expiration)
	}
	if replacement.InterestHeld.Cmp(big.NewInt(60_000)) != 0 {
		t.Fatalf("fresh interest: %s", replacement.InterestHeld)
	}
	if replacement.SecurityHeld.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("security not carried: %s", replacement.SecurityHeld)
	}

	// Refunded 25,000, charged the new 60,000 fee.
	if got := f.state.collateral(f.borrower); got.Cmp(big.NewInt(975_000)) != 0 {
		t.Fatalf("borrower collateral: %s", got)
	}

	retired, err := f.engine.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("get retired escrow: %v", err)
	}
	if !retired.Released || retired.Withdrawable.Cmp(big.NewInt(1_025_000)) != 0 {
		t.Fatalf("retired escrow: released=%v withdrawable=%s", retired.Released, retired.Withdrawable)
	}
	paid, err := f.engine.WithdrawReleased(esc.ID, f.supplier)
	if err != nil {
		t.Fatalf("withdraw retired: %v", err)
	}
	if paid.Cmp(big.NewInt(1_025_000)) != 0 {
		t.Fatalf("retired payout: %s", paid)
	}

	consumed, err := f.engine.GetOffer(newOffer.ID)
	if err != nil {
		t.Fatalf("get new offer: %v", err)
	}
	if consumed.Available.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("new offer capacity: %s", consumed.Available)
	}
}

func TestClaimDefaultedSeizesSecurity(t *testing.T) {
	f := newEscrowFixture(t)
	esc, err := f.engine.StartEscrow(f.borrower, 1, big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("start escrow: %v", err)
	}

	// The grace window has to fully run out first.
	f.now = esc.Expiration + graceWindow
	if _, err := f.engine.ClaimDefaulted(f.supplier, esc.ID); !errors.Is(err, ErrNotYetDefaulted) {
		t.Fatalf("claim inside grace window accepted: %v", err)
	}

	f.now = esc.Expiration + graceWindow + 1
	if _, err := f.engine.ClaimDefaulted(f.borrower, esc.ID); !errors.Is(err, ErrNotSupplier) {
		t.Fatalf("borrower claimed default: %v", err)
	}

	seized, err := f.engine.ClaimDefaulted(f.supplier, esc.ID)
	if err != nil {
		t.Fatalf("claim defaulted: %v", err)
	}
	// Security plus the prepaid interest.
	if seized.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("seized: %s", seized)
	}
	if got := f.state.collateral(f.supplier); got.Cmp(big.NewInt(1_050_000)) != 0 {
		t.Fatalf("supplier balance: %s", got)
	}
	if got := f.state.collateral(f.vault); got.Sign() != 0 {
		t.Fatalf("vault should be empty: %s", got)
	}
	if _, err := f.engine.GetEscrow(esc.ID); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("escrow survived default claim: %v", err)
	}
}
