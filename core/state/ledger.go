package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"collarcore/core/types"
	"collarcore/crypto"
	"collarcore/native/collar"
	"collarcore/native/escrow"
	"collarcore/native/loans"
	"collarcore/native/rolls"
	"collarcore/storage"
)

// ledgerKey is where the serialized ledger lives in the backing store.
var ledgerKey = []byte("collar/ledger")

// ErrNoPersistedState is returned by Load when the store holds no snapshot.
var ErrNoPersistedState = errors.New("state: no persisted ledger")

// Ledger is the single shared state every engine mutates. It satisfies the
// state interfaces of the collar, escrow, roll and loan engines so one
// instance backs the whole protocol.
//
// The ledger itself is not safe for concurrent mutation: operations are
// applied under a single global sequential ordering. Callers hold Lock for
// the duration of each state-mutating operation; Snapshot/RevertToSnapshot
// give those operations all-or-nothing semantics.
type Ledger struct {
	mu sync.Mutex

	Accounts          map[string]*types.Account           `json:"accounts"`
	Offers            map[uint64]*collar.Offer            `json:"offers"`
	Positions         map[uint64]*collar.Position         `json:"positions"`
	ProviderPositions map[uint64]*collar.ProviderPosition `json:"providerPositions"`
	EscrowOffers      map[uint64]*escrow.Offer            `json:"escrowOffers"`
	Escrows           map[uint64]*escrow.Escrow           `json:"escrows"`
	RollOffers        map[uint64]*rolls.RollOffer         `json:"rollOffers"`
	Loans             map[string]*loans.Loan              `json:"loans"`

	OfferSeq       uint64 `json:"offerSeq"`
	PositionSeq    uint64 `json:"positionSeq"`
	ProviderSeq    uint64 `json:"providerSeq"`
	EscrowOfferSeq uint64 `json:"escrowOfferSeq"`
	EscrowSeq      uint64 `json:"escrowSeq"`
	RollOfferSeq   uint64 `json:"rollOfferSeq"`

	snapshots []*Ledger
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		Accounts:          make(map[string]*types.Account),
		Offers:            make(map[uint64]*collar.Offer),
		Positions:         make(map[uint64]*collar.Position),
		ProviderPositions: make(map[uint64]*collar.ProviderPosition),
		EscrowOffers:      make(map[uint64]*escrow.Offer),
		Escrows:           make(map[uint64]*escrow.Escrow),
		RollOffers:        make(map[uint64]*rolls.RollOffer),
		Loans:             make(map[string]*loans.Loan),
	}
}

// Lock serializes a state-mutating operation. Unlock when the operation has
// fully applied or fully reverted.
func (l *Ledger) Lock() { l.mu.Lock() }

// Unlock releases the operation lock.
func (l *Ledger) Unlock() { l.mu.Unlock() }

func (l *Ledger) copy() *Ledger {
	c := NewLedger()
	for k, v := range l.Accounts {
		c.Accounts[k] = v.Clone()
	}
	for k, v := range l.Offers {
		c.Offers[k] = v.Clone()
	}
	for k, v := range l.Positions {
		c.Positions[k] = v.Clone()
	}
	for k, v := range l.ProviderPositions {
		c.ProviderPositions[k] = v.Clone()
	}
	for k, v := range l.EscrowOffers {
		c.EscrowOffers[k] = v.Clone()
	}
	for k, v := range l.Escrows {
		c.Escrows[k] = v.Clone()
	}
	for k, v := range l.RollOffers {
		c.RollOffers[k] = v.Clone()
	}
	for k, v := range l.Loans {
		c.Loans[k] = v.Clone()
	}
	c.OfferSeq, c.PositionSeq, c.ProviderSeq = l.OfferSeq, l.PositionSeq, l.ProviderSeq
	c.EscrowOfferSeq, c.EscrowSeq, c.RollOfferSeq = l.EscrowOfferSeq, l.EscrowSeq, l.RollOfferSeq
	return c
}

// Snapshot records the full ledger so a failing multi-step operation can be
// rolled back byte for byte.
func (l *Ledger) Snapshot() int {
	l.snapshots = append(l.snapshots, l.copy())
	return len(l.snapshots) - 1
}

// RevertToSnapshot restores the ledger recorded by Snapshot and discards
// everything taken after it.
func (l *Ledger) RevertToSnapshot(id int) {
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	restored := l.snapshots[id]
	l.Accounts = restored.Accounts
	l.Offers = restored.Offers
	l.Positions = restored.Positions
	l.ProviderPositions = restored.ProviderPositions
	l.EscrowOffers = restored.EscrowOffers
	l.Escrows = restored.Escrows
	l.RollOffers = restored.RollOffers
	l.Loans = restored.Loans
	l.OfferSeq, l.PositionSeq, l.ProviderSeq = restored.OfferSeq, restored.PositionSeq, restored.ProviderSeq
	l.EscrowOfferSeq, l.EscrowSeq, l.RollOfferSeq = restored.EscrowOfferSeq, restored.EscrowSeq, restored.RollOfferSeq
	l.snapshots = l.snapshots[:id]
}

// DiscardSnapshots drops accumulated snapshots after an operation commits.
func (l *Ledger) DiscardSnapshots() { l.snapshots = nil }

// GetAccount returns a copy of the account, zero-valued when absent.
func (l *Ledger) GetAccount(addr crypto.Address) (*types.Account, error) {
	if acc, ok := l.Accounts[addr.String()]; ok {
		return acc.Clone(), nil
	}
	return (&types.Account{}).Clone(), nil
}

// PutAccount stores a copy of the account.
func (l *Ledger) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account for %s", addr)
	}
	l.Accounts[addr.String()] = account.Clone()
	return nil
}

func (l *Ledger) OfferGet(id uint64) (*collar.Offer, bool) {
	offer, ok := l.Offers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (l *Ledger) OfferPut(offer *collar.Offer) error {
	l.Offers[offer.ID] = offer.Clone()
	return nil
}

func (l *Ledger) NextOfferID() uint64 {
	l.OfferSeq++
	return l.OfferSeq
}

func (l *Ledger) PositionGet(id uint64) (*collar.Position, bool) {
	pos, ok := l.Positions[id]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

func (l *Ledger) PositionPut(pos *collar.Position) error {
	l.Positions[pos.ID] = pos.Clone()
	return nil
}

func (l *Ledger) PositionDelete(id uint64) { delete(l.Positions, id) }

func (l *Ledger) NextPositionID() uint64 {
	l.PositionSeq++
	return l.PositionSeq
}

func (l *Ledger) ProviderPositionGet(id uint64) (*collar.ProviderPosition, bool) {
	pos, ok := l.ProviderPositions[id]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

func (l *Ledger) ProviderPositionPut(pos *collar.ProviderPosition) error {
	l.ProviderPositions[pos.ID] = pos.Clone()
	return nil
}

func (l *Ledger) ProviderPositionDelete(id uint64) { delete(l.ProviderPositions, id) }

func (l *Ledger) NextProviderPositionID() uint64 {
	l.ProviderSeq++
	return l.ProviderSeq
}

func (l *Ledger) EscrowOfferGet(id uint64) (*escrow.Offer, bool) {
	offer, ok := l.EscrowOffers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (l *Ledger) EscrowOfferPut(offer *escrow.Offer) error {
	l.EscrowOffers[offer.ID] = offer.Clone()
	return nil
}

func (l *Ledger) NextEscrowOfferID() uint64 {
	l.EscrowOfferSeq++
	return l.EscrowOfferSeq
}

func (l *Ledger) EscrowGet(id uint64) (*escrow.Escrow, bool) {
	esc, ok := l.Escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (l *Ledger) EscrowPut(esc *escrow.Escrow) error {
	l.Escrows[esc.ID] = esc.Clone()
	return nil
}

func (l *Ledger) EscrowDelete(id uint64) { delete(l.Escrows, id) }

func (l *Ledger) NextEscrowID() uint64 {
	l.EscrowSeq++
	return l.EscrowSeq
}

func (l *Ledger) RollOfferGet(id uint64) (*rolls.RollOffer, bool) {
	ro, ok := l.RollOffers[id]
	if !ok {
		return nil, false
	}
	return ro.Clone(), true
}

func (l *Ledger) RollOfferPut(ro *rolls.RollOffer) error {
	l.RollOffers[ro.ID] = ro.Clone()
	return nil
}

func (l *Ledger) RollOfferDelete(id uint64) { delete(l.RollOffers, id) }

func (l *Ledger) NextRollOfferID() uint64 {
	l.RollOfferSeq++
	return l.RollOfferSeq
}

func (l *Ledger) LoanGet(id ethcommon.Hash) (*loans.Loan, bool) {
	loan, ok := l.Loans[id.Hex()]
	if !ok {
		return nil, false
	}
	return loan.Clone(), true
}

func (l *Ledger) LoanPut(loan *loans.Loan) error {
	l.Loans[loan.ID.Hex()] = loan.Clone()
	return nil
}

func (l *Ledger) LoanDelete(id ethcommon.Hash) { delete(l.Loans, id.Hex()) }

// Commit serializes the ledger and writes it to the backing store.
func (l *Ledger) Commit(db storage.Database) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("state: marshal ledger: %w", err)
	}
	if err := db.Put(ledgerKey, raw); err != nil {
		return fmt.Errorf("state: persist ledger: %w", err)
	}
	return nil
}

// Load reads the persisted ledger from the backing store.
func Load(db storage.Database) (*Ledger, error) {
	raw, err := db.Get(ledgerKey)
	if err != nil {
		return nil, ErrNoPersistedState
	}
	ledger := NewLedger()
	if err := json.Unmarshal(raw, ledger); err != nil {
		return nil, fmt.Errorf("state: decode ledger: %w", err)
	}
	return ledger, nil
}
