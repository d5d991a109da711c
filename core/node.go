package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"collarcore/config"
	"collarcore/core/events"
	"collarcore/core/state"
	"collarcore/core/types"
	"collarcore/crypto"
	"collarcore/native/collar"
	"collarcore/native/escrow"
	"collarcore/native/loans"
	"collarcore/native/oracle"
	"collarcore/native/rolls"
	"collarcore/storage"
)

// ModuleVault derives the deterministic vault address for a module. Vaults
// are plain accounts with no key material; only engine code moves their
// balances.
func ModuleVault(module string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte("collarcore/vault/" + module))
	return crypto.NewAddress(crypto.VaultPrefix, digest[:20])
}

// Node owns the shared ledger and the engines mutating it. Every public
// method applies one operation under the global ledger lock: the operation
// either fully commits to the backing store or leaves the ledger untouched.
type Node struct {
	db       storage.Database
	ledger   *state.Ledger
	registry config.Registry
	oracle   oracle.PriceOracle
	logger   *slog.Logger

	collar *collar.Engine
	escrow *escrow.Engine
	rolls  *rolls.Engine
	loans  *loans.Engine
}

// NewNode restores the ledger from db (starting empty when no snapshot
// exists) and wires the engines. The swap adapter may be nil when loan
// origination is not served by this node.
func NewNode(db storage.Database, registry config.Registry, priceOracle oracle.PriceOracle, swapper loans.SwapAdapter, emitter events.Emitter, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: storage required")
	}
	if priceOracle == nil {
		return nil, fmt.Errorf("core: price oracle required")
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := state.Load(db)
	if err != nil {
		if err != state.ErrNoPersistedState {
			return nil, err
		}
		ledger = state.NewLedger()
	}

	collarEngine := collar.NewEngine(ModuleVault("collar"))
	collarEngine.SetState(ledger)
	collarEngine.SetRegistry(registry)
	collarEngine.SetOracle(priceOracle)
	collarEngine.SetPauses(registry)
	collarEngine.SetEmitter(emitter)

	escrowEngine := escrow.NewEngine(ModuleVault("escrow"))
	escrowEngine.SetState(ledger)
	escrowEngine.SetPauses(registry)
	escrowEngine.SetEmitter(emitter)

	rollEngine := rolls.NewEngine(collarEngine)
	rollEngine.SetState(ledger)
	rollEngine.SetOracle(priceOracle)
	rollEngine.SetPauses(registry)
	rollEngine.SetEmitter(emitter)
	if recipient := registry.FeeRecipient; recipient != "" {
		addr, err := crypto.DecodeAddress(recipient)
		if err != nil {
			return nil, fmt.Errorf("core: fee recipient: %w", err)
		}
		rollEngine.SetProtocolFee(registry.ProtocolFeeBps, addr)
	}

	loanEngine := loans.NewEngine(collarEngine, escrowEngine, rollEngine)
	loanEngine.SetState(ledger)
	loanEngine.SetRegistry(registry)
	loanEngine.SetPauses(registry)
	loanEngine.SetEmitter(emitter)
	if swapper != nil {
		loanEngine.SetSwapAdapter(swapper)
	}

	return &Node{
		db:       db,
		ledger:   ledger,
		registry: registry,
		oracle:   priceOracle,
		logger:   logger,
		collar:   collarEngine,
		escrow:   escrowEngine,
		rolls:    rollEngine,
		loans:    loanEngine,
	}, nil
}

// SetNowFunc overrides the clock on every engine. Tests and replay tooling
// use it; production nodes keep the wall clock.
func (n *Node) SetNowFunc(now func() int64) {
	n.collar.SetNowFunc(now)
	n.escrow.SetNowFunc(now)
	n.rolls.SetNowFunc(now)
	n.loans.SetNowFunc(now)
}

// Registry returns the protocol configuration the node was booted with.
func (n *Node) Registry() config.Registry { return n.registry }

// Oracle exposes the price oracle for read-only callers.
func (n *Node) Oracle() oracle.PriceOracle { return n.oracle }

// apply runs one mutating operation with all-or-nothing semantics: a
// ledger-wide snapshot guards against partially applied engine steps, and a
// successful operation is committed to the backing store before the lock is
// released.
func (n *Node) apply(op string, fn func() error) error {
	n.ledger.Lock()
	defer n.ledger.Unlock()

	snap := n.ledger.Snapshot()
	if err := fn(); err != nil {
		n.ledger.RevertToSnapshot(snap)
		return err
	}
	n.ledger.DiscardSnapshots()
	if err := n.ledger.Commit(n.db); err != nil {
		n.logger.Error("ledger commit failed", "operation", op, "error", err)
		return err
	}
	return nil
}

// view runs a read-only closure under the ledger lock.
func (n *Node) view(fn func() error) error {
	n.ledger.Lock()
	defer n.ledger.Unlock()
	return fn()
}

// Balance returns a copy of the account backing addr.
func (n *Node) Balance(addr crypto.Address) (*types.Account, error) {
	var acc *types.Account
	err := n.view(func() (err error) {
		acc, err = n.ledger.GetAccount(addr)
		return err
	})
	return acc, err
}

// Credit mints balance onto an account. Deployments bridge real deposits
// here; dev environments use it as a faucet.
func (n *Node) Credit(addr crypto.Address, cash, collateral *big.Int) error {
	return n.apply("credit", func() error {
		acc, err := n.ledger.GetAccount(addr)
		if err != nil {
			return err
		}
		if cash != nil {
			acc.BalanceCash = new(big.Int).Add(acc.BalanceCash, cash)
		}
		if collateral != nil {
			acc.BalanceCollateral = new(big.Int).Add(acc.BalanceCollateral, collateral)
		}
		if acc.BalanceCash.Sign() < 0 || acc.BalanceCollateral.Sign() < 0 {
			return fmt.Errorf("core: credit would overdraw %s", addr)
		}
		return n.ledger.PutAccount(addr, acc)
	})
}

// Collar offers and positions.

func (n *Node) CreateOffer(provider crypto.Address, callStrikeBps, putStrikeBps uint64, amount *big.Int, duration int64, cash, collateral string) (*collar.Offer, error) {
	var offer *collar.Offer
	err := n.apply("collar.createOffer", func() (err error) {
		offer, err = n.collar.CreateOffer(provider, callStrikeBps, putStrikeBps, amount, duration, cash, collateral)
		return err
	})
	return offer, err
}

func (n *Node) UpdateOfferAmount(offerID uint64, caller crypto.Address, newAmount *big.Int) (*collar.Offer, error) {
	var offer *collar.Offer
	err := n.apply("collar.updateOffer", func() (err error) {
		offer, err = n.collar.UpdateOfferAmount(offerID, caller, newAmount)
		return err
	})
	return offer, err
}

func (n *Node) OpenPosition(taker crypto.Address, offerID uint64, notional, takerLocked *big.Int) (*collar.Position, error) {
	var pos *collar.Position
	err := n.apply("collar.openPosition", func() (err error) {
		pos, err = n.collar.OpenPosition(taker, offerID, notional, takerLocked)
		return err
	})
	return pos, err
}

func (n *Node) SettlePosition(positionID uint64) (*collar.Position, error) {
	var pos *collar.Position
	err := n.apply("collar.settlePosition", func() (err error) {
		pos, err = n.collar.SettlePosition(positionID)
		return err
	})
	return pos, err
}

func (n *Node) WithdrawFromPosition(positionID uint64, caller crypto.Address) (*big.Int, error) {
	var amount *big.Int
	err := n.apply("collar.withdraw", func() (err error) {
		amount, err = n.collar.WithdrawFromPosition(positionID, caller)
		return err
	})
	return amount, err
}

func (n *Node) WithdrawFromProviderPosition(providerPositionID uint64, caller crypto.Address) (*big.Int, error) {
	var amount *big.Int
	err := n.apply("collar.withdrawProvider", func() (err error) {
		amount, err = n.collar.WithdrawFromProviderPosition(providerPositionID, caller)
		return err
	})
	return amount, err
}

func (n *Node) TransferPosition(positionID uint64, from, to crypto.Address) error {
	return n.apply("collar.transferPosition", func() error {
		return n.collar.TransferPosition(positionID, from, to)
	})
}

func (n *Node) TransferProviderPosition(providerPositionID uint64, from, to crypto.Address) error {
	return n.apply("collar.transferProviderPosition", func() error {
		return n.collar.TransferProviderPosition(providerPositionID, from, to)
	})
}

func (n *Node) GetOffer(offerID uint64) (*collar.Offer, error) {
	var offer *collar.Offer
	err := n.view(func() (err error) {
		offer, err = n.collar.GetOffer(offerID)
		return err
	})
	return offer, err
}

func (n *Node) GetPosition(positionID uint64) (*collar.Position, error) {
	var pos *collar.Position
	err := n.view(func() (err error) {
		pos, err = n.collar.GetPosition(positionID)
		return err
	})
	return pos, err
}

func (n *Node) GetProviderPosition(id uint64) (*collar.ProviderPosition, error) {
	var pos *collar.ProviderPosition
	err := n.view(func() (err error) {
		pos, err = n.collar.GetProviderPosition(id)
		return err
	})
	return pos, err
}

func (n *Node) PreviewSettlement(positionID uint64, price *big.Int) (taker, provider *big.Int, err error) {
	err = n.view(func() (err error) {
		taker, provider, err = n.collar.PreviewSettlement(positionID, price)
		return err
	})
	return taker, provider, err
}

// Rolls.

func (n *Node) CreateRollOffer(caller crypto.Address, positionID uint64, feeBase *big.Int, deltaFactorBps int64, minPrice, maxPrice, minToProvider *big.Int, deadline int64) (*rolls.RollOffer, error) {
	var ro *rolls.RollOffer
	err := n.apply("rolls.createOffer", func() (err error) {
		ro, err = n.rolls.CreateRollOffer(caller, positionID, feeBase, deltaFactorBps, minPrice, maxPrice, minToProvider, deadline)
		return err
	})
	return ro, err
}

func (n *Node) CancelRollOffer(caller crypto.Address, rollOfferID uint64) error {
	return n.apply("rolls.cancelOffer", func() error {
		return n.rolls.CancelRollOffer(caller, rollOfferID)
	})
}

func (n *Node) AcceptRoll(caller crypto.Address, rollOfferID uint64, minToTaker *big.Int) (*collar.Position, *rolls.Quote, error) {
	var (
		pos   *collar.Position
		quote *rolls.Quote
	)
	err := n.apply("rolls.accept", func() (err error) {
		pos, quote, err = n.rolls.AcceptRoll(caller, rollOfferID, minToTaker)
		return err
	})
	return pos, quote, err
}

func (n *Node) GetRollOffer(rollOfferID uint64) (*rolls.RollOffer, error) {
	var ro *rolls.RollOffer
	err := n.view(func() (err error) {
		ro, err = n.rolls.GetRollOffer(rollOfferID)
		return err
	})
	return ro, err
}

func (n *Node) PreviewRoll(rollOfferID uint64, price *big.Int) (*rolls.Quote, error) {
	var quote *rolls.Quote
	err := n.view(func() (err error) {
		quote, err = n.rolls.PreviewRoll(rollOfferID, price)
		return err
	})
	return quote, err
}

// Escrow.

func (n *Node) CreateEscrowOffer(supplier crypto.Address, escrowAmount *big.Int, duration int64, interestAPRBps uint64, maxGracePeriod int64, lateFeeAPRBps uint64, minEscrow *big.Int) (*escrow.Offer, error) {
	var offer *escrow.Offer
	err := n.apply("escrow.createOffer", func() (err error) {
		offer, err = n.escrow.CreateOffer(supplier, escrowAmount, duration, interestAPRBps, maxGracePeriod, lateFeeAPRBps, minEscrow)
		return err
	})
	return offer, err
}

func (n *Node) UpdateEscrowOfferAmount(offerID uint64, caller crypto.Address, newAmount *big.Int) (*escrow.Offer, error) {
	var offer *escrow.Offer
	err := n.apply("escrow.updateOffer", func() (err error) {
		offer, err = n.escrow.UpdateOfferAmount(offerID, caller, newAmount)
		return err
	})
	return offer, err
}

func (n *Node) StartEscrow(borrower crypto.Address, offerID uint64, amount *big.Int) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := n.apply("escrow.start", func() (err error) {
		esc, err = n.escrow.StartEscrow(borrower, offerID, amount)
		return err
	})
	return esc, err
}

func (n *Node) EndEscrow(borrower crypto.Address, escrowID uint64, repayment *big.Int) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := n.apply("escrow.end", func() (err error) {
		esc, err = n.escrow.EndEscrow(borrower, escrowID, repayment)
		return err
	})
	return esc, err
}

func (n *Node) SwitchEscrow(caller crypto.Address, escrowID, newOfferID uint64) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := n.apply("escrow.switch", func() (err error) {
		esc, err = n.escrow.SwitchEscrow(caller, escrowID, newOfferID)
		return err
	})
	return esc, err
}

func (n *Node) RollEscrow(caller crypto.Address, escrowID, newOfferID uint64) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := n.apply("escrow.roll", func() (err error) {
		esc, err = n.escrow.RollEscrow(caller, escrowID, newOfferID)
		return err
	})
	return esc, err
}

func (n *Node) ClaimDefaultedEscrow(caller crypto.Address, escrowID uint64) (*big.Int, error) {
	var seized *big.Int
	err := n.apply("escrow.claimDefault", func() (err error) {
		seized, err = n.escrow.ClaimDefaulted(caller, escrowID)
		return err
	})
	return seized, err
}

func (n *Node) WithdrawReleased(escrowID uint64, caller crypto.Address) (*big.Int, error) {
	var amount *big.Int
	err := n.apply("escrow.withdraw", func() (err error) {
		amount, err = n.escrow.WithdrawReleased(escrowID, caller)
		return err
	})
	return amount, err
}

func (n *Node) GetEscrowOffer(offerID uint64) (*escrow.Offer, error) {
	var offer *escrow.Offer
	err := n.view(func() (err error) {
		offer, err = n.escrow.GetOffer(offerID)
		return err
	})
	return offer, err
}

func (n *Node) GetEscrow(escrowID uint64) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := n.view(func() (err error) {
		esc, err = n.escrow.GetEscrow(escrowID)
		return err
	})
	return esc, err
}

func (n *Node) CurrentOwed(escrowID uint64) (principal, lateFee *big.Int, err error) {
	err = n.view(func() (err error) {
		principal, lateFee, err = n.escrow.CurrentOwed(escrowID)
		return err
	})
	return principal, lateFee, err
}

func (n *Node) PreviewEscrowRelease(escrowID, newOfferID uint64) (toOldSupplier, carriedInterest *big.Int, err error) {
	err = n.view(func() (err error) {
		toOldSupplier, carriedInterest, err = n.escrow.PreviewRelease(escrowID, newOfferID)
		return err
	})
	return toOldSupplier, carriedInterest, err
}

func (n *Node) EscrowInterestFee(offerID uint64, amount *big.Int) (*big.Int, error) {
	var fee *big.Int
	err := n.view(func() (err error) {
		fee, err = n.escrow.InterestFee(offerID, amount)
		return err
	})
	return fee, err
}

// Loans.

func (n *Node) OpenLoan(ctx context.Context, borrower crypto.Address, collateralAmount *big.Int, collarOfferID, escrowOfferID uint64, useEscrow bool, ltvBps uint64, minSwapOut *big.Int) (*loans.Loan, error) {
	var loan *loans.Loan
	err := n.apply("loans.open", func() (err error) {
		loan, err = n.loans.OpenLoan(ctx, borrower, collateralAmount, collarOfferID, escrowOfferID, useEscrow, ltvBps, minSwapOut)
		return err
	})
	return loan, err
}

func (n *Node) CloseLoan(ctx context.Context, borrower crypto.Address, loanID ethcommon.Hash, minCollateralOut *big.Int) (*big.Int, error) {
	var recovered *big.Int
	err := n.apply("loans.close", func() (err error) {
		recovered, err = n.loans.CloseLoan(ctx, borrower, loanID, minCollateralOut)
		return err
	})
	return recovered, err
}

func (n *Node) RollLoan(borrower crypto.Address, loanID ethcommon.Hash, rollOfferID, escrowOfferID uint64, minToTaker *big.Int) (*loans.Loan, error) {
	var loan *loans.Loan
	err := n.apply("loans.roll", func() (err error) {
		loan, err = n.loans.RollLoan(borrower, loanID, rollOfferID, escrowOfferID, minToTaker)
		return err
	})
	return loan, err
}

func (n *Node) GetLoan(loanID ethcommon.Hash) (*loans.Loan, error) {
	var loan *loans.Loan
	err := n.view(func() (err error) {
		loan, err = n.loans.GetLoan(loanID)
		return err
	})
	return loan, err
}
