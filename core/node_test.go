package core

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"collarcore/config"
	"collarcore/core/events"
	"collarcore/crypto"
	"collarcore/native/loans"
	"collarcore/storage"
)

type nodeOracle struct {
	price *big.Int
}

func (o *nodeOracle) BaseAsset() string  { return "WETH" }
func (o *nodeOracle) QuoteAsset() string { return "USDC" }
func (o *nodeOracle) CurrentPrice() (*big.Int, error) {
	return new(big.Int).Set(o.price), nil
}
func (o *nodeOracle) InversePrice() (*big.Int, error) {
	return big.NewInt(0), nil
}
func (o *nodeOracle) PastPriceWithFallback(int64) (*big.Int, bool, error) {
	return new(big.Int).Set(o.price), true, nil
}
func (o *nodeOracle) Description() string { return "node test oracle" }

// nodeSwapper trades at the oracle price with no slippage.
type nodeSwapper struct {
	oracle *nodeOracle
}

func (s *nodeSwapper) Swap(_ context.Context, assetIn, _ string, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	var out *big.Int
	if assetIn == "WETH" {
		out = new(big.Int).Mul(amountIn, s.oracle.price)
	} else {
		out = new(big.Int).Quo(amountIn, s.oracle.price)
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, loans.ErrSlippageExceeded
	}
	return out, nil
}

func nodeRegistry(t *testing.T) config.Registry {
	t.Helper()
	reg := config.Registry{
		Pairs: []config.AssetPair{{Cash: "USDC", Collateral: "WETH", CashDecimals: 6, CollateralDecimals: 18}},
	}.Normalise()
	require.NoError(t, reg.Validate())
	return reg
}

func nodeAddr(tag byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = tag
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func newTestNode(t *testing.T, db storage.Database) (*Node, *nodeOracle, *int64) {
	t.Helper()
	oracle := &nodeOracle{price: big.NewInt(1000)}
	node, err := NewNode(db, nodeRegistry(t), oracle, &nodeSwapper{oracle: oracle}, events.NoopEmitter{}, nil)
	require.NoError(t, err)
	now := int64(1_000)
	node.SetNowFunc(func() int64 { return now })
	return node, oracle, &now
}

func TestNodeLifecyclePersists(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, oracle, now := newTestNode(t, db)

	provider := nodeAddr(1)
	taker := nodeAddr(2)
	require.NoError(t, node.Credit(provider, big.NewInt(100), nil))
	require.NoError(t, node.Credit(taker, big.NewInt(10), nil))

	offer, err := node.CreateOffer(provider, 11_000, 9_000, big.NewInt(100), 3_600, "USDC", "WETH")
	require.NoError(t, err)

	pos, err := node.OpenPosition(taker, offer.ID, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	require.Zero(t, pos.InitialPrice.Cmp(big.NewInt(1000)))

	*now += 3_600
	oracle.price = big.NewInt(1050)
	settled, err := node.SettlePosition(pos.ID)
	require.NoError(t, err)
	require.True(t, settled.Settled)

	takerOut, err := node.WithdrawFromPosition(pos.ID, taker)
	require.NoError(t, err)
	require.Zero(t, takerOut.Cmp(big.NewInt(15)))
	providerOut, err := node.WithdrawFromProviderPosition(pos.ProviderPositionID, provider)
	require.NoError(t, err)
	require.Zero(t, providerOut.Cmp(big.NewInt(5)))

	// A fresh node over the same store sees the committed ledger.
	restarted, _, _ := newTestNode(t, db)
	acc, err := restarted.Balance(provider)
	require.NoError(t, err)
	require.Zero(t, acc.BalanceCash.Cmp(big.NewInt(95)))
	acc, err = restarted.Balance(taker)
	require.NoError(t, err)
	require.Zero(t, acc.BalanceCash.Cmp(big.NewInt(15)))
	reloaded, err := restarted.GetOffer(offer.ID)
	require.NoError(t, err)
	require.Zero(t, reloaded.Available.Sign())
	_, err = restarted.GetPosition(pos.ID)
	require.Error(t, err)
}

func TestNodeRejectedOperationLeavesNoTrace(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, _, _ := newTestNode(t, db)

	provider := nodeAddr(1)
	taker := nodeAddr(2)
	require.NoError(t, node.Credit(provider, big.NewInt(100), nil))

	offer, err := node.CreateOffer(provider, 11_000, 9_000, big.NewInt(100), 3_600, "USDC", "WETH")
	require.NoError(t, err)

	// The taker has no cash, so the open fails after the offer was already
	// debited inside the engine. The node-level snapshot must undo that.
	_, err = node.OpenPosition(taker, offer.ID, big.NewInt(100), big.NewInt(10))
	require.Error(t, err)

	reloaded, err := node.GetOffer(offer.ID)
	require.NoError(t, err)
	require.Zero(t, reloaded.Available.Cmp(big.NewInt(100)))
	acc, err := node.Balance(provider)
	require.NoError(t, err)
	require.Zero(t, acc.BalanceCash.Sign(), "provider refund leaked out of the reverted open")
}

func TestNodeLoanRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, oracle, now := newTestNode(t, db)

	provider := nodeAddr(1)
	borrower := nodeAddr(2)
	require.NoError(t, node.Credit(provider, big.NewInt(200_000), nil))
	require.NoError(t, node.Credit(borrower, nil, big.NewInt(100)))

	offer, err := node.CreateOffer(provider, 11_000, 9_000, big.NewInt(200_000), 3_600, "USDC", "WETH")
	require.NoError(t, err)

	loan, err := node.OpenLoan(context.Background(), borrower, big.NewInt(100), offer.ID, 0, false, 9_000, big.NewInt(0))
	require.NoError(t, err)
	require.Zero(t, loan.LoanAmount.Cmp(big.NewInt(90_000)))

	acc, err := node.Balance(borrower)
	require.NoError(t, err)
	require.Zero(t, acc.BalanceCash.Cmp(big.NewInt(90_000)))
	require.Zero(t, acc.BalanceCollateral.Sign())

	*now += 3_600
	oracle.price = big.NewInt(1050)
	recovered, err := node.CloseLoan(context.Background(), borrower, loan.ID, big.NewInt(0))
	require.NoError(t, err)
	require.Zero(t, recovered.Cmp(big.NewInt(14)))

	acc, err = node.Balance(borrower)
	require.NoError(t, err)
	require.Zero(t, acc.BalanceCash.Cmp(big.NewInt(90_000)))
	require.Zero(t, acc.BalanceCollateral.Cmp(big.NewInt(14)))

	_, err = node.GetLoan(loan.ID)
	require.Error(t, err)
}
