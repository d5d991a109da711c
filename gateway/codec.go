package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"collarcore/crypto"
	"collarcore/native/collar"
	"collarcore/native/escrow"
	"collarcore/native/loans"
	nativecommon "collarcore/native/common"
	"collarcore/native/rolls"
)

// Amounts travel as decimal strings so clients never round big integers
// through floats.

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount required")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return value, nil
}

// parseSignedAmount allows negative values (roll fee bases).
func parseSignedAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount required")
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func parseAddress(raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address: %w", err)
	}
	return addr, nil
}

func parseNumericID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseLoanID(raw string) (ethcommon.Hash, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		return ethcommon.Hash{}, fmt.Errorf("invalid loan id %q", raw)
	}
	return ethcommon.HexToHash(raw), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigAdd(a, b *big.Int) *big.Int {
	sum := new(big.Int)
	if a != nil {
		sum.Add(sum, a)
	}
	if b != nil {
		sum.Add(sum, b)
	}
	return sum
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeEngineError translates engine sentinels into HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func statusForError(err error) int {
	switch {
	case isAny(err,
		collar.ErrOfferNotFound, collar.ErrPositionNotFound,
		rolls.ErrRollOfferNotFound,
		escrow.ErrOfferNotFound, escrow.ErrEscrowNotFound,
		loans.ErrLoanNotFound):
		return http.StatusNotFound
	case isAny(err,
		collar.ErrNotOfferOwner, collar.ErrNotPositionOwner,
		rolls.ErrNotProviderOwner, rolls.ErrNotTakerOwner,
		escrow.ErrNotOfferOwner, escrow.ErrNotSupplier, escrow.ErrNotBorrower,
		loans.ErrNotBorrower):
		return http.StatusForbidden
	case isAny(err,
		collar.ErrAlreadySettled, collar.ErrPositionNotExpired, collar.ErrPositionExpired,
		collar.ErrNothingToWithdraw, collar.ErrInsufficientOfferLiquidity,
		collar.ErrInsufficientBalance,
		rolls.ErrRollOfferExpired, rolls.ErrPositionNotOpen, rolls.ErrPriceOutOfRollBounds,
		rolls.ErrSlippageExceeded, rolls.ErrMinToProvider,
		escrow.ErrInsufficientOffer, escrow.ErrInsufficientBalance, escrow.ErrBelowMinEscrow,
		escrow.ErrAlreadyReleased, escrow.ErrNotYetReleased, escrow.ErrRepaymentShort,
		escrow.ErrNotYetDefaulted,
		loans.ErrInsufficientBalance, loans.ErrSlippageExceeded, loans.ErrRollMismatch):
		return http.StatusConflict
	case isAny(err,
		collar.ErrInvalidAmount, collar.ErrInvalidStrikes, collar.ErrInvalidDuration,
		collar.ErrPairNotAllowed, collar.ErrInvalidPrice,
		rolls.ErrInvalidAmount, rolls.ErrInvalidBounds,
		escrow.ErrInvalidAmount, escrow.ErrInvalidDuration,
		loans.ErrInvalidAmount, loans.ErrInvalidLTV, loans.ErrPairNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Response shapes.

type offerResponse struct {
	ID            uint64 `json:"id"`
	Provider      string `json:"provider"`
	Available     string `json:"available"`
	CallStrikeBps uint64 `json:"callStrikeBps"`
	PutStrikeBps  uint64 `json:"putStrikeBps"`
	Duration      int64  `json:"durationSeconds"`
	Cash          string `json:"cash"`
	Collateral    string `json:"collateral"`
}

func renderOffer(offer *collar.Offer) offerResponse {
	return offerResponse{
		ID:            offer.ID,
		Provider:      offer.Provider.String(),
		Available:     bigString(offer.Available),
		CallStrikeBps: offer.CallStrikeBps,
		PutStrikeBps:  offer.PutStrikeBps,
		Duration:      offer.Duration,
		Cash:          offer.Cash,
		Collateral:    offer.Collateral,
	}
}

type positionResponse struct {
	ID                 uint64 `json:"id"`
	Owner              string `json:"owner"`
	ProviderPositionID uint64 `json:"providerPositionId"`
	TakerLocked        string `json:"takerLocked"`
	ProviderLocked     string `json:"providerLocked"`
	InitialPrice       string `json:"initialPrice"`
	PutStrikePrice     string `json:"putStrikePrice"`
	CallStrikePrice    string `json:"callStrikePrice"`
	Expiration         int64  `json:"expiration"`
	Settled            bool   `json:"settled"`
	Withdrawable       string `json:"withdrawable"`
}

func renderPosition(pos *collar.Position) positionResponse {
	return positionResponse{
		ID:                 pos.ID,
		Owner:              pos.Owner.String(),
		ProviderPositionID: pos.ProviderPositionID,
		TakerLocked:        bigString(pos.TakerLocked),
		ProviderLocked:     bigString(pos.ProviderLocked),
		InitialPrice:       bigString(pos.InitialPrice),
		PutStrikePrice:     bigString(pos.PutStrikePrice),
		CallStrikePrice:    bigString(pos.CallStrikePrice),
		Expiration:         pos.Expiration,
		Settled:            pos.Settled,
		Withdrawable:       bigString(pos.Withdrawable),
	}
}

type providerPositionResponse struct {
	ID              uint64 `json:"id"`
	Owner           string `json:"owner"`
	OfferID         uint64 `json:"offerId"`
	TakerPositionID uint64 `json:"takerPositionId"`
	Locked          string `json:"locked"`
	Settled         bool   `json:"settled"`
	Withdrawable    string `json:"withdrawable"`
}

func renderProviderPosition(pos *collar.ProviderPosition) providerPositionResponse {
	return providerPositionResponse{
		ID:              pos.ID,
		Owner:           pos.Owner.String(),
		OfferID:         pos.OfferID,
		TakerPositionID: pos.TakerPositionID,
		Locked:          bigString(pos.Locked),
		Settled:         pos.Settled,
		Withdrawable:    bigString(pos.Withdrawable),
	}
}

type rollOfferResponse struct {
	ID             uint64 `json:"id"`
	PositionID     uint64 `json:"positionId"`
	FeeBase        string `json:"feeBase"`
	DeltaFactorBps int64  `json:"deltaFactorBps"`
	MinPrice       string `json:"minPrice"`
	MaxPrice       string `json:"maxPrice"`
	MinToProvider  string `json:"minToProvider"`
	Deadline       int64  `json:"deadline"`
}

func renderRollOffer(ro *rolls.RollOffer) rollOfferResponse {
	return rollOfferResponse{
		ID:             ro.ID,
		PositionID:     ro.PositionID,
		FeeBase:        bigString(ro.FeeBase),
		DeltaFactorBps: ro.DeltaFactorBps,
		MinPrice:       bigString(ro.MinPrice),
		MaxPrice:       bigString(ro.MaxPrice),
		MinToProvider:  bigString(ro.MinToProvider),
		Deadline:       ro.Deadline,
	}
}

type quoteResponse struct {
	Price             string `json:"price"`
	RollFee           string `json:"rollFee"`
	ProtocolFee       string `json:"protocolFee"`
	NewNotional       string `json:"newNotional"`
	NewTakerLocked    string `json:"newTakerLocked"`
	NewProviderLocked string `json:"newProviderLocked"`
	ToTaker           string `json:"toTaker"`
	ToProvider        string `json:"toProvider"`
}

func renderQuote(q *rolls.Quote) quoteResponse {
	return quoteResponse{
		Price:             bigString(q.Price),
		RollFee:           bigString(q.RollFee),
		ProtocolFee:       bigString(q.ProtocolFee),
		NewNotional:       bigString(q.NewNotional),
		NewTakerLocked:    bigString(q.NewTakerLocked),
		NewProviderLocked: bigString(q.NewProviderLocked),
		ToTaker:           bigString(q.ToTaker),
		ToProvider:        bigString(q.ToProvider),
	}
}

type escrowOfferResponse struct {
	ID             uint64 `json:"id"`
	Supplier       string `json:"supplier"`
	Available      string `json:"available"`
	Duration       int64  `json:"durationSeconds"`
	InterestAPRBps uint64 `json:"interestAprBps"`
	LateFeeAPRBps  uint64 `json:"lateFeeAprBps"`
	MaxGracePeriod int64  `json:"maxGracePeriodSeconds"`
	MinEscrow      string `json:"minEscrow"`
}

func renderEscrowOffer(offer *escrow.Offer) escrowOfferResponse {
	return escrowOfferResponse{
		ID:             offer.ID,
		Supplier:       offer.Supplier.String(),
		Available:      bigString(offer.Available),
		Duration:       offer.Duration,
		InterestAPRBps: offer.InterestAPRBps,
		LateFeeAPRBps:  offer.LateFeeAPRBps,
		MaxGracePeriod: offer.MaxGracePeriod,
		MinEscrow:      bigString(offer.MinEscrow),
	}
}

type escrowResponse struct {
	ID             uint64 `json:"id"`
	Supplier       string `json:"supplier"`
	Borrower       string `json:"borrower"`
	OfferID        uint64 `json:"offerId"`
	Escrowed       string `json:"escrowed"`
	InterestHeld   string `json:"interestHeld"`
	SecurityHeld   string `json:"securityHeld"`
	LateFeeAPRBps  uint64 `json:"lateFeeAprBps"`
	MaxGracePeriod int64  `json:"maxGracePeriodSeconds"`
	StartedAt      int64  `json:"startedAt"`
	Expiration     int64  `json:"expiration"`
	Released       bool   `json:"released"`
	Withdrawable   string `json:"withdrawable"`
}

func renderEscrow(esc *escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID:             esc.ID,
		Supplier:       esc.Supplier.String(),
		Borrower:       esc.Borrower.String(),
		OfferID:        esc.OfferID,
		Escrowed:       bigString(esc.Escrowed),
		InterestHeld:   bigString(esc.InterestHeld),
		SecurityHeld:   bigString(esc.SecurityHeld),
		LateFeeAPRBps:  esc.LateFeeAPRBps,
		MaxGracePeriod: esc.MaxGracePeriod,
		StartedAt:      esc.StartedAt,
		Expiration:     esc.Expiration,
		Released:       esc.Released,
		Withdrawable:   bigString(esc.Withdrawable),
	}
}

type loanResponse struct {
	ID               string `json:"id"`
	Borrower         string `json:"borrower"`
	PositionID       uint64 `json:"positionId"`
	EscrowID         uint64 `json:"escrowId,omitempty"`
	UsesEscrow       bool   `json:"usesEscrow"`
	LoanAmount       string `json:"loanAmount"`
	CollateralAmount string `json:"collateralAmount"`
	CashAsset        string `json:"cashAsset"`
	CollateralAsset  string `json:"collateralAsset"`
	OpenedAt         int64  `json:"openedAt"`
}

func renderLoan(loan *loans.Loan) loanResponse {
	return loanResponse{
		ID:               loan.ID.Hex(),
		Borrower:         loan.Borrower.String(),
		PositionID:       loan.PositionID,
		EscrowID:         loan.EscrowID,
		UsesEscrow:       loan.UsesEscrow,
		LoanAmount:       bigString(loan.LoanAmount),
		CollateralAmount: bigString(loan.CollateralAmount),
		CashAsset:        loan.CashAsset,
		CollateralAsset:  loan.CollateralAsset,
		OpenedAt:         loan.OpenedAt,
	}
}
