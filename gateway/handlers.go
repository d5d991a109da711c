package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"collarcore/crypto"
	"collarcore/gateway/middleware"
)

var errSubjectMismatch = errors.New("token subject does not match acting address")

func decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// actor parses the acting address and, when a token subject is present,
// requires the two to match so a caller cannot act on someone else's behalf.
func (s *Server) actor(r *http.Request, raw string) (crypto.Address, error) {
	addr, err := parseAddress(raw)
	if err != nil {
		return crypto.Address{}, err
	}
	if subject := middleware.Subject(r.Context()); subject != "" && subject != addr.String() {
		return crypto.Address{}, errSubjectMismatch
	}
	return addr, nil
}

func writeActorError(w http.ResponseWriter, err error) {
	if errors.Is(err, errSubjectMismatch) {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func pathID(r *http.Request) (uint64, error) {
	return parseNumericID(chi.URLParam(r, "id"))
}

// Collar offers.

type createOfferRequest struct {
	Provider      string `json:"provider"`
	CallStrikeBps uint64 `json:"callStrikeBps"`
	PutStrikeBps  uint64 `json:"putStrikeBps"`
	Amount        string `json:"amount"`
	Duration      int64  `json:"durationSeconds"`
	Cash          string `json:"cash"`
	Collateral    string `json:"collateral"`
}

func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	provider, err := s.actor(r, req.Provider)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.CreateOffer(provider, req.CallStrikeBps, req.PutStrikeBps, amount, req.Duration, req.Cash, req.Collateral)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderOffer(offer))
}

func (s *Server) getOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.GetOffer(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderOffer(offer))
}

type updateOfferRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) updateOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateOfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.UpdateOfferAmount(id, caller, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderOffer(offer))
}

// Positions.

type openPositionRequest struct {
	Taker       string `json:"taker"`
	OfferID     uint64 `json:"offerId"`
	Notional    string `json:"notional"`
	TakerLocked string `json:"takerLocked"`
}

func (s *Server) openPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taker, err := s.actor(r, req.Taker)
	if err != nil {
		writeActorError(w, err)
		return
	}
	notional, err := parseAmount(req.Notional)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	takerLocked, err := parseAmount(req.TakerLocked)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.node.OpenPosition(taker, req.OfferID, notional, takerLocked)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPosition(pos))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.node.GetPosition(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(pos))
}

type settlementPreviewResponse struct {
	Price    string `json:"price"`
	Taker    string `json:"taker"`
	Provider string `json:"provider"`
}

// previewSettlement computes the split at an explicit ?price= or, when
// omitted, at the oracle's current price.
func (s *Server) previewSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priceParam := r.URL.Query().Get("price")
	price, err := s.resolvePrice(priceParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taker, provider, err := s.node.PreviewSettlement(id, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementPreviewResponse{
		Price:    bigString(price),
		Taker:    bigString(taker),
		Provider: bigString(provider),
	})
}

func (s *Server) settlePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.node.SettlePosition(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(pos))
}

type callerRequest struct {
	Caller string `json:"caller"`
}

type withdrawResponse struct {
	Amount string `json:"amount"`
}

func (s *Server) withdrawPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := s.node.WithdrawFromPosition(id, caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Amount: bigString(amount)})
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) transferPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req transferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from, err := s.actor(r, req.From)
	if err != nil {
		writeActorError(w, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.TransferPosition(id, from, to); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProviderPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, err := s.node.GetProviderPosition(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderProviderPosition(pos))
}

func (s *Server) withdrawProviderPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := s.node.WithdrawFromProviderPosition(id, caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Amount: bigString(amount)})
}

func (s *Server) transferProviderPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req transferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from, err := s.actor(r, req.From)
	if err != nil {
		writeActorError(w, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.TransferProviderPosition(id, from, to); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rolls.

type createRollOfferRequest struct {
	Caller         string `json:"caller"`
	PositionID     uint64 `json:"positionId"`
	FeeBase        string `json:"feeBase"`
	DeltaFactorBps int64  `json:"deltaFactorBps"`
	MinPrice       string `json:"minPrice"`
	MaxPrice       string `json:"maxPrice"`
	MinToProvider  string `json:"minToProvider"`
	Deadline       int64  `json:"deadline"`
}

func (s *Server) createRollOffer(w http.ResponseWriter, r *http.Request) {
	var req createRollOfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	feeBase, err := parseSignedAmount(req.FeeBase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minPrice, err := parseAmount(req.MinPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxPrice, err := parseAmount(req.MaxPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minToProvider, err := parseSignedAmount(req.MinToProvider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ro, err := s.node.CreateRollOffer(caller, req.PositionID, feeBase, req.DeltaFactorBps, minPrice, maxPrice, minToProvider, req.Deadline)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderRollOffer(ro))
}

func (s *Server) getRollOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ro, err := s.node.GetRollOffer(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderRollOffer(ro))
}

func (s *Server) previewRoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, err := s.resolvePrice(r.URL.Query().Get("price"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	quote, err := s.node.PreviewRoll(id, price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderQuote(quote))
}

type acceptRollRequest struct {
	Caller     string `json:"caller"`
	MinToTaker string `json:"minToTaker"`
}

type acceptRollResponse struct {
	Position positionResponse `json:"position"`
	Quote    quoteResponse    `json:"quote"`
}

func (s *Server) acceptRoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req acceptRollRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	minToTaker, err := parseSignedAmount(req.MinToTaker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, quote, err := s.node.AcceptRoll(caller, id, minToTaker)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptRollResponse{Position: renderPosition(pos), Quote: renderQuote(quote)})
}

func (s *Server) cancelRollOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	if err := s.node.CancelRollOffer(caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Escrow.

type createEscrowOfferRequest struct {
	Supplier       string `json:"supplier"`
	Amount         string `json:"amount"`
	Duration       int64  `json:"durationSeconds"`
	InterestAPRBps uint64 `json:"interestAprBps"`
	MaxGracePeriod int64  `json:"maxGracePeriodSeconds"`
	LateFeeAPRBps  uint64 `json:"lateFeeAprBps"`
	MinEscrow      string `json:"minEscrow"`
}

func (s *Server) createEscrowOffer(w http.ResponseWriter, r *http.Request) {
	var req createEscrowOfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	supplier, err := s.actor(r, req.Supplier)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minEscrow, err := parseAmount(req.MinEscrow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.CreateEscrowOffer(supplier, amount, req.Duration, req.InterestAPRBps, req.MaxGracePeriod, req.LateFeeAPRBps, minEscrow)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderEscrowOffer(offer))
}

func (s *Server) getEscrowOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.GetEscrowOffer(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrowOffer(offer))
}

func (s *Server) updateEscrowOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req updateOfferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offer, err := s.node.UpdateEscrowOfferAmount(id, caller, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrowOffer(offer))
}

type interestResponse struct {
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
}

// escrowInterest quotes the up-front interest for drawing ?amount= from the
// offer.
func (s *Server) escrowInterest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fee, err := s.node.EscrowInterestFee(id, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, interestResponse{Amount: bigString(amount), Fee: bigString(fee)})
}

type startEscrowRequest struct {
	Borrower string `json:"borrower"`
	OfferID  uint64 `json:"offerId"`
	Amount   string `json:"amount"`
}

func (s *Server) startEscrow(w http.ResponseWriter, r *http.Request) {
	var req startEscrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	esc, err := s.node.StartEscrow(borrower, req.OfferID, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderEscrow(esc))
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	esc, err := s.node.GetEscrow(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

type owedResponse struct {
	Principal string `json:"principal"`
	LateFee   string `json:"lateFee"`
	Total     string `json:"total"`
}

func (s *Server) currentOwed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	principal, lateFee, err := s.node.CurrentOwed(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	total := bigAdd(principal, lateFee)
	writeJSON(w, http.StatusOK, owedResponse{
		Principal: bigString(principal),
		LateFee:   bigString(lateFee),
		Total:     bigString(total),
	})
}

type releasePreviewResponse struct {
	ToOldSupplier   string `json:"toOldSupplier"`
	CarriedInterest string `json:"carriedInterest"`
}

// previewRelease quotes a supplier rotation to ?newOfferId= without mutating
// anything.
func (s *Server) previewRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	newOfferID, err := parseNumericID(r.URL.Query().Get("newOfferId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	toOldSupplier, carriedInterest, err := s.node.PreviewEscrowRelease(id, newOfferID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releasePreviewResponse{
		ToOldSupplier:   bigString(toOldSupplier),
		CarriedInterest: bigString(carriedInterest),
	})
}

type endEscrowRequest struct {
	Borrower  string `json:"borrower"`
	Repayment string `json:"repayment"`
}

func (s *Server) endEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req endEscrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	repayment, err := parseAmount(req.Repayment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	esc, err := s.node.EndEscrow(borrower, id, repayment)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

type switchEscrowRequest struct {
	Borrower   string `json:"borrower"`
	NewOfferID uint64 `json:"newOfferId"`
}

func (s *Server) switchEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req switchEscrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	esc, err := s.node.SwitchEscrow(borrower, id, req.NewOfferID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) rollEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req switchEscrowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	esc, err := s.node.RollEscrow(borrower, id, req.NewOfferID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) claimDefaultedEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	seized, err := s.node.ClaimDefaultedEscrow(caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Amount: bigString(seized)})
}

func (s *Server) withdrawReleased(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req callerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := s.actor(r, req.Caller)
	if err != nil {
		writeActorError(w, err)
		return
	}
	amount, err := s.node.WithdrawReleased(id, caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Amount: bigString(amount)})
}

// Loans.

type openLoanRequest struct {
	Borrower         string `json:"borrower"`
	CollateralAmount string `json:"collateralAmount"`
	CollarOfferID    uint64 `json:"collarOfferId"`
	EscrowOfferID    uint64 `json:"escrowOfferId,omitempty"`
	UseEscrow        bool   `json:"useEscrow"`
	LTVBps           uint64 `json:"ltvBps"`
	MinSwapOut       string `json:"minSwapOut"`
}

func (s *Server) openLoan(w http.ResponseWriter, r *http.Request) {
	var req openLoanRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	minSwapOut, err := parseAmount(req.MinSwapOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	loan, err := s.node.OpenLoan(r.Context(), borrower, collateral, req.CollarOfferID, req.EscrowOfferID, req.UseEscrow, req.LTVBps, minSwapOut)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderLoan(loan))
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	loan, err := s.node.GetLoan(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderLoan(loan))
}

type closeLoanRequest struct {
	Borrower         string `json:"borrower"`
	MinCollateralOut string `json:"minCollateralOut"`
}

type closeLoanResponse struct {
	Recovered string `json:"recovered"`
}

func (s *Server) closeLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req closeLoanRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	minOut, err := parseAmount(req.MinCollateralOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recovered, err := s.node.CloseLoan(r.Context(), borrower, id, minOut)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeLoanResponse{Recovered: bigString(recovered)})
}

type rollLoanRequest struct {
	Borrower      string `json:"borrower"`
	RollOfferID   uint64 `json:"rollOfferId"`
	EscrowOfferID uint64 `json:"escrowOfferId,omitempty"`
	MinToTaker    string `json:"minToTaker"`
}

func (s *Server) rollLoan(w http.ResponseWriter, r *http.Request) {
	id, err := parseLoanID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req rollLoanRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := s.actor(r, req.Borrower)
	if err != nil {
		writeActorError(w, err)
		return
	}
	minToTaker, err := parseSignedAmount(req.MinToTaker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	loan, err := s.node.RollLoan(borrower, id, req.RollOfferID, req.EscrowOfferID, minToTaker)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderLoan(loan))
}

// Accounts and prices.

type accountResponse struct {
	Address           string `json:"address"`
	BalanceCash       string `json:"balanceCash"`
	BalanceCollateral string `json:"balanceCollateral"`
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := s.node.Balance(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:           addr.String(),
		BalanceCash:       bigString(acc.BalanceCash),
		BalanceCollateral: bigString(acc.BalanceCollateral),
	})
}

type creditRequest struct {
	Cash       string `json:"cash,omitempty"`
	Collateral string `json:"collateral,omitempty"`
}

// creditAccount bridges a settled external deposit onto the ledger.
func (s *Server) creditAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req creditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var cash, collateral *big.Int
	if req.Cash != "" {
		if cash, err = parseAmount(req.Cash); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Collateral != "" {
		if collateral, err = parseAmount(req.Collateral); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if cash == nil && collateral == nil {
		writeError(w, http.StatusBadRequest, errors.New("cash or collateral amount required"))
		return
	}
	if err := s.node.Credit(addr, cash, collateral); err != nil {
		writeEngineError(w, err)
		return
	}
	acc, err := s.node.Balance(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:           addr.String(),
		BalanceCash:       bigString(acc.BalanceCash),
		BalanceCollateral: bigString(acc.BalanceCollateral),
	})
}

type priceResponse struct {
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Price      string `json:"price"`
	Source     string `json:"source"`
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	oracle := s.node.Oracle()
	price, err := oracle.CurrentPrice()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		BaseAsset:  oracle.BaseAsset(),
		QuoteAsset: oracle.QuoteAsset(),
		Price:      bigString(price),
		Source:     oracle.Description(),
	})
}

// resolvePrice parses an explicit price parameter or falls back to the
// current oracle price.
func (s *Server) resolvePrice(raw string) (*big.Int, error) {
	if raw == "" {
		return s.node.Oracle().CurrentPrice()
	}
	return parseAmount(raw)
}
