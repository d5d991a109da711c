package escrow

import (
	"math/big"
	"strconv"

	"collarcore/core/types"
)

const (
	EventTypeOfferCreated = "escrow.offer.created"
	EventTypeStarted      = "escrow.started"
	EventTypeEnded        = "escrow.ended"
	EventTypeSwitched     = "escrow.switched"
	EventTypeRolled       = "escrow.rolled"
	EventTypeDefaulted    = "escrow.defaulted"
	EventTypeWithdrawn    = "escrow.withdrawn"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string { return e.evt.Type }

// Event exposes the underlying typed event.
func (e escrowEvent) Event() *types.Event { return e.evt }

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewEscrowOfferCreatedEvent reports freshly locked supplier capacity.
func NewEscrowOfferCreatedEvent(offer *Offer) *types.Event {
	return &types.Event{
		Type: EventTypeOfferCreated,
		Attributes: map[string]string{
			"offerId":        strconv.FormatUint(offer.ID, 10),
			"supplier":       offer.Supplier.String(),
			"available":      formatBig(offer.Available),
			"duration":       strconv.FormatInt(offer.Duration, 10),
			"interestAprBps": strconv.FormatUint(offer.InterestAPRBps, 10),
			"lateFeeAprBps":  strconv.FormatUint(offer.LateFeeAPRBps, 10),
			"maxGracePeriod": strconv.FormatInt(offer.MaxGracePeriod, 10),
		},
	}
}

// NewEscrowStartedEvent reports a borrower drawing supplier collateral.
func NewEscrowStartedEvent(esc *Escrow) *types.Event {
	return &types.Event{
		Type: EventTypeStarted,
		Attributes: map[string]string{
			"escrowId":     strconv.FormatUint(esc.ID, 10),
			"offerId":      strconv.FormatUint(esc.OfferID, 10),
			"supplier":     esc.Supplier.String(),
			"borrower":     esc.Borrower.String(),
			"escrowed":     formatBig(esc.Escrowed),
			"interestHeld": formatBig(esc.InterestHeld),
			"securityHeld": formatBig(esc.SecurityHeld),
			"expiration":   strconv.FormatInt(esc.Expiration, 10),
		},
	}
}

// NewEscrowEndedEvent reports repayment and release, including the late fee
// that accrued past expiry.
func NewEscrowEndedEvent(esc *Escrow, lateFee *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeEnded,
		Attributes: map[string]string{
			"escrowId":     strconv.FormatUint(esc.ID, 10),
			"lateFee":      formatBig(lateFee),
			"withdrawable": formatBig(esc.Withdrawable),
		},
	}
}

// NewEscrowSwitchedEvent reports a supplier rotation.
func NewEscrowSwitchedEvent(old, replacement *Escrow) *types.Event {
	return &types.Event{
		Type: EventTypeSwitched,
		Attributes: map[string]string{
			"escrowId":        strconv.FormatUint(old.ID, 10),
			"newEscrowId":     strconv.FormatUint(replacement.ID, 10),
			"oldSupplier":     old.Supplier.String(),
			"newSupplier":     replacement.Supplier.String(),
			"toOldSupplier":   formatBig(old.Withdrawable),
			"carriedInterest": formatBig(replacement.InterestHeld),
		},
	}
}

// NewEscrowRolledEvent reports an escrow retired into a fresh full-term one.
func NewEscrowRolledEvent(old, replacement *Escrow) *types.Event {
	return &types.Event{
		Type: EventTypeRolled,
		Attributes: map[string]string{
			"escrowId":      strconv.FormatUint(old.ID, 10),
			"newEscrowId":   strconv.FormatUint(replacement.ID, 10),
			"oldSupplier":   old.Supplier.String(),
			"newSupplier":   replacement.Supplier.String(),
			"toOldSupplier": formatBig(old.Withdrawable),
			"interestHeld":  formatBig(replacement.InterestHeld),
			"expiration":    strconv.FormatInt(replacement.Expiration, 10),
		},
	}
}

// NewEscrowDefaultedEvent reports the supplier seizing a defaulted escrow.
func NewEscrowDefaultedEvent(esc *Escrow, seized *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDefaulted,
		Attributes: map[string]string{
			"escrowId": strconv.FormatUint(esc.ID, 10),
			"supplier": esc.Supplier.String(),
			"borrower": esc.Borrower.String(),
			"seized":   formatBig(seized),
		},
	}
}

// NewEscrowWithdrawnEvent reports the supplier collecting a released balance.
func NewEscrowWithdrawnEvent(esc *Escrow, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"escrowId": strconv.FormatUint(esc.ID, 10),
			"supplier": esc.Supplier.String(),
			"amount":   formatBig(amount),
		},
	}
}
