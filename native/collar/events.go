package collar

import (
	"math/big"
	"strconv"

	"collarcore/core/types"
)

const (
	EventTypeOfferCreated              = "collar.offer.created"
	EventTypeOfferUpdated              = "collar.offer.updated"
	EventTypeProviderPositionMinted    = "collar.provider_position.minted"
	EventTypePositionOpened            = "collar.position.opened"
	EventTypePositionSettled           = "collar.position.settled"
	EventTypePositionRolledOut         = "collar.position.rolled_out"
	EventTypePositionWithdrawn         = "collar.position.withdrawn"
	EventTypeProviderPositionWithdrawn = "collar.provider_position.withdrawn"
)

// collarEvent adapts a bare typed event to the events.Event interface.
type collarEvent struct {
	evt *types.Event
}

func (c collarEvent) EventType() string { return c.evt.Type }

// Event exposes the underlying typed event.
func (c collarEvent) Event() *types.Event { return c.evt }

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewOfferCreatedEvent reports a freshly funded offer.
func NewOfferCreatedEvent(offer *Offer) *types.Event {
	return &types.Event{
		Type: EventTypeOfferCreated,
		Attributes: map[string]string{
			"offerId":       formatUint(offer.ID),
			"provider":      offer.Provider.String(),
			"available":     formatBig(offer.Available),
			"callStrikeBps": formatUint(offer.CallStrikeBps),
			"putStrikeBps":  formatUint(offer.PutStrikeBps),
			"duration":      strconv.FormatInt(offer.Duration, 10),
			"cash":          offer.Cash,
			"collateral":    offer.Collateral,
		},
	}
}

// NewOfferUpdatedEvent reports a capacity change on an existing offer.
func NewOfferUpdatedEvent(offer *Offer) *types.Event {
	return &types.Event{
		Type: EventTypeOfferUpdated,
		Attributes: map[string]string{
			"offerId":   formatUint(offer.ID),
			"provider":  offer.Provider.String(),
			"available": formatBig(offer.Available),
		},
	}
}

// NewProviderPositionMintedEvent reports the provider-side lock created when
// a taker position consumes offer capacity.
func NewProviderPositionMintedEvent(pos *ProviderPosition) *types.Event {
	return &types.Event{
		Type: EventTypeProviderPositionMinted,
		Attributes: map[string]string{
			"providerPositionId": formatUint(pos.ID),
			"owner":              pos.Owner.String(),
			"offerId":            formatUint(pos.OfferID),
			"takerPositionId":    formatUint(pos.TakerPositionID),
			"locked":             formatBig(pos.Locked),
		},
	}
}

// NewPositionOpenedEvent reports a newly opened taker position.
func NewPositionOpenedEvent(pos *Position) *types.Event {
	return &types.Event{
		Type: EventTypePositionOpened,
		Attributes: map[string]string{
			"positionId":         formatUint(pos.ID),
			"owner":              pos.Owner.String(),
			"providerPositionId": formatUint(pos.ProviderPositionID),
			"takerLocked":        formatBig(pos.TakerLocked),
			"providerLocked":     formatBig(pos.ProviderLocked),
			"initialPrice":       formatBig(pos.InitialPrice),
			"putStrikePrice":     formatBig(pos.PutStrikePrice),
			"callStrikePrice":    formatBig(pos.CallStrikePrice),
			"expiration":         strconv.FormatInt(pos.Expiration, 10),
		},
	}
}

// NewPositionSettledEvent reports the payoff split applied at expiry. The
// historical flag records whether the oracle served a true past price or
// degraded to the current one.
func NewPositionSettledEvent(pos *Position, price *big.Int, historical bool) *types.Event {
	return &types.Event{
		Type: EventTypePositionSettled,
		Attributes: map[string]string{
			"positionId":      formatUint(pos.ID),
			"settlementPrice": formatBig(price),
			"takerBalance":    formatBig(pos.Withdrawable),
			"historicalPrice": strconv.FormatBool(historical),
		},
	}
}

// NewPositionRolledOutEvent reports a position retired early by the roll
// engine at the supplied price.
func NewPositionRolledOutEvent(pos *Position, price *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypePositionRolledOut,
		Attributes: map[string]string{
			"positionId": formatUint(pos.ID),
			"rollPrice":  formatBig(price),
		},
	}
}

// NewPositionWithdrawnEvent reports the taker collecting a settled balance.
func NewPositionWithdrawnEvent(pos *Position, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypePositionWithdrawn,
		Attributes: map[string]string{
			"positionId": formatUint(pos.ID),
			"owner":      pos.Owner.String(),
			"amount":     formatBig(amount),
		},
	}
}

// NewProviderPositionWithdrawnEvent reports the provider collecting a
// settled balance.
func NewProviderPositionWithdrawnEvent(pos *ProviderPosition, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeProviderPositionWithdrawn,
		Attributes: map[string]string{
			"providerPositionId": formatUint(pos.ID),
			"owner":              pos.Owner.String(),
			"amount":             formatBig(amount),
		},
	}
}
