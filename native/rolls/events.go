package rolls

import (
	"math/big"
	"strconv"

	"collarcore/core/types"
)

const (
	EventTypeRollOfferCreated = "rolls.offer.created"
	EventTypeRollAccepted     = "rolls.roll.accepted"
)

type rollEvent struct {
	evt *types.Event
}

func (r rollEvent) EventType() string { return r.evt.Type }

// Event exposes the underlying typed event.
func (r rollEvent) Event() *types.Event { return r.evt }

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewRollOfferCreatedEvent reports a provider's standing roll offer.
func NewRollOfferCreatedEvent(ro *RollOffer) *types.Event {
	return &types.Event{
		Type: EventTypeRollOfferCreated,
		Attributes: map[string]string{
			"rollOfferId":    strconv.FormatUint(ro.ID, 10),
			"positionId":     strconv.FormatUint(ro.PositionID, 10),
			"feeBase":        formatBig(ro.FeeBase),
			"deltaFactorBps": strconv.FormatInt(ro.DeltaFactorBps, 10),
			"minPrice":       formatBig(ro.MinPrice),
			"maxPrice":       formatBig(ro.MaxPrice),
			"minToProvider":  formatBig(ro.MinToProvider),
			"deadline":       strconv.FormatInt(ro.Deadline, 10),
		},
	}
}

// NewRollAcceptedEvent reports a consumed roll: the retired and replacement
// position ids plus the full quote the roll executed at.
func NewRollAcceptedEvent(ro *RollOffer, oldPositionID, newPositionID uint64, q *Quote) *types.Event {
	return &types.Event{
		Type: EventTypeRollAccepted,
		Attributes: map[string]string{
			"rollOfferId":   strconv.FormatUint(ro.ID, 10),
			"oldPositionId": strconv.FormatUint(oldPositionID, 10),
			"newPositionId": strconv.FormatUint(newPositionID, 10),
			"price":         formatBig(q.Price),
			"rollFee":       formatBig(q.RollFee),
			"protocolFee":   formatBig(q.ProtocolFee),
			"toTaker":       formatBig(q.ToTaker),
			"toProvider":    formatBig(q.ToProvider),
		},
	}
}
