// Package events defines the closed set of event payloads the indexer
// understands. Every payload implements Payload, and code that must handle all
// of them implements Visitor so a new subtype fails to compile until every
// consumer handles it.
package events

import (
	"fmt"

	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/jsoncodec"
)

// Subtype tags as they appear on the wire.
const (
	SubtypeAsset             = "asset"
	SubtypeMarket            = "market"
	SubtypeTransfer          = "transfer"
	SubtypeSubaccountUpdate  = "subaccount_update"
	SubtypeStatefulOrder     = "stateful_order"
	SubtypeFunding           = "funding_values"
	SubtypeDeleveraging      = "deleveraging"
	SubtypeOrderFill         = "order_fill"
	SubtypeRegisterAffiliate = "register_affiliate"
	SubtypeUpsertVault       = "upsert_vault"
	SubtypeUpdateYieldParams = "update_yield_params"
	SubtypePerpetualMarket   = "perpetual_market"
	SubtypeUpdatePerpetual   = "update_perpetual"
)

// Payload is a decoded event. The interface is sealed.
type Payload interface {
	Subtype() string
	sealed()
}

// Visitor has one method per payload type.
type Visitor[R any] interface {
	VisitAsset(*AssetCreateEvent) R
	VisitMarket(*MarketEvent) R
	VisitTransfer(*TransferEvent) R
	VisitSubaccountUpdate(*SubaccountUpdateEvent) R
	VisitStatefulOrder(*StatefulOrderEvent) R
	VisitFunding(*FundingEvent) R
	VisitDeleveraging(*DeleveragingEvent) R
	VisitOrderFill(*OrderFillEvent) R
	VisitRegisterAffiliate(*RegisterAffiliateEvent) R
	VisitUpsertVault(*UpsertVaultEvent) R
	VisitUpdateYieldParams(*UpdateYieldParamsEvent) R
	VisitPerpetualMarket(*PerpetualMarketCreateEvent) R
	VisitUpdatePerpetual(*UpdatePerpetualEvent) R
}

// Visit dispatches p to the matching Visitor method.
func Visit[R any](p Payload, v Visitor[R]) R {
	switch e := p.(type) {
	case *AssetCreateEvent:
		return v.VisitAsset(e)
	case *MarketEvent:
		return v.VisitMarket(e)
	case *TransferEvent:
		return v.VisitTransfer(e)
	case *SubaccountUpdateEvent:
		return v.VisitSubaccountUpdate(e)
	case *StatefulOrderEvent:
		return v.VisitStatefulOrder(e)
	case *FundingEvent:
		return v.VisitFunding(e)
	case *DeleveragingEvent:
		return v.VisitDeleveraging(e)
	case *OrderFillEvent:
		return v.VisitOrderFill(e)
	case *RegisterAffiliateEvent:
		return v.VisitRegisterAffiliate(e)
	case *UpsertVaultEvent:
		return v.VisitUpsertVault(e)
	case *UpdateYieldParamsEvent:
		return v.VisitUpdateYieldParams(e)
	case *PerpetualMarketCreateEvent:
		return v.VisitPerpetualMarket(e)
	case *UpdatePerpetualEvent:
		return v.VisitUpdatePerpetual(e)
	}
	// Payload is sealed, so only a nil payload reaches this point.
	panic(&errspkg.InvariantError{Reason: fmt.Sprintf("unhandled payload %T", p)})
}

var factories = map[string]func() Payload{
	SubtypeAsset:             func() Payload { return &AssetCreateEvent{} },
	SubtypeMarket:            func() Payload { return &MarketEvent{} },
	SubtypeTransfer:          func() Payload { return &TransferEvent{} },
	SubtypeSubaccountUpdate:  func() Payload { return &SubaccountUpdateEvent{} },
	SubtypeStatefulOrder:     func() Payload { return &StatefulOrderEvent{} },
	SubtypeFunding:           func() Payload { return &FundingEvent{} },
	SubtypeDeleveraging:      func() Payload { return &DeleveragingEvent{} },
	SubtypeOrderFill:         func() Payload { return &OrderFillEvent{} },
	SubtypeRegisterAffiliate: func() Payload { return &RegisterAffiliateEvent{} },
	SubtypeUpsertVault:       func() Payload { return &UpsertVaultEvent{} },
	SubtypeUpdateYieldParams: func() Payload { return &UpdateYieldParamsEvent{} },
	SubtypePerpetualMarket:   func() Payload { return &PerpetualMarketCreateEvent{} },
	SubtypeUpdatePerpetual:   func() Payload { return &UpdatePerpetualEvent{} },
}

// Known reports whether subtype has a payload type.
func Known(subtype string) bool {
	_, ok := factories[subtype]
	return ok
}

// Subtypes lists every known subtype tag.
func Subtypes() []string {
	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	return out
}

// Decode turns raw payload bytes into the typed payload for subtype.
func Decode(subtype string, raw []byte) (Payload, error) {
	newPayload, ok := factories[subtype]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownSubtype, subtype)
	}
	p := newPayload()
	if len(raw) == 0 {
		return p, nil
	}
	if err := jsoncodec.Unmarshal(raw, p); err != nil {
		return nil, &errspkg.DecodeError{What: subtype + " payload", Err: err}
	}
	return p, nil
}

// Encode is the inverse of Decode.
func Encode(p Payload) ([]byte, error) {
	return jsoncodec.Marshal(p)
}
