package validators

import (
	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/events"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// check validates one payload. It implements events.Visitor so a new payload
// type does not compile until it has rules here.
type check struct {
	registry *Registry
	coords   block.Coordinates
	payload  events.Payload
}

var _ events.Visitor[error] = (*check)(nil)

// fail logs the violation once and returns it as a ParseMessageError.
func (c *check) fail(component, format string, args ...any) error {
	err := errspkg.NewParseMessageError(format, args...)
	c.registry.logger.Error(err.Message, err, logging.LogFields{
		"component":   component,
		"message":     err.Message,
		"blockHeight": c.coords.Height,
		"event":       c.payload,
	})
	return err
}

func (c *check) VisitAsset(e *events.AssetCreateEvent) error {
	if e.Symbol == "" {
		return c.fail("AssetValidator", "AssetCreateEvent must have a symbol")
	}
	return nil
}

func (c *check) VisitMarket(e *events.MarketEvent) error {
	const component = "MarketValidator"
	set := 0
	for _, present := range []bool{e.PriceUpdate != nil, e.MarketCreate != nil, e.MarketModify != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return c.fail(component, "One of priceUpdate, marketCreate, or marketModify must be defined in MarketEvent")
	}

	switch {
	case e.MarketCreate != nil:
		return c.checkMarketBase(component, "MarketCreate", e.MarketCreate.Base)
	case e.MarketModify != nil:
		return c.checkMarketBase(component, "MarketModify", e.MarketModify.Base)
	default:
		if e.PriceUpdate.PriceWithExponent == 0 {
			return c.fail(component, "Invalid MarketPriceUpdate, priceWithExponent must be > 0")
		}
	}
	return nil
}

func (c *check) checkMarketBase(component, kind string, base *events.MarketBase) error {
	switch {
	case base == nil:
		return c.fail(component, "Invalid %s, base field is undefined", kind)
	case base.Pair == "":
		return c.fail(component, "Invalid %s, pair is empty", kind)
	case base.MinPriceChangePpm == 0:
		return c.fail(component, "Invalid %s, minPriceChangePpm is 0", kind)
	}
	return nil
}

func (c *check) VisitTransfer(e *events.TransferEvent) error {
	const component = "TransferValidator"
	sender := e.Sender
	if sender == nil {
		sender = &events.SourceOfFunds{}
	}
	recipient := e.Recipient
	if recipient == nil {
		recipient = &events.SourceOfFunds{}
	}

	switch {
	case sender.SubaccountID == nil && sender.Address == "":
		return c.fail(component, "TransferEvent must have either a sender subaccount id or sender wallet address")
	case recipient.SubaccountID == nil && recipient.Address == "":
		return c.fail(component, "TransferEvent must have either a recipient subaccount id or recipient wallet address")
	case sender.SubaccountID != nil && sender.Address != "":
		return c.fail(component, "TransferEvent cannot have both a sender subaccount id and sender wallet address")
	case recipient.SubaccountID != nil && recipient.Address != "":
		return c.fail(component, "TransferEvent cannot have both a recipient subaccount id and recipient wallet address")
	case sender.Address != "" && recipient.Address != "":
		return c.fail(component, "TransferEvent cannot have both a sender and recipient wallet address")
	}
	return nil
}

func (c *check) VisitSubaccountUpdate(e *events.SubaccountUpdateEvent) error {
	if e.SubaccountID == nil {
		return c.fail("SubaccountUpdateValidator", "SubaccountUpdateEvent must have a subaccountId")
	}
	return nil
}

func (c *check) VisitStatefulOrder(e *events.StatefulOrderEvent) error {
	const component = "StatefulOrderValidator"
	set := 0
	for _, present := range []bool{
		e.OrderPlace != nil, e.OrderRemoval != nil, e.ConditionalOrderPlacement != nil,
		e.ConditionalOrderTriggered != nil, e.LongTermOrderPlacement != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return c.fail(component, "One of orderPlace, orderRemoval, conditionalOrderPlacement, "+
			"conditionalOrderTriggered, or longTermOrderPlacement must be defined in StatefulOrderEvent")
	}

	switch {
	case e.OrderPlace != nil:
		return c.checkStatefulPlacement(component, e.OrderPlace)
	case e.LongTermOrderPlacement != nil:
		if err := c.checkStatefulPlacement(component, e.LongTermOrderPlacement); err != nil {
			return err
		}
		flags := e.LongTermOrderPlacement.Order.OrderID.OrderFlags
		if flags != events.OrderFlagLongTerm && flags != events.OrderFlagTwapSuborder {
			return c.fail(component, "StatefulOrderEvent long term order must have order flag %d or %d",
				events.OrderFlagLongTerm, events.OrderFlagTwapSuborder)
		}
	case e.ConditionalOrderPlacement != nil:
		if err := c.checkStatefulPlacement(component, e.ConditionalOrderPlacement); err != nil {
			return err
		}
		order := e.ConditionalOrderPlacement.Order
		if order.OrderID.OrderFlags != events.OrderFlagConditional {
			return c.fail(component, "StatefulOrderEvent conditional order must have order flag %d",
				events.OrderFlagConditional)
		}
		if order.ConditionalOrderTriggerSubticks == 0 {
			return c.fail(component, "StatefulOrderEvent conditional order must have trigger price > 0")
		}
		if order.ConditionType == events.ConditionTypeUnspecified {
			return c.fail(component, "StatefulOrderEvent conditional order must have valid condition type")
		}
	case e.OrderRemoval != nil:
		if e.OrderRemoval.RemovedOrderID == nil {
			return c.fail(component, "StatefulOrderEvent removal must contain an orderId")
		}
		if e.OrderRemoval.Reason == events.OrderRemovalReasonUnspecified {
			return c.fail(component, "StatefulOrderEvent removal must contain a valid reason")
		}
	case e.ConditionalOrderTriggered != nil:
		id := e.ConditionalOrderTriggered.TriggeredOrderID
		if id == nil || id.SubaccountID == nil {
			return c.fail(component, "StatefulOrderEvent conditional order triggered must contain an orderId")
		}
		if id.OrderFlags != events.OrderFlagConditional {
			return c.fail(component, "StatefulOrderEvent conditional order triggered must have order flag %d",
				events.OrderFlagConditional)
		}
	}
	return nil
}

func (c *check) checkStatefulPlacement(component string, p *events.OrderPlacement) error {
	const prefix = "StatefulOrderEvent stateful order: "
	order := p.Order
	switch {
	case order == nil || order.OrderID == nil:
		return c.fail(component, prefix+"Order must contain an orderId")
	case order.OrderID.SubaccountID == nil:
		return c.fail(component, prefix+"OrderId must contain a subaccountId")
	case order.Side == events.OrderSideUnspecified:
		return c.fail(component, prefix+" Order must specify an order side")
	case order.GoodTilBlock == nil && order.GoodTilBlockTime == nil:
		return c.fail(component, prefix+"Order must contain a defined goodTilOneof")
	case order.GoodTilBlockTime == nil:
		return c.fail(component, prefix+"order must have goodTilBlockTime")
	}
	return nil
}

func (c *check) VisitFunding(e *events.FundingEvent) error {
	const component = "FundingValidator"
	if e.Type != events.FundingTypePremiumSample && e.Type != events.FundingTypeFundingRateAndIdx {
		return c.fail(component, "Invalid FundingEvent, type must be TYPE_PREMIUM_SAMPLE or TYPE_FUNDING_RATE_AND_INDEX")
	}

	kept := e.Updates[:0]
	for _, u := range e.Updates {
		if c.registry.markets != nil {
			if _, ok := c.registry.markets.PerpetualMarket(u.PerpetualID); ok {
				kept = append(kept, u)
				continue
			}
		}
		if !c.registry.ignoreUnknownMarketOnFunding {
			return c.fail(component, "Invalid FundingEvent, perpetualId: %d does not exist", u.PerpetualID)
		}
		c.registry.logger.Warn("Invalid FundingEvent, perpetualId does not exist, skipping update", logging.LogFields{
			"component":   component,
			"blockHeight": c.coords.Height,
			"perpetualId": u.PerpetualID,
			"event":       e,
		})
	}
	e.Updates = kept
	return nil
}

func (c *check) VisitDeleveraging(e *events.DeleveragingEvent) error {
	const component = "DeleveragingValidator"
	switch {
	case e.Liquidated == nil:
		return c.fail(component, "DeleveragingEvent must have a liquidated subaccount id")
	case e.Offsetting == nil:
		return c.fail(component, "DeleveragingEvent must have an offsetting subaccount id")
	case e.FillAmount == 0:
		return c.fail(component, "DeleveragingEvent fillAmount cannot equal 0")
	case e.TotalQuoteQuantums == 0:
		return c.fail(component, "DeleveragingEvent totalQuoteQuantums cannot equal 0")
	}
	return nil
}

func hasSubaccount(o *events.Order) bool {
	return o != nil && o.OrderID != nil && o.OrderID.SubaccountID != nil
}

func (c *check) VisitOrderFill(e *events.OrderFillEvent) error {
	const component = "OrderFillValidator"
	switch {
	case e.MakerOrder == nil:
		return c.fail(component, "OrderFillEvent must have a maker order")
	case !hasSubaccount(e.MakerOrder):
		return c.fail(component, "OrderFillEvent maker order must contain an orderId with a subaccountId")
	case e.Order == nil && e.LiquidationOrder == nil:
		return c.fail(component, "OrderFillEvent must have either an order or a liquidation order")
	case e.Order != nil && e.LiquidationOrder != nil:
		return c.fail(component, "OrderFillEvent cannot have both an order and a liquidation order")
	case e.Order != nil && !hasSubaccount(e.Order):
		return c.fail(component, "OrderFillEvent taker order must contain an orderId with a subaccountId")
	case e.LiquidationOrder != nil && e.LiquidationOrder.Liquidated == nil:
		return c.fail(component, "OrderFillEvent liquidation order must have a liquidated subaccount id")
	case e.FillAmount == 0:
		return c.fail(component, "OrderFillEvent fillAmount cannot equal 0")
	}
	return nil
}

func (c *check) VisitRegisterAffiliate(e *events.RegisterAffiliateEvent) error {
	const component = "RegisterAffiliateValidator"
	switch {
	case e.Referee == "":
		return c.fail(component, "RegisterAffiliateEvent must have a referee address")
	case e.Affiliate == "":
		return c.fail(component, "RegisterAffiliateEvent must have an affiliate address")
	}
	return nil
}

func (c *check) VisitUpsertVault(e *events.UpsertVaultEvent) error {
	const component = "UpsertVaultValidator"
	switch {
	case e.Address == "":
		return c.fail(component, "UpsertVaultEvent must have an address")
	case e.Status == events.VaultStatusUnspecified:
		return c.fail(component, "UpsertVaultEvent must have a valid status")
	}
	return nil
}

func (c *check) VisitUpdateYieldParams(e *events.UpdateYieldParamsEvent) error {
	const component = "UpdateYieldParamsValidator"
	switch {
	case e.AssetYieldIndex == "":
		return c.fail(component, "UpdateYieldParamsEvent must have assetYieldIndex defined and non-empty")
	case e.SDAIPrice == "":
		return c.fail(component, "UpdateYieldParamsEvent must have sDAIPrice defined and non-empty")
	}
	return nil
}

func (c *check) VisitPerpetualMarket(e *events.PerpetualMarketCreateEvent) error {
	if e.Ticker == "" {
		return c.fail("PerpetualMarketValidator", "PerpetualMarketCreateEvent must have a ticker")
	}
	return nil
}

func (c *check) VisitUpdatePerpetual(e *events.UpdatePerpetualEvent) error {
	if e.Ticker == "" {
		return c.fail("UpdatePerpetualValidator", "UpdatePerpetualEvent must have a ticker")
	}
	return nil
}
