package handlers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/store"
)

// orderRow builds the order row for an order as it appears on chain. Status
// and filled amount are set by the caller.
func (b base) orderRow(o *events.Order, pm store.PerpetualMarket) store.Order {
	row := store.Order{
		ID:              o.OrderID.UUID(),
		SubaccountID:    o.OrderID.SubaccountID.UUID(),
		ClientID:        o.OrderID.ClientID,
		ClobPairID:      o.OrderID.ClobPairID,
		OrderFlags:      o.OrderID.OrderFlags,
		Side:            o.Side.String(),
		Size:            QuantumsToSize(o.Quantums, pm.AtomicResolution),
		TotalFilled:     decimal.Zero,
		Price:           SubticksToPrice(o.Subticks, pm),
		GoodTilBlock:    o.GoodTilBlock,
		ReduceOnly:      o.ReduceOnly,
		ClientMetadata:  o.ClientMetadata,
		UpdatedAtHeight: b.ev.Height(),
	}
	if o.GoodTilBlockTime != nil {
		t := time.Unix(int64(*o.GoodTilBlockTime), 0).UTC()
		row.GoodTilBlockTime = &t
	}
	if o.ConditionalOrderTriggerSubticks > 0 {
		row.TriggerPrice = SubticksToPrice(o.ConditionalOrderTriggerSubticks, pm)
	}
	return row
}

func orderContent(o store.Order, ticker string) notify.OrderContent {
	c := notify.OrderContent{
		ID:           o.ID,
		SubaccountID: o.SubaccountID,
		ClientID:     formatUint32(o.ClientID),
		ClobPairID:   formatUint32(o.ClobPairID),
		Side:         o.Side,
		Size:         o.Size.String(),
		TotalFilled:  o.TotalFilled.String(),
		Price:        o.Price.String(),
		Status:       o.Status,
		OrderFlags:   formatUint32(o.OrderFlags),
		Ticker:       ticker,
	}
	if o.GoodTilBlock != nil {
		c.GoodTilBlock = formatUint32(*o.GoodTilBlock)
	}
	if o.GoodTilBlockTime != nil {
		c.GoodTilBlockTime = FormatTime(*o.GoodTilBlockTime)
	}
	if !o.TriggerPrice.IsZero() {
		c.TriggerPrice = o.TriggerPrice.String()
	}
	return c
}

type statefulOrderHandler struct {
	base
	event     *events.StatefulOrderEvent
	orderUUID string
}

func (h *statefulOrderHandler) orderID() *events.OrderID {
	e := h.event
	switch {
	case e.OrderPlace != nil:
		return e.OrderPlace.Order.OrderID
	case e.LongTermOrderPlacement != nil:
		return e.LongTermOrderPlacement.Order.OrderID
	case e.ConditionalOrderPlacement != nil:
		return e.ConditionalOrderPlacement.Order.OrderID
	case e.OrderRemoval != nil:
		return e.OrderRemoval.RemovedOrderID
	default:
		return e.ConditionalOrderTriggered.TriggeredOrderID
	}
}

// ParallelizationKeys ties the order to fills of it in the same block, so a
// placement or removal and a fill never race on the order row.
func (h *statefulOrderHandler) ParallelizationKeys() []string {
	return []string{
		subaccountKey(h.orderID().SubaccountID.UUID()),
		statefulOrderKey(h.orderUUID),
		statefulOrderFillKey(h.orderUUID),
	}
}

func (h *statefulOrderHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	id := h.orderID()
	sub := *id.SubaccountID

	var row store.Order
	switch {
	case e.OrderPlace != nil, e.LongTermOrderPlacement != nil, e.ConditionalOrderPlacement != nil:
		placement, status := e.OrderPlace, store.OrderStatusOpen
		if e.LongTermOrderPlacement != nil {
			placement = e.LongTermOrderPlacement
		}
		if e.ConditionalOrderPlacement != nil {
			placement, status = e.ConditionalOrderPlacement, store.OrderStatusUntriggered
		}
		pm, err := env.perpetualMarketByClobPair(id.ClobPairID)
		if err != nil {
			return nil, err
		}
		row = h.orderRow(placement.Order, pm)
		row.Status = status
		existing, found, err := env.Tx.FindOrder(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		if found {
			row.TotalFilled = existing.TotalFilled
		}
		if err := h.upsertSubaccount(ctx, env, sub); err != nil {
			return nil, err
		}

	default:
		existing, found, err := env.Tx.FindOrder(ctx, h.orderUUID)
		if err != nil {
			return nil, err
		}
		if !found {
			fields := h.logFields()
			fields["orderId"] = h.orderUUID
			env.logger().Warn("Stateful order event for unknown order, skipping", fields)
			return nil, nil
		}
		row = existing
		row.UpdatedAtHeight = h.ev.Height()
		row.Status = store.OrderStatusOpen
		if e.OrderRemoval != nil {
			row.Status = store.OrderStatusCanceled
		}
	}

	if err := env.Tx.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}

	var ticker string
	if pm, err := env.perpetualMarketByClobPair(id.ClobPairID); err == nil {
		ticker = pm.Ticker
	}
	n, err := h.subaccountNotification(sub, notify.SubaccountContents{
		Orders: []notify.OrderContent{orderContent(row, ticker)},
	})
	if err != nil {
		return nil, err
	}
	return []notify.Notification{n}, nil
}

type orderFillHandler struct {
	base
	event     *events.OrderFillEvent
	liquidity string
}

func (h *orderFillHandler) isMaker() bool { return h.liquidity == store.LiquidityMaker }

// order is the order filled on this side; nil for the taker of a liquidation.
func (h *orderFillHandler) order() *events.Order {
	if h.isMaker() {
		return h.event.MakerOrder
	}
	return h.event.Order
}

func (h *orderFillHandler) subaccount() events.SubaccountID {
	if o := h.order(); o != nil {
		return *o.OrderID.SubaccountID
	}
	return *h.event.LiquidationOrder.Liquidated
}

func (h *orderFillHandler) clobPairID() uint32 {
	if o := h.order(); o != nil {
		return o.OrderID.ClobPairID
	}
	return h.event.LiquidationOrder.ClobPairID
}

func (h *orderFillHandler) ParallelizationKeys() []string {
	subUUID := h.subaccount().UUID()
	keys := []string{orderFillKey(subUUID, h.clobPairID()), subaccountOrderFillKey(subUUID)}
	if o := h.order(); o != nil {
		keys = append(keys, statefulOrderFillKey(o.OrderID.UUID()))
	}
	return keys
}

func (h *orderFillHandler) fillType() string {
	switch {
	case h.event.LiquidationOrder == nil:
		return store.FillTypeLimit
	case h.isMaker():
		return store.FillTypeLiquidation
	default:
		return store.FillTypeLiquidated
	}
}

func (h *orderFillHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	pm, err := env.perpetualMarketByClobPair(h.clobPairID())
	if err != nil {
		return nil, err
	}
	sub := h.subaccount()
	if err := h.upsertSubaccount(ctx, env, sub); err != nil {
		return nil, err
	}

	size := QuantumsToSize(e.FillAmount, pm.AtomicResolution)
	price := SubticksToPrice(e.MakerOrder.Subticks, pm)
	fee, totalFilled := e.TakerFee, e.TotalFilledTaker
	if h.isMaker() {
		fee, totalFilled = e.MakerFee, e.TotalFilledMaker
	}

	fill := store.Fill{
		ID:              h.rowID("fill", h.liquidity),
		SubaccountID:    sub.UUID(),
		Liquidity:       h.liquidity,
		Type:            h.fillType(),
		ClobPairID:      h.clobPairID(),
		Size:            size,
		Price:           price,
		QuoteAmount:     price.Mul(size),
		Fee:             FeeQuantumsToAmount(fee),
		EventID:         h.ev.EventID().Hex(),
		TransactionHash: h.ev.TransactionHash(),
		CreatedAt:       h.ev.BlockTime(),
		CreatedAtHeight: h.ev.Height(),
	}

	var contents notify.SubaccountContents
	if o := h.order(); o != nil {
		row, err := h.filledOrder(ctx, env, o, pm, totalFilled)
		if err != nil {
			return nil, err
		}
		fill.OrderID = row.ID
		fill.Side = row.Side
		contents.Orders = []notify.OrderContent{orderContent(row, pm.Ticker)}
	} else {
		fill.Side = isBuySide(e.LiquidationOrder.IsBuy)
	}

	if err := env.Tx.InsertFill(ctx, fill); err != nil {
		return nil, err
	}
	contents.Fills = []notify.FillContent{fillContent(fill, pm.Ticker)}

	out := make([]notify.Notification, 0, 2)
	n, err := h.subaccountNotification(sub, contents)
	if err != nil {
		return nil, err
	}
	n.FillOrderID = fill.OrderID
	out = append(out, n)

	// Trades are reported once per match, from the taker side.
	if !h.isMaker() {
		n, err := h.tradeNotification(fill.ClobPairID, tradeContent(fill))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (h *orderFillHandler) filledOrder(ctx context.Context, env *Env, o *events.Order, pm store.PerpetualMarket, totalFilled uint64) (store.Order, error) {
	row := h.orderRow(o, pm)
	row.TotalFilled = QuantumsToSize(totalFilled, pm.AtomicResolution)
	row.Status = store.OrderStatusOpen
	if totalFilled >= o.Quantums {
		row.Status = store.OrderStatusFilled
	}

	existing, found, err := env.Tx.FindOrder(ctx, row.ID)
	if err != nil {
		return store.Order{}, err
	}
	if found && existing.Status == store.OrderStatusCanceled && row.Status != store.OrderStatusFilled {
		row.Status = store.OrderStatusCanceled
	}
	if err := env.Tx.UpsertOrder(ctx, row); err != nil {
		return store.Order{}, err
	}
	return row, nil
}

type deleveragingHandler struct {
	base
	event     *events.DeleveragingEvent
	liquidity string
}

func (h *deleveragingHandler) isLiquidated() bool { return h.liquidity == store.LiquidityTaker }

func (h *deleveragingHandler) subaccount() events.SubaccountID {
	if h.isLiquidated() {
		return *h.event.Liquidated
	}
	return *h.event.Offsetting
}

func (h *deleveragingHandler) ParallelizationKeys() []string {
	subUUID := h.subaccount().UUID()
	return []string{deleveragingKey(subUUID, h.event.PerpetualID), subaccountOrderFillKey(subUUID)}
}

func (h *deleveragingHandler) Handle(ctx context.Context, env *Env) ([]notify.Notification, error) {
	e := h.event
	pm, err := env.perpetualMarket(ctx, e.PerpetualID)
	if err != nil {
		return nil, err
	}
	sub := h.subaccount()
	if err := h.upsertSubaccount(ctx, env, sub); err != nil {
		return nil, err
	}

	size := QuantumsToSize(e.FillAmount, pm.AtomicResolution)
	quote := QuoteQuantumsToAmount(e.TotalQuoteQuantums)

	fillType, isBuy := store.FillTypeOffsetting, !e.IsBuy
	if h.isLiquidated() {
		fillType, isBuy = store.FillTypeDeleveraged, e.IsBuy
	}
	if e.IsFinalSettlement {
		fillType = store.FillTypeFinalSettled
	}

	fill := store.Fill{
		ID:              h.rowID("fill", h.liquidity),
		SubaccountID:    sub.UUID(),
		Side:            isBuySide(isBuy),
		Liquidity:       h.liquidity,
		Type:            fillType,
		ClobPairID:      pm.ClobPairID,
		Size:            size,
		Price:           quote.Div(size),
		QuoteAmount:     quote,
		Fee:             decimal.Zero,
		EventID:         h.ev.EventID().Hex(),
		TransactionHash: h.ev.TransactionHash(),
		CreatedAt:       h.ev.BlockTime(),
		CreatedAtHeight: h.ev.Height(),
	}
	if err := env.Tx.InsertFill(ctx, fill); err != nil {
		return nil, err
	}

	out := make([]notify.Notification, 0, 2)
	n, err := h.subaccountNotification(sub, notify.SubaccountContents{
		Fills: []notify.FillContent{fillContent(fill, pm.Ticker)},
	})
	if err != nil {
		return nil, err
	}
	out = append(out, n)
	if h.isLiquidated() {
		n, err := h.tradeNotification(fill.ClobPairID, tradeContent(fill))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func fillContent(f store.Fill, ticker string) notify.FillContent {
	return notify.FillContent{
		ID:              f.ID,
		SubaccountID:    f.SubaccountID,
		Side:            f.Side,
		Liquidity:       f.Liquidity,
		Type:            f.Type,
		ClobPairID:      formatUint32(f.ClobPairID),
		OrderID:         f.OrderID,
		Size:            f.Size.String(),
		Price:           f.Price.String(),
		QuoteAmount:     f.QuoteAmount.String(),
		Fee:             f.Fee.String(),
		EventID:         f.EventID,
		Ticker:          ticker,
		CreatedAt:       FormatTime(f.CreatedAt),
		CreatedAtHeight: formatHeight(f.CreatedAtHeight),
	}
}

func tradeContent(f store.Fill) notify.TradeContent {
	return notify.TradeContent{
		ID:        f.ID,
		Size:      f.Size.String(),
		Price:     f.Price.String(),
		Side:      f.Side,
		CreatedAt: FormatTime(f.CreatedAt),
		Type:      f.Type,
	}
}
