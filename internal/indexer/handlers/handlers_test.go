package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/cache"
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/refresher"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/store/memstore"
	"github.com/drblury/blockflow/internal/indexer/validators"
	"github.com/drblury/blockflow/internal/runtime/jsoncodec"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

var blockTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	alice = &events.SubaccountID{Owner: "dydx1alice", Number: 0}
	bob   = &events.SubaccountID{Owner: "dydx1bob", Number: 1}
)

type fixture struct {
	st        *memstore.Store
	refresher *refresher.Refresher
	registry  *validators.Registry
	factory   *Factory
	logger    *logging.Recorder
}

func newFixture(t *testing.T, opts ...FactoryOption) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPerpetualMarket(ctx, store.PerpetualMarket{
		ID: 0, ClobPairID: 0, Ticker: "BTC-USD", MarketID: 0,
		QuantumConversionExponent: -8, AtomicResolution: -10, SubticksPerTick: 10000, StepBaseQuantums: 1000000,
	}))
	require.NoError(t, tx.UpsertAsset(ctx, store.Asset{ID: 0, Symbol: "USDC", AtomicResolution: -6}))
	require.NoError(t, tx.UpsertMarket(ctx, store.Market{ID: 0, Pair: "BTC-USD", Exponent: -5, MinPriceChangePpm: 50}))
	require.NoError(t, tx.Commit())

	ref, err := refresher.New(st, nil)
	require.NoError(t, err)
	require.NoError(t, ref.Init(ctx))

	rec := logging.NewRecorder()
	return &fixture{
		st:        st,
		refresher: ref,
		registry:  validators.New(rec, ref),
		factory:   NewFactory(rec, opts...),
		logger:    rec,
	}
}

func (f *fixture) validated(t *testing.T, p events.Payload) *validators.ValidatedEvent {
	t.Helper()
	raw, err := events.Encode(p)
	require.NoError(t, err)
	b := block.Block{
		Height:            10,
		Time:              blockTime,
		TransactionHashes: []string{"0xabc"},
		Events:            []block.Event{{Subtype: p.Subtype(), TransactionIndex: 0, EventIndex: 3, Payload: raw}},
	}
	ev, err := f.registry.Validate(b, b.Events[0])
	require.NoError(t, err)
	return ev
}

func (f *fixture) handlers(t *testing.T, p events.Payload) []Handler {
	t.Helper()
	return f.factory.Create(f.validated(t, p), block.TransactionID(10, 0))
}

// run executes handlers sequentially in one committed transaction.
func (f *fixture) run(t *testing.T, hs []Handler, ops *cache.Ops) []notify.Notification {
	t.Helper()
	ctx := context.Background()
	tx, err := f.st.Begin(ctx)
	require.NoError(t, err)
	env := &Env{Tx: tx, Markets: f.refresher, Updates: refresher.NewUpdates(), Cache: ops, Logger: f.logger}

	var out []notify.Notification
	for _, h := range hs {
		ns, err := h.Handle(ctx, env)
		require.NoError(t, err)
		out = append(out, ns...)
	}
	require.NoError(t, tx.Commit())
	f.refresher.Apply(env.Updates)
	return out
}

func decode[T any](t *testing.T, n notify.Notification) T {
	t.Helper()
	var v T
	require.NoError(t, jsoncodec.Unmarshal(n.Payload, &v))
	return v
}

func u32(v uint32) *uint32 { return &v }

func order(sub *events.SubaccountID, clientID uint32, side events.OrderSide, quantums, subticks uint64) *events.Order {
	return &events.Order{
		OrderID:          &events.OrderID{SubaccountID: sub, ClientID: clientID, ClobPairID: 0, OrderFlags: events.OrderFlagLongTerm},
		Side:             side,
		Quantums:         quantums,
		Subticks:         subticks,
		GoodTilBlockTime: u32(1710000000),
	}
}

func TestParallelizationKeys(t *testing.T) {
	f := newFixture(t)
	aliceID, bobID := alice.UUID(), bob.UUID()
	makerOrder := order(alice, 1, events.OrderSideBuy, 1000000, 100000000)
	takerOrder := order(bob, 2, events.OrderSideSell, 2000000, 100000000)

	tests := []struct {
		name    string
		payload events.Payload
		want    [][]string
	}{
		{
			name:    "asset",
			payload: &events.AssetCreateEvent{ID: 4, Symbol: "DYDX"},
			want:    [][]string{{"asset_4"}},
		},
		{
			name:    "market",
			payload: &events.MarketEvent{MarketID: 0, PriceUpdate: &events.MarketPriceUpdate{PriceWithExponent: 1}},
			want:    [][]string{{"market_0"}},
		},
		{
			name: "transfer to wallet",
			payload: &events.TransferEvent{
				Sender:    &events.SourceOfFunds{SubaccountID: alice},
				Recipient: &events.SourceOfFunds{Address: "dydx1wallet"},
				Amount:    1,
			},
			want: [][]string{{"subaccount_" + aliceID, "wallet_dydx1wallet"}},
		},
		{
			name:    "subaccount update",
			payload: &events.SubaccountUpdateEvent{SubaccountID: alice},
			want:    [][]string{{"subaccount_" + aliceID, "subaccount_order_fill_" + aliceID}},
		},
		{
			name:    "stateful order",
			payload: &events.StatefulOrderEvent{LongTermOrderPlacement: &events.OrderPlacement{Order: makerOrder}},
			want: [][]string{{
				"subaccount_" + aliceID,
				"stateful_order_" + makerOrder.OrderID.UUID(),
				"stateful_order_order_fill_" + makerOrder.OrderID.UUID(),
			}},
		},
		{
			name:    "order fill fans out to maker and taker",
			payload: &events.OrderFillEvent{MakerOrder: makerOrder, Order: takerOrder, FillAmount: 1},
			want: [][]string{
				{"order_fill_" + aliceID + "_0", "subaccount_order_fill_" + aliceID, "stateful_order_order_fill_" + makerOrder.OrderID.UUID()},
				{"order_fill_" + bobID + "_0", "subaccount_order_fill_" + bobID, "stateful_order_order_fill_" + takerOrder.OrderID.UUID()},
			},
		},
		{
			name: "liquidation taker has no order key",
			payload: &events.OrderFillEvent{
				MakerOrder:       makerOrder,
				LiquidationOrder: &events.LiquidationOrder{Liquidated: bob, ClobPairID: 0, TotalSize: 5},
				FillAmount:       1,
			},
			want: [][]string{
				{"order_fill_" + aliceID + "_0", "subaccount_order_fill_" + aliceID, "stateful_order_order_fill_" + makerOrder.OrderID.UUID()},
				{"order_fill_" + bobID + "_0", "subaccount_order_fill_" + bobID},
			},
		},
		{
			name: "deleveraging fans out to liquidated and offsetting",
			payload: &events.DeleveragingEvent{
				Liquidated: alice, Offsetting: bob, PerpetualID: 0, FillAmount: 1, TotalQuoteQuantums: 1,
			},
			want: [][]string{
				{"deleveraging_" + aliceID + "_0", "subaccount_order_fill_" + aliceID},
				{"deleveraging_" + bobID + "_0", "subaccount_order_fill_" + bobID},
			},
		},
		{
			name: "funding",
			payload: &events.FundingEvent{
				Type:    events.FundingTypePremiumSample,
				Updates: []events.FundingUpdate{{PerpetualID: 0}},
			},
			want: [][]string{{"funding_0"}},
		},
		{
			name:    "affiliate",
			payload: &events.RegisterAffiliateEvent{Referee: "r", Affiliate: "a"},
			want:    [][]string{{"affiliate_r"}},
		},
		{
			name:    "yield params",
			payload: &events.UpdateYieldParamsEvent{SDAIPrice: "1", AssetYieldIndex: "1/1"},
			want:    [][]string{{"yield_params"}},
		},
		{
			name:    "perpetual market",
			payload: &events.PerpetualMarketCreateEvent{ID: 3, Ticker: "SOL-USD"},
			want:    [][]string{{"perpetual_market_3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := f.handlers(t, tt.payload)
			require.Len(t, hs, len(tt.want))
			for i, h := range hs {
				assert.Equal(t, tt.want[i], h.ParallelizationKeys())
				assert.Equal(t, tt.payload.Subtype(), h.Subtype())
			}
		})
	}
}

func TestSkippedStatefulOrdersProduceNoHandlers(t *testing.T) {
	o := order(alice, 9, events.OrderSideBuy, 10, 10)
	f := newFixture(t, WithSkippedStatefulOrders([]string{o.OrderID.UUID()}))

	hs := f.handlers(t, &events.StatefulOrderEvent{LongTermOrderPlacement: &events.OrderPlacement{Order: o}})
	assert.Empty(t, hs)
	assert.Len(t, f.logger.ByLevel("info"), 1)
}

func TestOrderFillConvertsAndUpdatesOrders(t *testing.T) {
	f := newFixture(t)
	maker := order(alice, 1, events.OrderSideBuy, 1000000, 100000000)
	taker := order(bob, 2, events.OrderSideSell, 2000000, 100000000)

	out := f.run(t, f.handlers(t, &events.OrderFillEvent{
		MakerOrder:       maker,
		Order:            taker,
		FillAmount:       1000000,
		MakerFee:         -100,
		TakerFee:         500,
		TotalFilledMaker: 1000000,
		TotalFilledTaker: 1000000,
	}), nil)

	makerRow, ok := f.st.Order(maker.OrderID.UUID())
	require.True(t, ok)
	assert.Equal(t, store.OrderStatusFilled, makerRow.Status)
	assert.Equal(t, "10000", makerRow.Price.String())
	assert.Equal(t, "0.0001", makerRow.Size.String())

	takerRow, ok := f.st.Order(taker.OrderID.UUID())
	require.True(t, ok)
	assert.Equal(t, store.OrderStatusOpen, takerRow.Status)
	assert.Equal(t, "0.0001", takerRow.TotalFilled.String())
	assert.Equal(t, 2, f.st.Counts()["fills"])

	// Maker subaccount, taker subaccount, then one trade from the taker side.
	require.Len(t, out, 3)
	assert.Equal(t, notify.ChannelSubaccounts, out[0].Channel)
	assert.Equal(t, alice.UUID(), out[0].PartitionKey)
	assert.Equal(t, notify.ChannelSubaccounts, out[1].Channel)
	assert.Equal(t, notify.ChannelTrades, out[2].Channel)
	assert.Equal(t, "0", out[2].PartitionKey)

	makerMsg := decode[notify.SubaccountMessage](t, out[0])
	require.Len(t, makerMsg.Contents.Fills, 1)
	fill := makerMsg.Contents.Fills[0]
	assert.Equal(t, "1", fill.QuoteAmount)
	assert.Equal(t, "-0.0001", fill.Fee)
	assert.Equal(t, store.LiquidityMaker, fill.Liquidity)
	assert.Equal(t, "BTC-USD", fill.Ticker)
	assert.Equal(t, "10", makerMsg.BlockHeight)
	assert.Equal(t, uint32(3), makerMsg.EventIndex)

	trade := decode[notify.TradeMessage](t, out[2])
	require.Len(t, trade.Contents.Trades, 1)
	assert.Equal(t, "SELL", trade.Contents.Trades[0].Side)
	assert.Equal(t, store.FillTypeLimit, trade.Contents.Trades[0].Type)
}

func TestOrderFillReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ev := &events.OrderFillEvent{
		MakerOrder:       order(alice, 1, events.OrderSideBuy, 10, 100000000),
		Order:            order(bob, 2, events.OrderSideSell, 10, 100000000),
		FillAmount:       5,
		TotalFilledMaker: 5,
		TotalFilledTaker: 5,
	}
	first := f.run(t, f.handlers(t, ev), nil)
	counts := f.st.Counts()
	second := f.run(t, f.handlers(t, ev), nil)

	assert.Equal(t, counts, f.st.Counts())
	assert.Equal(t, first, second)
}

func TestLiquidationFillTypes(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, f.handlers(t, &events.OrderFillEvent{
		MakerOrder:       order(alice, 1, events.OrderSideBuy, 10, 100000000),
		LiquidationOrder: &events.LiquidationOrder{Liquidated: bob, ClobPairID: 0, TotalSize: 10, IsBuy: false, Subticks: 100000000},
		FillAmount:       10,
		TotalFilledMaker: 10,
	}), nil)

	require.Len(t, out, 3)
	maker := decode[notify.SubaccountMessage](t, out[0])
	assert.Equal(t, store.FillTypeLiquidation, maker.Contents.Fills[0].Type)
	taker := decode[notify.SubaccountMessage](t, out[1])
	assert.Equal(t, store.FillTypeLiquidated, taker.Contents.Fills[0].Type)
	assert.Equal(t, "SELL", taker.Contents.Fills[0].Side)
	assert.Empty(t, taker.Contents.Orders)
}

func TestTransferBetweenSubaccounts(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, f.handlers(t, &events.TransferEvent{
		Sender:    &events.SourceOfFunds{SubaccountID: alice},
		Recipient: &events.SourceOfFunds{SubaccountID: bob},
		AssetID:   0,
		Amount:    2500000,
	}), nil)

	require.Len(t, out, 2)
	sent := decode[notify.SubaccountMessage](t, out[0])
	require.NotNil(t, sent.Contents.Transfers)
	assert.Equal(t, notify.TransferTypeTransferOut, sent.Contents.Transfers.Type)
	assert.Equal(t, "2.5", sent.Contents.Transfers.Size)
	assert.Equal(t, "USDC", sent.Contents.Transfers.Symbol)
	assert.Equal(t, "0xabc", sent.Contents.Transfers.TransactionHash)
	received := decode[notify.SubaccountMessage](t, out[1])
	assert.Equal(t, notify.TransferTypeTransferIn, received.Contents.Transfers.Type)
	assert.Equal(t, bob.UUID(), out[1].PartitionKey)

	counts := f.st.Counts()
	assert.Equal(t, 1, counts["transfers"])
	assert.Equal(t, 2, counts["subaccounts"])
}

func TestDepositFromWallet(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, f.handlers(t, &events.TransferEvent{
		Sender:    &events.SourceOfFunds{Address: "dydx1wallet"},
		Recipient: &events.SourceOfFunds{SubaccountID: alice},
		Amount:    1,
	}), nil)

	require.Len(t, out, 1)
	msg := decode[notify.SubaccountMessage](t, out[0])
	assert.Equal(t, notify.TransferTypeDeposit, msg.Contents.Transfers.Type)
	assert.Nil(t, msg.Contents.Transfers.Sender.SubaccountNumber)
}

func TestMarketPriceUpdate(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, f.handlers(t, &events.MarketEvent{
		MarketID:    0,
		PriceUpdate: &events.MarketPriceUpdate{PriceWithExponent: 5000000000},
	}), nil)

	m, ok := f.st.Market(0)
	require.True(t, ok)
	assert.True(t, m.OraclePrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, f.st.Counts()["oracle_prices"])

	require.Len(t, out, 1)
	msg := decode[notify.MarketMessage](t, out[0])
	assert.Equal(t, "50000", msg.Contents.OraclePrices["BTC-USD"].OraclePrice)
	assert.Equal(t, notify.MarketsSchemaVersion, msg.Version)
	cached, ok := f.refresher.Market(0)
	require.True(t, ok)
	assert.True(t, cached.OraclePrice.Equal(decimal.NewFromInt(50000)))
}

func TestMarketUpdateForUnknownMarketFails(t *testing.T) {
	f := newFixture(t)
	hs := f.handlers(t, &events.MarketEvent{
		MarketID:     7,
		MarketModify: &events.MarketModify{Base: &events.MarketBase{Pair: "X-USD", MinPriceChangePpm: 1}},
	})
	tx, err := f.st.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = hs[0].Handle(context.Background(), &Env{Tx: tx, Markets: f.refresher})
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestSubaccountUpdatePositions(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, f.handlers(t, &events.SubaccountUpdateEvent{
		SubaccountID:              alice,
		UpdatedPerpetualPositions: []events.PerpetualPositionUpdate{{PerpetualID: 0, Quantums: -20000000000}},
		UpdatedAssetPositions:     []events.AssetPositionUpdate{{AssetID: 0, Quantums: 1500000}},
	}), nil)

	positions := f.st.PerpetualPositions(alice.UUID())
	require.Len(t, positions, 1)
	assert.Equal(t, "-2", positions[0].Size.String())

	require.Len(t, out, 1)
	msg := decode[notify.SubaccountMessage](t, out[0])
	require.Len(t, msg.Contents.PerpetualPositions, 1)
	assert.Equal(t, "BTC-USD", msg.Contents.PerpetualPositions[0].Ticker)
	require.Len(t, msg.Contents.AssetPositions, 1)
	assert.Equal(t, "1.5", msg.Contents.AssetPositions[0].Size)
	assert.Equal(t, notify.SubaccountsSchemaVersion, msg.Version)
}

func TestStatefulOrderLifecycle(t *testing.T) {
	f := newFixture(t)
	o := order(alice, 5, events.OrderSideBuy, 1000000, 100000000)
	o.OrderID.OrderFlags = events.OrderFlagConditional
	o.ConditionType = events.ConditionTypeStopLoss
	o.ConditionalOrderTriggerSubticks = 90000000

	f.run(t, f.handlers(t, &events.StatefulOrderEvent{ConditionalOrderPlacement: &events.OrderPlacement{Order: o}}), nil)
	row, ok := f.st.Order(o.OrderID.UUID())
	require.True(t, ok)
	assert.Equal(t, store.OrderStatusUntriggered, row.Status)
	assert.Equal(t, "9000", row.TriggerPrice.String())

	f.run(t, f.handlers(t, &events.StatefulOrderEvent{
		ConditionalOrderTriggered: &events.ConditionalOrderTriggered{TriggeredOrderID: o.OrderID},
	}), nil)
	row, _ = f.st.Order(o.OrderID.UUID())
	assert.Equal(t, store.OrderStatusOpen, row.Status)

	out := f.run(t, f.handlers(t, &events.StatefulOrderEvent{
		OrderRemoval: &events.OrderRemoval{RemovedOrderID: o.OrderID, Reason: 1},
	}), nil)
	row, _ = f.st.Order(o.OrderID.UUID())
	assert.Equal(t, store.OrderStatusCanceled, row.Status)
	require.Len(t, out, 1)
	msg := decode[notify.SubaccountMessage](t, out[0])
	assert.Equal(t, store.OrderStatusCanceled, msg.Contents.Orders[0].Status)
}

func TestRemovalOfUnknownOrderWarns(t *testing.T) {
	f := newFixture(t)
	id := order(alice, 77, events.OrderSideBuy, 1, 1).OrderID
	out := f.run(t, f.handlers(t, &events.StatefulOrderEvent{
		OrderRemoval: &events.OrderRemoval{RemovedOrderID: id, Reason: 2},
	}), nil)

	assert.Empty(t, out)
	warns := f.logger.ByLevel("warn")
	require.Len(t, warns, 1)
	assert.Equal(t, id.UUID(), warns[0].Fields["orderId"])
}

func TestFundingPremiumSamplesGoToCache(t *testing.T) {
	f := newFixture(t)
	ops := cache.NewOps()
	out := f.run(t, f.handlers(t, &events.FundingEvent{
		Type:    events.FundingTypePremiumSample,
		Updates: []events.FundingUpdate{{PerpetualID: 0, FundingValuePpm: 125}},
	}), ops)

	assert.Equal(t, 1, ops.Len())
	assert.Zero(t, f.st.Counts()["funding_index_updates"])
	require.Len(t, out, 1)
	msg := decode[notify.MarketMessage](t, out[0])
	assert.Equal(t, "0.000125", msg.Contents.Trading["BTC-USD"].NextFundingRate)
}

func TestFundingRateAndIndexPersists(t *testing.T) {
	f := newFixture(t)
	ops := cache.NewOps()
	f.run(t, f.handlers(t, &events.FundingEvent{
		Type:    events.FundingTypeFundingRateAndIdx,
		Updates: []events.FundingUpdate{{PerpetualID: 0, FundingValuePpm: -50, FundingIndex: 1000}},
	}), ops)

	assert.Equal(t, 1, f.st.Counts()["funding_index_updates"])
	assert.Equal(t, 1, ops.Len(), "settled funding clears queued samples")
}

func TestPerpetualMarketCreateIsVisibleToLaterEvents(t *testing.T) {
	f := newFixture(t)
	create := f.handlers(t, &events.PerpetualMarketCreateEvent{
		ID: 1, ClobPairID: 1, Ticker: "ETH-USD", MarketID: 1, QuantumConversionExponent: -9, AtomicResolution: -9,
	})
	update := f.handlers(t, &events.UpdatePerpetualEvent{ID: 1, Ticker: "ETH-USD.v2", MarketID: 1, AtomicResolution: -8})

	out := f.run(t, append(create, update...), nil)
	require.Len(t, out, 2)
	msg := decode[notify.MarketMessage](t, out[1])
	trading, ok := msg.Contents.Trading["ETH-USD.v2"]
	require.True(t, ok)
	require.NotNil(t, trading.AtomicResolution)
	assert.Equal(t, int32(-8), *trading.AtomicResolution)

	pm, ok := f.refresher.PerpetualMarketByClobPair(1)
	require.True(t, ok)
	assert.Equal(t, "ETH-USD.v2", pm.Ticker)
}

func TestMiscHandlersPersist(t *testing.T) {
	f := newFixture(t)
	var hs []Handler
	hs = append(hs, f.handlers(t, &events.RegisterAffiliateEvent{Referee: "r", Affiliate: "a"})...)
	hs = append(hs, f.handlers(t, &events.UpsertVaultEvent{Address: "v", ClobPairID: 0, Status: 1})...)
	hs = append(hs, f.handlers(t, &events.UpdateYieldParamsEvent{SDAIPrice: "1.1", AssetYieldIndex: "1/1"})...)
	hs = append(hs, f.handlers(t, &events.AssetCreateEvent{ID: 2, Symbol: "DYDX", AtomicResolution: -18})...)

	out := f.run(t, hs, nil)
	assert.Empty(t, out)
	counts := f.st.Counts()
	assert.Equal(t, 1, counts["affiliate_referrals"])
	assert.Equal(t, 1, counts["vaults"])
	assert.Equal(t, 1, counts["yield_params"])
	assert.Equal(t, 2, counts["assets"])
	_, ok := f.refresher.Asset(2)
	assert.True(t, ok)
}

func TestConversions(t *testing.T) {
	pm := store.PerpetualMarket{QuantumConversionExponent: -8, AtomicResolution: -10}
	assert.Equal(t, "10000", SubticksToPrice(100000000, pm).String())
	assert.Equal(t, "0.0001", QuantumsToSize(1000000, -10).String())
	assert.Equal(t, "1.5", QuoteQuantumsToAmount(1500000).String())
	assert.Equal(t, "-0.00005", FeeQuantumsToAmount(-50).String())
	assert.Equal(t, "50000", OraclePrice(5000000000, -5).String())
	assert.Equal(t, "0.000125", PpmToRate(125).String())
	assert.Equal(t, "18446744073709551615", QuantumsToSize(^uint64(0), 0).String())
}
