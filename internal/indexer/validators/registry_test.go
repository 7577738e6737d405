package validators

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

type fakeMarkets map[uint32]store.PerpetualMarket

func (f fakeMarkets) PerpetualMarket(id uint32) (store.PerpetualMarket, bool) {
	pm, ok := f[id]
	return pm, ok
}

func testBlock(subtype, payload string) (block.Block, block.Event) {
	ev := block.Event{Subtype: subtype, TransactionIndex: 0, EventIndex: 4, Version: 1, Payload: []byte(payload)}
	return block.Block{
		Height:            77,
		Time:              time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TransactionHashes: []string{"0xfeed"},
		Events:            []block.Event{ev},
	}, ev
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		subtype string
		payload string
		want    string
	}{
		{"transfer without sender", events.SubtypeTransfer,
			`{"sender":{},"recipient":{"address":"dydx1r"},"amount":1}`,
			"TransferEvent must have either a sender subaccount id or sender wallet address"},
		{"transfer missing sender entirely", events.SubtypeTransfer,
			`{"recipient":{"address":"dydx1r"},"amount":1}`,
			"TransferEvent must have either a sender subaccount id or sender wallet address"},
		{"transfer without recipient", events.SubtypeTransfer,
			`{"sender":{"address":"dydx1s"},"recipient":{}}`,
			"TransferEvent must have either a recipient subaccount id or recipient wallet address"},
		{"transfer with both sender forms", events.SubtypeTransfer,
			`{"sender":{"address":"dydx1s","subaccountId":{"owner":"dydx1s"}},"recipient":{"address":"dydx1r"}}`,
			"TransferEvent cannot have both a sender subaccount id and sender wallet address"},
		{"transfer between wallets", events.SubtypeTransfer,
			`{"sender":{"address":"dydx1s"},"recipient":{"address":"dydx1r"}}`,
			"TransferEvent cannot have both a sender and recipient wallet address"},
		{"deleveraging without liquidated", events.SubtypeDeleveraging,
			`{"offsetting":{"owner":"b"},"fillAmount":1,"totalQuoteQuantums":1}`,
			"DeleveragingEvent must have a liquidated subaccount id"},
		{"deleveraging zero fill", events.SubtypeDeleveraging,
			`{"liquidated":{"owner":"a"},"offsetting":{"owner":"b"},"fillAmount":0,"totalQuoteQuantums":5}`,
			"DeleveragingEvent fillAmount cannot equal 0"},
		{"deleveraging zero quote", events.SubtypeDeleveraging,
			`{"liquidated":{"owner":"a"},"offsetting":{"owner":"b"},"fillAmount":3,"totalQuoteQuantums":0}`,
			"DeleveragingEvent totalQuoteQuantums cannot equal 0"},
		{"market with nothing set", events.SubtypeMarket, `{"marketId":1}`,
			"One of priceUpdate, marketCreate, or marketModify must be defined in MarketEvent"},
		{"market with two set", events.SubtypeMarket,
			`{"marketId":1,"priceUpdate":{"priceWithExponent":5},"marketModify":{"base":{"pair":"BTC-USD","minPriceChangePpm":1}}}`,
			"One of priceUpdate, marketCreate, or marketModify must be defined in MarketEvent"},
		{"market create without base", events.SubtypeMarket, `{"marketCreate":{}}`,
			"Invalid MarketCreate, base field is undefined"},
		{"market modify empty pair", events.SubtypeMarket, `{"marketModify":{"base":{"minPriceChangePpm":10}}}`,
			"Invalid MarketModify, pair is empty"},
		{"market create zero ppm", events.SubtypeMarket, `{"marketCreate":{"base":{"pair":"ETH-USD"}}}`,
			"Invalid MarketCreate, minPriceChangePpm is 0"},
		{"market zero price", events.SubtypeMarket, `{"priceUpdate":{"priceWithExponent":0}}`,
			"Invalid MarketPriceUpdate, priceWithExponent must be > 0"},
		{"funding bad type", events.SubtypeFunding, `{"type":0,"updates":[]}`,
			"Invalid FundingEvent, type must be TYPE_PREMIUM_SAMPLE or TYPE_FUNDING_RATE_AND_INDEX"},
		{"funding unknown market", events.SubtypeFunding, `{"type":1,"updates":[{"perpetualId":9}]}`,
			"Invalid FundingEvent, perpetualId: 9 does not exist"},
		{"stateful order nothing set", events.SubtypeStatefulOrder, `{}`,
			"One of orderPlace, orderRemoval, conditionalOrderPlacement, conditionalOrderTriggered, or longTermOrderPlacement must be defined in StatefulOrderEvent"},
		{"stateful order without id", events.SubtypeStatefulOrder, `{"orderPlace":{"order":{"side":1}}}`,
			"StatefulOrderEvent stateful order: Order must contain an orderId"},
		{"stateful order without subaccount", events.SubtypeStatefulOrder,
			`{"longTermOrderPlacement":{"order":{"orderId":{"clientId":1},"side":1}}}`,
			"StatefulOrderEvent stateful order: OrderId must contain a subaccountId"},
		{"stateful order without side", events.SubtypeStatefulOrder,
			`{"orderPlace":{"order":{"orderId":{"subaccountId":{"owner":"a"}},"goodTilBlockTime":10}}}`,
			"StatefulOrderEvent stateful order:  Order must specify an order side"},
		{"stateful order without good til", events.SubtypeStatefulOrder,
			`{"orderPlace":{"order":{"orderId":{"subaccountId":{"owner":"a"}},"side":2}}}`,
			"StatefulOrderEvent stateful order: Order must contain a defined goodTilOneof"},
		{"stateful order with block good til", events.SubtypeStatefulOrder,
			`{"orderPlace":{"order":{"orderId":{"subaccountId":{"owner":"a"}},"side":2,"goodTilBlock":5}}}`,
			"StatefulOrderEvent stateful order: order must have goodTilBlockTime"},
		{"long term with short term flag", events.SubtypeStatefulOrder,
			`{"longTermOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":0},"side":1,"goodTilBlockTime":123}}}`,
			"StatefulOrderEvent long term order must have order flag 64 or 256"},
		{"conditional with short term flag", events.SubtypeStatefulOrder,
			`{"conditionalOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":0},"side":1,"goodTilBlockTime":123}}}`,
			"StatefulOrderEvent conditional order must have order flag 32"},
		{"conditional without trigger", events.SubtypeStatefulOrder,
			`{"conditionalOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":32},"side":1,"goodTilBlockTime":5,"conditionType":1}}}`,
			"StatefulOrderEvent conditional order must have trigger price > 0"},
		{"conditional without condition type", events.SubtypeStatefulOrder,
			`{"conditionalOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":32},"side":1,"goodTilBlockTime":5,"conditionalOrderTriggerSubticks":7}}}`,
			"StatefulOrderEvent conditional order must have valid condition type"},
		{"removal without id", events.SubtypeStatefulOrder, `{"orderRemoval":{"reason":3}}`,
			"StatefulOrderEvent removal must contain an orderId"},
		{"removal without reason", events.SubtypeStatefulOrder,
			`{"orderRemoval":{"removedOrderId":{"subaccountId":{"owner":"a"}}}}`,
			"StatefulOrderEvent removal must contain a valid reason"},
		{"triggered wrong flag", events.SubtypeStatefulOrder,
			`{"conditionalOrderTriggered":{"triggeredOrderId":{"subaccountId":{"owner":"a"},"orderFlags":64}}}`,
			"StatefulOrderEvent conditional order triggered must have order flag 32"},
		{"yield params without index", events.SubtypeUpdateYieldParams, `{"sDAIPrice":"1"}`,
			"UpdateYieldParamsEvent must have assetYieldIndex defined and non-empty"},
		{"yield params without price", events.SubtypeUpdateYieldParams, `{"assetYieldIndex":"1/1"}`,
			"UpdateYieldParamsEvent must have sDAIPrice defined and non-empty"},
		{"fill without maker", events.SubtypeOrderFill, `{"fillAmount":1}`,
			"OrderFillEvent must have a maker order"},
		{"fill with both takers", events.SubtypeOrderFill,
			`{"makerOrder":{"orderId":{"subaccountId":{"owner":"a"}}},"order":{"orderId":{"subaccountId":{"owner":"b"}}},"liquidationOrder":{"liquidated":{"owner":"c"}},"fillAmount":1}`,
			"OrderFillEvent cannot have both an order and a liquidation order"},
		{"fill zero amount", events.SubtypeOrderFill,
			`{"makerOrder":{"orderId":{"subaccountId":{"owner":"a"}}},"order":{"orderId":{"subaccountId":{"owner":"b"}}}}`,
			"OrderFillEvent fillAmount cannot equal 0"},
		{"subaccount update without id", events.SubtypeSubaccountUpdate, `{}`,
			"SubaccountUpdateEvent must have a subaccountId"},
		{"asset without symbol", events.SubtypeAsset, `{"id":1}`, "AssetCreateEvent must have a symbol"},
		{"perpetual without ticker", events.SubtypePerpetualMarket, `{"id":1}`,
			"PerpetualMarketCreateEvent must have a ticker"},
		{"update perpetual without ticker", events.SubtypeUpdatePerpetual, `{"id":1}`,
			"UpdatePerpetualEvent must have a ticker"},
		{"affiliate without affiliate", events.SubtypeRegisterAffiliate, `{"referee":"dydx1a"}`,
			"RegisterAffiliateEvent must have an affiliate address"},
		{"vault without status", events.SubtypeUpsertVault, `{"address":"dydx1v"}`,
			"UpsertVaultEvent must have a valid status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := logging.NewRecorder()
			r := New(rec, fakeMarkets{})
			b, ev := testBlock(tt.subtype, tt.payload)

			validated, err := r.Validate(b, ev)
			require.Error(t, err)
			assert.Nil(t, validated)

			var parseErr *errspkg.ParseMessageError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, tt.want, parseErr.Message)
			assert.Equal(t, tt.want, err.Error())

			errorsLogged := rec.ByLevel("error")
			require.Len(t, errorsLogged, 1)
			assert.Equal(t, tt.want, errorsLogged[0].Fields["message"])
			assert.Equal(t, uint64(77), errorsLogged[0].Fields["blockHeight"])
			assert.NotEmpty(t, errorsLogged[0].Fields["component"])
			assert.NotNil(t, errorsLogged[0].Fields["event"])
		})
	}
}

func TestValidationIsDeterministic(t *testing.T) {
	r := New(logging.NewNopLogger(), fakeMarkets{})
	b, ev := testBlock(events.SubtypeDeleveraging,
		`{"liquidated":{"owner":"a"},"offsetting":{"owner":"b"},"fillAmount":0,"totalQuoteQuantums":5}`)

	_, first := r.Validate(b, ev)
	_, second := r.Validate(b, ev)
	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
}

func TestValidEventsPass(t *testing.T) {
	markets := fakeMarkets{0: {ID: 0, Ticker: "BTC-USD"}}
	tests := []struct {
		subtype string
		payload string
	}{
		{events.SubtypeTransfer, `{"sender":{"subaccountId":{"owner":"a"}},"recipient":{"address":"dydx1r"},"amount":5}`},
		{events.SubtypeDeleveraging, `{"liquidated":{"owner":"a"},"offsetting":{"owner":"b"},"fillAmount":1,"totalQuoteQuantums":1}`},
		{events.SubtypeMarket, `{"marketId":1,"priceUpdate":{"priceWithExponent":5}}`},
		{events.SubtypeFunding, `{"type":2,"updates":[{"perpetualId":0,"fundingIndex":3}]}`},
		{events.SubtypeStatefulOrder, `{"orderPlace":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":64},"side":1,"goodTilBlockTime":99}}}`},
		{events.SubtypeStatefulOrder, `{"longTermOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":256},"side":2,"goodTilBlockTime":99}}}`},
		{events.SubtypeStatefulOrder, `{"conditionalOrderPlacement":{"order":{"orderId":{"subaccountId":{"owner":"a"},"orderFlags":32},"side":1,"goodTilBlockTime":99,"conditionalOrderTriggerSubticks":5,"conditionType":1}}}`},
		{events.SubtypeStatefulOrder, `{"conditionalOrderTriggered":{"triggeredOrderId":{"subaccountId":{"owner":"a"},"orderFlags":32}}}`},
		{events.SubtypeUpdateYieldParams, `{"sDAIPrice":"1.01","assetYieldIndex":"1/1"}`},
		{events.SubtypeUpsertVault, `{"address":"dydx1v","clobPairId":1,"status":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.subtype, func(t *testing.T) {
			rec := logging.NewRecorder()
			b, ev := testBlock(tt.subtype, tt.payload)

			validated, err := New(rec, markets).Validate(b, ev)
			require.NoError(t, err)
			assert.Equal(t, tt.subtype, validated.Subtype())
			assert.Equal(t, uint64(77), validated.Height())
			assert.Equal(t, "0xfeed", validated.TransactionHash())
			assert.Equal(t, b.Time, validated.BlockTime())
			assert.Equal(t, uint32(1), validated.Version())
			assert.Equal(t, b.Coordinates(ev).EventID(), validated.EventID())
			assert.Empty(t, rec.Entries())
		})
	}
}

func TestFundingUnknownMarketDowngradedToWarning(t *testing.T) {
	rec := logging.NewRecorder()
	r := New(rec, fakeMarkets{1: {ID: 1}}, WithIgnoreUnknownMarketOnFunding(true))
	b, ev := testBlock(events.SubtypeFunding,
		`{"type":1,"updates":[{"perpetualId":1,"fundingValuePpm":10},{"perpetualId":42,"fundingValuePpm":20}]}`)

	validated, err := r.Validate(b, ev)
	require.NoError(t, err)

	funding := validated.Payload().(*events.FundingEvent)
	require.Len(t, funding.Updates, 1)
	assert.Equal(t, uint32(1), funding.Updates[0].PerpetualID)

	assert.Empty(t, rec.ByLevel("error"))
	warnings := rec.ByLevel("warn")
	require.Len(t, warnings, 1)
	assert.Equal(t, uint32(42), warnings[0].Fields["perpetualId"])
}

func TestUnknownSubtypeIsNotLogged(t *testing.T) {
	rec := logging.NewRecorder()
	b, ev := testBlock("liquidity_tier", `{}`)

	_, err := New(rec, nil).Validate(b, ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrUnknownSubtype)
	assert.Empty(t, rec.Entries())
}

func TestMalformedPayloadIsDecodeError(t *testing.T) {
	rec := logging.NewRecorder()
	b, ev := testBlock(events.SubtypeTransfer, `{"sender":`)

	_, err := New(rec, nil).Validate(b, ev)
	var decodeErr *errspkg.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.True(t, errspkg.IsPermanent(err))
	assert.Len(t, rec.ByLevel("error"), 1)
}
