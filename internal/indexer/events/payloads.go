package events

import "github.com/drblury/blockflow/internal/runtime/ids"

// SubaccountID identifies a subaccount on chain.
type SubaccountID struct {
	Owner  string `json:"owner"`
	Number uint32 `json:"number"`
}

// UUID returns the stable identifier of the subaccount row.
func (s SubaccountID) UUID() string {
	return ids.SubaccountUUID(s.Owner, s.Number)
}

// Order flags distinguish order lifetimes.
const (
	OrderFlagShortTerm    uint32 = 0
	OrderFlagConditional  uint32 = 32
	OrderFlagLongTerm     uint32 = 64
	OrderFlagTwap         uint32 = 128
	OrderFlagTwapSuborder uint32 = 256
)

// OrderID identifies an order.
type OrderID struct {
	SubaccountID *SubaccountID `json:"subaccountId,omitempty"`
	ClientID     uint32        `json:"clientId"`
	OrderFlags   uint32        `json:"orderFlags"`
	ClobPairID   uint32        `json:"clobPairId"`
}

// UUID returns the stable identifier of the order row. The subaccount id must be set.
func (o OrderID) UUID() string {
	return ids.OrderUUID(o.SubaccountID.UUID(), o.ClientID, o.ClobPairID, o.OrderFlags)
}

type OrderSide int32

const (
	OrderSideUnspecified OrderSide = 0
	OrderSideBuy         OrderSide = 1
	OrderSideSell        OrderSide = 2
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	}
	return "UNSPECIFIED"
}

type ConditionType int32

const (
	ConditionTypeUnspecified ConditionType = 0
	ConditionTypeStopLoss    ConditionType = 1
	ConditionTypeTakeProfit  ConditionType = 2
)

type TimeInForce int32

// Order is an order as it appears in fill and stateful order events.
type Order struct {
	OrderID                         *OrderID      `json:"orderId,omitempty"`
	Side                            OrderSide     `json:"side"`
	Quantums                        uint64        `json:"quantums"`
	Subticks                        uint64        `json:"subticks"`
	GoodTilBlock                    *uint32       `json:"goodTilBlock,omitempty"`
	GoodTilBlockTime                *uint32       `json:"goodTilBlockTime,omitempty"`
	TimeInForce                     TimeInForce   `json:"timeInForce"`
	ReduceOnly                      bool          `json:"reduceOnly"`
	ClientMetadata                  uint32        `json:"clientMetadata"`
	ConditionType                   ConditionType `json:"conditionType"`
	ConditionalOrderTriggerSubticks uint64        `json:"conditionalOrderTriggerSubticks"`
}

// AssetCreateEvent registers a new asset.
type AssetCreateEvent struct {
	ID               uint32 `json:"id"`
	Symbol           string `json:"symbol"`
	HasMarket        bool   `json:"hasMarket"`
	MarketID         uint32 `json:"marketId"`
	AtomicResolution int32  `json:"atomicResolution"`
}

// MarketBase describes a market pair.
type MarketBase struct {
	Pair              string `json:"pair"`
	MinPriceChangePpm uint32 `json:"minPriceChangePpm"`
}

type MarketCreate struct {
	Base     *MarketBase `json:"base,omitempty"`
	Exponent int32       `json:"exponent"`
}

type MarketModify struct {
	Base *MarketBase `json:"base,omitempty"`
}

type MarketPriceUpdate struct {
	PriceWithExponent uint64 `json:"priceWithExponent"`
}

// MarketEvent carries exactly one of create, modify or price update.
type MarketEvent struct {
	MarketID     uint32             `json:"marketId"`
	MarketCreate *MarketCreate      `json:"marketCreate,omitempty"`
	MarketModify *MarketModify      `json:"marketModify,omitempty"`
	PriceUpdate  *MarketPriceUpdate `json:"priceUpdate,omitempty"`
}

// SourceOfFunds is either a subaccount or a bare wallet address.
type SourceOfFunds struct {
	SubaccountID *SubaccountID `json:"subaccountId,omitempty"`
	Address      string        `json:"address,omitempty"`
}

// TransferEvent moves an asset between subaccounts or wallets.
type TransferEvent struct {
	Sender    *SourceOfFunds `json:"sender,omitempty"`
	Recipient *SourceOfFunds `json:"recipient,omitempty"`
	AssetID   uint32         `json:"assetId"`
	Amount    uint64         `json:"amount"`
}

type PerpetualPositionUpdate struct {
	PerpetualID  uint32 `json:"perpetualId"`
	Quantums     int64  `json:"quantums"`
	FundingIndex int64  `json:"fundingIndex"`
}

type AssetPositionUpdate struct {
	AssetID  uint32 `json:"assetId"`
	Quantums int64  `json:"quantums"`
}

// SubaccountUpdateEvent replaces the listed positions of one subaccount.
type SubaccountUpdateEvent struct {
	SubaccountID              *SubaccountID             `json:"subaccountId,omitempty"`
	UpdatedPerpetualPositions []PerpetualPositionUpdate `json:"updatedPerpetualPositions,omitempty"`
	UpdatedAssetPositions     []AssetPositionUpdate     `json:"updatedAssetPositions,omitempty"`
}

type OrderPlacement struct {
	Order *Order `json:"order,omitempty"`
}

type OrderRemovalReason int32

const OrderRemovalReasonUnspecified OrderRemovalReason = 0

type OrderRemoval struct {
	RemovedOrderID *OrderID           `json:"removedOrderId,omitempty"`
	Reason         OrderRemovalReason `json:"reason"`
}

type ConditionalOrderTriggered struct {
	TriggeredOrderID *OrderID `json:"triggeredOrderId,omitempty"`
}

// StatefulOrderEvent carries exactly one lifecycle change of a stateful order.
type StatefulOrderEvent struct {
	OrderPlace                *OrderPlacement            `json:"orderPlace,omitempty"`
	OrderRemoval              *OrderRemoval              `json:"orderRemoval,omitempty"`
	ConditionalOrderPlacement *OrderPlacement            `json:"conditionalOrderPlacement,omitempty"`
	ConditionalOrderTriggered *ConditionalOrderTriggered `json:"conditionalOrderTriggered,omitempty"`
	LongTermOrderPlacement    *OrderPlacement            `json:"longTermOrderPlacement,omitempty"`
}

// OrderUUID returns the order the event is about, or "" when the event is malformed.
func (e *StatefulOrderEvent) OrderUUID() string {
	var id *OrderID
	switch {
	case e.OrderPlace != nil && e.OrderPlace.Order != nil:
		id = e.OrderPlace.Order.OrderID
	case e.LongTermOrderPlacement != nil && e.LongTermOrderPlacement.Order != nil:
		id = e.LongTermOrderPlacement.Order.OrderID
	case e.ConditionalOrderPlacement != nil && e.ConditionalOrderPlacement.Order != nil:
		id = e.ConditionalOrderPlacement.Order.OrderID
	case e.OrderRemoval != nil:
		id = e.OrderRemoval.RemovedOrderID
	case e.ConditionalOrderTriggered != nil:
		id = e.ConditionalOrderTriggered.TriggeredOrderID
	}
	if id == nil || id.SubaccountID == nil {
		return ""
	}
	return id.UUID()
}

type FundingType int32

const (
	FundingTypeUnspecified       FundingType = 0
	FundingTypePremiumSample     FundingType = 1
	FundingTypeFundingRateAndIdx FundingType = 2
)

type FundingUpdate struct {
	PerpetualID     uint32 `json:"perpetualId"`
	FundingValuePpm int32  `json:"fundingValuePpm"`
	FundingIndex    int64  `json:"fundingIndex"`
}

// FundingEvent carries premium samples or funding rate and index updates.
type FundingEvent struct {
	Updates []FundingUpdate `json:"updates"`
	Type    FundingType     `json:"type"`
}

// DeleveragingEvent closes a liquidated position against an offsetting subaccount.
type DeleveragingEvent struct {
	Liquidated         *SubaccountID `json:"liquidated,omitempty"`
	Offsetting         *SubaccountID `json:"offsetting,omitempty"`
	PerpetualID        uint32        `json:"perpetualId"`
	FillAmount         uint64        `json:"fillAmount"`
	TotalQuoteQuantums uint64        `json:"totalQuoteQuantums"`
	IsBuy              bool          `json:"isBuy"`
	IsFinalSettlement  bool          `json:"isFinalSettlement"`
}

// LiquidationOrder is the taker side of a liquidation fill.
type LiquidationOrder struct {
	Liquidated  *SubaccountID `json:"liquidated,omitempty"`
	ClobPairID  uint32        `json:"clobPairId"`
	PerpetualID uint32        `json:"perpetualId"`
	TotalSize   uint64        `json:"totalSize"`
	IsBuy       bool          `json:"isBuy"`
	Subticks    uint64        `json:"subticks"`
}

// OrderFillEvent matches a maker order with a taker or liquidation order.
type OrderFillEvent struct {
	MakerOrder       *Order            `json:"makerOrder,omitempty"`
	Order            *Order            `json:"order,omitempty"`
	LiquidationOrder *LiquidationOrder `json:"liquidationOrder,omitempty"`
	FillAmount       uint64            `json:"fillAmount"`
	MakerFee         int64             `json:"makerFee"`
	TakerFee         int64             `json:"takerFee"`
	TotalFilledMaker uint64            `json:"totalFilledMaker"`
	TotalFilledTaker uint64            `json:"totalFilledTaker"`
}

// RegisterAffiliateEvent links a referee to an affiliate.
type RegisterAffiliateEvent struct {
	Referee   string `json:"referee"`
	Affiliate string `json:"affiliate"`
}

type VaultStatus int32

const VaultStatusUnspecified VaultStatus = 0

// UpsertVaultEvent creates or updates a vault.
type UpsertVaultEvent struct {
	Address    string      `json:"address"`
	ClobPairID uint32      `json:"clobPairId"`
	Status     VaultStatus `json:"status"`
}

// UpdateYieldParamsEvent publishes new yield parameters.
type UpdateYieldParamsEvent struct {
	SDAIPrice       string `json:"sDAIPrice"`
	AssetYieldIndex string `json:"assetYieldIndex"`
}

// PerpetualMarketCreateEvent lists a new perpetual market.
type PerpetualMarketCreateEvent struct {
	ID                        uint32 `json:"id"`
	ClobPairID                uint32 `json:"clobPairId"`
	Ticker                    string `json:"ticker"`
	MarketID                  uint32 `json:"marketId"`
	Status                    int32  `json:"status"`
	QuantumConversionExponent int32  `json:"quantumConversionExponent"`
	AtomicResolution          int32  `json:"atomicResolution"`
	SubticksPerTick           uint32 `json:"subticksPerTick"`
	StepBaseQuantums          uint64 `json:"stepBaseQuantums"`
	LiquidityTier             uint32 `json:"liquidityTier"`
}

// UpdatePerpetualEvent changes an existing perpetual market's parameters.
type UpdatePerpetualEvent struct {
	ID               uint32 `json:"id"`
	Ticker           string `json:"ticker"`
	MarketID         uint32 `json:"marketId"`
	AtomicResolution int32  `json:"atomicResolution"`
	LiquidityTier    uint32 `json:"liquidityTier"`
}

func (*AssetCreateEvent) Subtype() string           { return SubtypeAsset }
func (*MarketEvent) Subtype() string                { return SubtypeMarket }
func (*TransferEvent) Subtype() string              { return SubtypeTransfer }
func (*SubaccountUpdateEvent) Subtype() string      { return SubtypeSubaccountUpdate }
func (*StatefulOrderEvent) Subtype() string         { return SubtypeStatefulOrder }
func (*FundingEvent) Subtype() string               { return SubtypeFunding }
func (*DeleveragingEvent) Subtype() string          { return SubtypeDeleveraging }
func (*OrderFillEvent) Subtype() string             { return SubtypeOrderFill }
func (*RegisterAffiliateEvent) Subtype() string     { return SubtypeRegisterAffiliate }
func (*UpsertVaultEvent) Subtype() string           { return SubtypeUpsertVault }
func (*UpdateYieldParamsEvent) Subtype() string     { return SubtypeUpdateYieldParams }
func (*PerpetualMarketCreateEvent) Subtype() string { return SubtypePerpetualMarket }
func (*UpdatePerpetualEvent) Subtype() string       { return SubtypeUpdatePerpetual }

func (*AssetCreateEvent) sealed()           {}
func (*MarketEvent) sealed()                {}
func (*TransferEvent) sealed()              {}
func (*SubaccountUpdateEvent) sealed()      {}
func (*StatefulOrderEvent) sealed()         {}
func (*FundingEvent) sealed()               {}
func (*DeleveragingEvent) sealed()          {}
func (*OrderFillEvent) sealed()             {}
func (*RegisterAffiliateEvent) sealed()     {}
func (*UpsertVaultEvent) sealed()           {}
func (*UpdateYieldParamsEvent) sealed()     {}
func (*PerpetualMarketCreateEvent) sealed() {}
func (*UpdatePerpetualEvent) sealed()       {}
