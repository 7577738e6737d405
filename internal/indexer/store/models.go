package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type BlockRow struct {
	Height uint64
	Time   time.Time
}

type TransactionRow struct {
	ID     string
	Height uint64
	Index  int32
	Hash   string
}

type EventRow struct {
	ID               string
	Height           uint64
	TransactionIndex int32
	EventIndex       uint32
	Subtype          string
}

type Asset struct {
	ID               uint32
	Symbol           string
	HasMarket        bool
	MarketID         uint32
	AtomicResolution int32
}

type Market struct {
	ID                uint32
	Pair              string
	Exponent          int32
	MinPriceChangePpm uint32
	OraclePrice       decimal.Decimal
}

type OraclePrice struct {
	ID                string
	MarketID          uint32
	Price             decimal.Decimal
	EffectiveAt       time.Time
	EffectiveAtHeight uint64
}

type PerpetualMarket struct {
	ID                        uint32
	ClobPairID                uint32
	Ticker                    string
	MarketID                  uint32
	Status                    int32
	QuantumConversionExponent int32
	AtomicResolution          int32
	SubticksPerTick           uint32
	StepBaseQuantums          uint64
	LiquidityTierID           uint32
}

type Subaccount struct {
	ID              string
	Address         string
	Number          uint32
	UpdatedAt       time.Time
	UpdatedAtHeight uint64
}

type Wallet struct {
	Address string
}

type Transfer struct {
	ID                    string
	SenderSubaccountID    string
	RecipientSubaccountID string
	SenderWallet          string
	RecipientWallet       string
	AssetID               uint32
	Size                  decimal.Decimal
	EventID               string
	TransactionHash       string
	CreatedAt             time.Time
	CreatedAtHeight       uint64
}

type PerpetualPosition struct {
	ID              string
	SubaccountID    string
	PerpetualID     uint32
	Size            decimal.Decimal
	FundingIndex    int64
	UpdatedAtHeight uint64
}

type AssetPosition struct {
	ID              string
	SubaccountID    string
	AssetID         uint32
	Size            decimal.Decimal
	UpdatedAtHeight uint64
}

// Order statuses.
const (
	OrderStatusOpen        = "OPEN"
	OrderStatusFilled      = "FILLED"
	OrderStatusCanceled    = "CANCELED"
	OrderStatusUntriggered = "UNTRIGGERED"
)

type Order struct {
	ID               string
	SubaccountID     string
	ClientID         uint32
	ClobPairID       uint32
	OrderFlags       uint32
	Side             string
	Size             decimal.Decimal
	TotalFilled      decimal.Decimal
	Price            decimal.Decimal
	TriggerPrice     decimal.Decimal
	Status           string
	GoodTilBlock     *uint32
	GoodTilBlockTime *time.Time
	ReduceOnly       bool
	ClientMetadata   uint32
	UpdatedAtHeight  uint64
}

// Fill liquidity roles and types.
const (
	LiquidityMaker = "MAKER"
	LiquidityTaker = "TAKER"

	FillTypeLimit        = "LIMIT"
	FillTypeLiquidated   = "LIQUIDATED"
	FillTypeLiquidation  = "LIQUIDATION"
	FillTypeDeleveraged  = "DELEVERAGED"
	FillTypeOffsetting   = "OFFSETTING"
	FillTypeFinalSettled = "FINAL_SETTLEMENT"
)

type Fill struct {
	ID              string
	SubaccountID    string
	Side            string
	Liquidity       string
	Type            string
	ClobPairID      uint32
	OrderID         string
	Size            decimal.Decimal
	Price           decimal.Decimal
	QuoteAmount     decimal.Decimal
	Fee             decimal.Decimal
	EventID         string
	TransactionHash string
	CreatedAt       time.Time
	CreatedAtHeight uint64
}

type FundingIndexUpdate struct {
	ID                string
	PerpetualID       uint32
	EventID           string
	Rate              decimal.Decimal
	OraclePrice       decimal.Decimal
	FundingIndex      decimal.Decimal
	EffectiveAt       time.Time
	EffectiveAtHeight uint64
}

type AffiliateReferral struct {
	RefereeAddress   string
	AffiliateAddress string
	ReferredAtHeight uint64
}

type Vault struct {
	Address    string
	ClobPairID uint32
	Status     int32
	UpdatedAt  time.Time
}

type YieldParams struct {
	ID              string
	SDAIPrice       string
	AssetYieldIndex string
	CreatedAt       time.Time
	CreatedAtHeight uint64
}

// OutboxRecord is one outbound message written in the block transaction and
// published after commit.
type OutboxRecord struct {
	ID            string
	Height        uint64
	Seq           int
	Channel       string
	PartitionKey  string
	Payload       []byte
	SchemaVersion string
	PublishedAt   *time.Time
}
