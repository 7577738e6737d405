package notify

import (
	"fmt"
	"strconv"

	"github.com/drblury/blockflow/internal/runtime/jsoncodec"
)

// SubaccountID identifies the subaccount a message is about.
type SubaccountID struct {
	Owner  string `json:"owner"`
	Number uint32 `json:"number"`
}

type PerpetualPositionContent struct {
	Address          string `json:"address"`
	SubaccountNumber uint32 `json:"subaccountNumber"`
	PositionID       string `json:"positionId"`
	PerpetualID      string `json:"perpetualId"`
	Ticker           string `json:"ticker,omitempty"`
	Size             string `json:"size"`
	FundingIndex     string `json:"fundingIndex"`
}

type AssetPositionContent struct {
	Address          string `json:"address"`
	SubaccountNumber uint32 `json:"subaccountNumber"`
	PositionID       string `json:"positionId"`
	AssetID          string `json:"assetId"`
	Symbol           string `json:"symbol,omitempty"`
	Size             string `json:"size"`
}

type FillContent struct {
	ID              string `json:"id"`
	SubaccountID    string `json:"subaccountId"`
	Side            string `json:"side"`
	Liquidity       string `json:"liquidity"`
	Type            string `json:"type"`
	ClobPairID      string `json:"clobPairId"`
	OrderID         string `json:"orderId,omitempty"`
	Size            string `json:"size"`
	Price           string `json:"price"`
	QuoteAmount     string `json:"quoteAmount"`
	Fee             string `json:"fee"`
	EventID         string `json:"eventId"`
	Ticker          string `json:"ticker,omitempty"`
	CreatedAt       string `json:"createdAt"`
	CreatedAtHeight string `json:"createdAtHeight"`
}

type OrderContent struct {
	ID               string `json:"id"`
	SubaccountID     string `json:"subaccountId"`
	ClientID         string `json:"clientId"`
	ClobPairID       string `json:"clobPairId"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	TotalFilled      string `json:"totalFilled"`
	Price            string `json:"price"`
	Status           string `json:"status"`
	OrderFlags       string `json:"orderFlags"`
	GoodTilBlock     string `json:"goodTilBlock,omitempty"`
	GoodTilBlockTime string `json:"goodTilBlockTime,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	Ticker           string `json:"ticker,omitempty"`
}

type TransferContent struct {
	Sender          TransferParty `json:"sender"`
	Recipient       TransferParty `json:"recipient"`
	Symbol          string        `json:"symbol"`
	Size            string        `json:"size"`
	Type            string        `json:"type"`
	TransactionHash string        `json:"transactionHash"`
	CreatedAt       string        `json:"createdAt"`
	CreatedAtHeight string        `json:"createdAtHeight"`
}

type TransferParty struct {
	Address          string  `json:"address"`
	SubaccountNumber *uint32 `json:"subaccountNumber,omitempty"`
}

// Transfer types from the point of view of the notified subaccount.
const (
	TransferTypeTransferIn  = "TRANSFER_IN"
	TransferTypeTransferOut = "TRANSFER_OUT"
	TransferTypeDeposit     = "DEPOSIT"
	TransferTypeWithdrawal  = "WITHDRAWAL"
)

type SubaccountContents struct {
	PerpetualPositions []PerpetualPositionContent `json:"perpetualPositions,omitempty"`
	AssetPositions     []AssetPositionContent     `json:"assetPositions,omitempty"`
	Fills              []FillContent              `json:"fills,omitempty"`
	Orders             []OrderContent             `json:"orders,omitempty"`
	Transfers          *TransferContent           `json:"transfers,omitempty"`
}

// SubaccountMessage is published on ChannelSubaccounts.
type SubaccountMessage struct {
	BlockHeight      string             `json:"blockHeight"`
	TransactionIndex int32              `json:"transactionIndex"`
	EventIndex       uint32             `json:"eventIndex"`
	SubaccountID     SubaccountID       `json:"subaccountId"`
	Contents         SubaccountContents `json:"contents"`
	Version          string             `json:"version"`
}

type TradeContent struct {
	ID        string `json:"id"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
}

type TradeContents struct {
	Trades []TradeContent `json:"trades"`
}

// TradeMessage is published on ChannelTrades, keyed by clob pair.
type TradeMessage struct {
	BlockHeight string        `json:"blockHeight"`
	ClobPairID  string        `json:"clobPairId"`
	Contents    TradeContents `json:"contents"`
	Version     string        `json:"version"`
}

type OraclePriceContent struct {
	OraclePrice       string `json:"oraclePrice"`
	EffectiveAt       string `json:"effectiveAt"`
	EffectiveAtHeight string `json:"effectiveAtHeight"`
	MarketID          uint32 `json:"marketId"`
}

type TradingContent struct {
	ID                        string `json:"id"`
	ClobPairID                string `json:"clobPairId,omitempty"`
	Ticker                    string `json:"ticker"`
	MarketID                  uint32 `json:"marketId"`
	Status                    string `json:"status,omitempty"`
	AtomicResolution          *int32 `json:"atomicResolution,omitempty"`
	QuantumConversionExponent *int32 `json:"quantumConversionExponent,omitempty"`
	SubticksPerTick           string `json:"subticksPerTick,omitempty"`
	StepBaseQuantums          string `json:"stepBaseQuantums,omitempty"`
	NextFundingRate           string `json:"nextFundingRate,omitempty"`
	FundingIndex              string `json:"fundingIndex,omitempty"`
}

type MarketContents struct {
	OraclePrices map[string]OraclePriceContent `json:"oraclePrices,omitempty"`
	Trading      map[string]TradingContent     `json:"trading,omitempty"`
}

// MarketMessage is published on ChannelMarkets.
type MarketMessage struct {
	Contents MarketContents `json:"contents"`
	Version  string         `json:"version"`
}

// BlockHeightMessage is published on ChannelBlockHeight once per block.
type BlockHeightMessage struct {
	BlockHeight string `json:"blockHeight"`
	Time        string `json:"time"`
	Version     string `json:"version"`
}

// Partition key of block height messages; they share one partition.
const blockHeightPartitionKey = "block_height"

// Subaccount builds a subaccount notification keyed by the subaccount uuid.
func Subaccount(subaccountUUID string, msg SubaccountMessage) (Notification, error) {
	msg.Version = SubaccountsSchemaVersion
	n, err := encode(ChannelSubaccounts, subaccountUUID, SubaccountsSchemaVersion, msg)
	if err != nil {
		return Notification{}, err
	}
	return n.At(msg.TransactionIndex, msg.EventIndex), nil
}

// Trade builds a trade notification keyed by clob pair.
func Trade(msg TradeMessage) (Notification, error) {
	msg.Version = TradesSchemaVersion
	return encode(ChannelTrades, msg.ClobPairID, TradesSchemaVersion, msg)
}

// Market builds a markets notification. key groups updates of one market.
func Market(key string, msg MarketMessage) (Notification, error) {
	msg.Version = MarketsSchemaVersion
	return encode(ChannelMarkets, key, MarketsSchemaVersion, msg)
}

// BlockHeight builds the per-block height notification.
func BlockHeight(height uint64, time string) (Notification, error) {
	msg := BlockHeightMessage{BlockHeight: strconv.FormatUint(height, 10), Time: time, Version: BlockHeightSchemaVersion}
	return encode(ChannelBlockHeight, blockHeightPartitionKey, BlockHeightSchemaVersion, msg)
}

func encode(channel, key, version string, msg any) (Notification, error) {
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return Notification{}, fmt.Errorf("encode %s notification: %w", channel, err)
	}
	return Notification{Channel: channel, PartitionKey: key, Payload: payload, SchemaVersion: version}, nil
}
