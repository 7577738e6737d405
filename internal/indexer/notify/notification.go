// Package notify turns handler output into bounded outbound batches and
// publishes them through the transactional outbox.
package notify

// Outbound channels. Each channel is its own topic on the bus.
const (
	ChannelSubaccounts = "to-websockets-subaccounts"
	ChannelTrades      = "to-websockets-trades"
	ChannelMarkets     = "to-websockets-markets"
	ChannelBlockHeight = "to-websockets-block-height"
)

// Schema versions of the message bodies carried on each channel.
const (
	SubaccountsSchemaVersion = "3.0.0"
	TradesSchemaVersion      = "2.1.0"
	MarketsSchemaVersion     = "1.0.0"
	BlockHeightSchemaVersion = "1.0.0"
)

// Channels lists every outbound channel.
func Channels() []string {
	return []string{ChannelSubaccounts, ChannelTrades, ChannelMarkets, ChannelBlockHeight}
}

// Notification is one message destined for downstream subscribers.
// Notifications sharing a partition key are delivered in production order.
type Notification struct {
	Channel       string
	PartitionKey  string
	Payload       []byte
	SchemaVersion string

	// TransactionIndex and EventIndex locate the event that produced the
	// notification. Subaccount and trade partitions are delivered in this order.
	TransactionIndex int32
	EventIndex       uint32
	// FillOrderID is set on subaccount notifications of a fill of that order.
	FillOrderID string
}

// At returns n positioned at the given event.
func (n Notification) At(transactionIndex int32, eventIndex uint32) Notification {
	n.TransactionIndex, n.EventIndex = transactionIndex, eventIndex
	return n
}
