// Package block holds the decoded shape of one block as it arrives from the
// chain: ordered events tagged with a subtype and carrying an opaque payload.
package block

import (
	"strconv"
	"time"

	"github.com/drblury/blockflow/internal/runtime/ids"
)

// Transaction indexes reserved for events emitted outside of transactions.
const (
	BeginBlockTransactionIndex int32 = -2
	EndBlockTransactionIndex   int32 = -1
)

// Block is one consensus-finalized batch of events. Events are in
// authoritative order and are never reordered.
type Block struct {
	Height            uint64
	Time              time.Time
	TransactionHashes []string
	Events            []Event
}

// Event is one tagged record within a block.
type Event struct {
	Subtype          string
	TransactionIndex int32
	EventIndex       uint32
	Version          uint32
	Payload          []byte
}

// Coordinates locate an event within the chain.
type Coordinates struct {
	Height           uint64
	TransactionIndex int32
	EventIndex       uint32
}

// Coordinates returns the event's position in block b.
func (b Block) Coordinates(e Event) Coordinates {
	return Coordinates{Height: b.Height, TransactionIndex: e.TransactionIndex, EventIndex: e.EventIndex}
}

// EventID derives the 12-byte event identifier used for idempotency keys.
func (c Coordinates) EventID() ids.EventID {
	return ids.NewEventID(uint32(c.Height), c.TransactionIndex, c.EventIndex)
}

// IsBlockEvent reports whether the coordinates point at a begin or end block event.
func (c Coordinates) IsBlockEvent() bool {
	return c.TransactionIndex < 0
}

// TransactionHash returns the hash of the transaction that emitted the event,
// or "" for block events and out-of-range indexes.
func (b Block) TransactionHash(txIndex int32) string {
	if txIndex < 0 || int(txIndex) >= len(b.TransactionHashes) {
		return ""
	}
	return b.TransactionHashes[txIndex]
}

// TransactionID derives the stable identifier of a transaction row.
func TransactionID(height uint64, txIndex int32) string {
	return ids.Derive("tx", strconv.FormatUint(height, 10), strconv.FormatInt(int64(txIndex), 10))
}

// TendermintEventID derives the stable identifier of an event row.
func TendermintEventID(c Coordinates) string {
	return ids.EventScoped(c.EventID(), "event")
}
