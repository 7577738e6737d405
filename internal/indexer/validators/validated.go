package validators

import (
	"time"

	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/runtime/ids"
)

// ValidatedEvent is a typed event that passed its validator. Only the Registry
// can construct one.
type ValidatedEvent struct {
	coords    block.Coordinates
	version   uint32
	payload   events.Payload
	blockTime time.Time
	txHash    string
}

func (v *ValidatedEvent) Coordinates() block.Coordinates { return v.coords }
func (v *ValidatedEvent) Height() uint64                 { return v.coords.Height }
func (v *ValidatedEvent) Subtype() string                { return v.payload.Subtype() }
func (v *ValidatedEvent) Version() uint32                { return v.version }
func (v *ValidatedEvent) Payload() events.Payload        { return v.payload }
func (v *ValidatedEvent) BlockTime() time.Time           { return v.blockTime }
func (v *ValidatedEvent) TransactionHash() string        { return v.txHash }
func (v *ValidatedEvent) EventID() ids.EventID           { return v.coords.EventID() }
