package notify

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/runtime/ids"
	"github.com/drblury/blockflow/internal/runtime/jsoncodec"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Batch is one outbound message: a JSON array of notification payloads that
// share a channel and partition key.
type Batch struct {
	Channel       string
	PartitionKey  string
	SchemaVersion string
	Payload       []byte
	Count         int
}

// Batcher groups a block's notifications into size-bounded batches.
type Batcher struct {
	maxBytes int
	logger   logging.ServiceLogger
}

// NewBatcher returns a Batcher whose batches never exceed maxBytes, except
// for a single notification that is larger than maxBytes on its own.
func NewBatcher(maxBytes int, logger logging.ServiceLogger) *Batcher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Batcher{maxBytes: maxBytes, logger: logger.With(logging.LogFields{"component": "notify.Batcher"})}
}

type groupKey struct {
	channel string
	key     string
}

// Batch groups notifications by channel and partition key in order of first
// appearance. Fill messages of one order are merged and subaccount and trade
// partitions are put back into block order before trades are coalesced. A
// batch is flushed when the next notification would push it over the size cap.
func (b *Batcher) Batch(ns []Notification) ([]Batch, error) {
	ns, err := MergeFills(ns)
	if err != nil {
		return nil, err
	}
	ns = SortByEvent(ns)
	ns, err = CoalesceTrades(ns)
	if err != nil {
		return nil, err
	}

	var order []groupKey
	groups := make(map[groupKey][]Notification)
	for _, n := range ns {
		k := groupKey{channel: n.Channel, key: n.PartitionKey}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], n)
	}

	var out []Batch
	for _, k := range order {
		out = append(out, b.split(groups[k])...)
	}
	return out, nil
}

func (b *Batcher) split(group []Notification) []Batch {
	var (
		out     []Batch
		pending []Notification
		size    int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, encodeBatch(pending))
		pending, size = nil, 0
	}

	for _, n := range group {
		// Two bytes of brackets for a fresh batch, one comma otherwise.
		added := len(n.Payload) + 1
		if len(pending) == 0 {
			added = len(n.Payload) + 2
		}
		if len(pending) > 0 && size+added > b.maxBytes {
			flush()
			added = len(n.Payload) + 2
		}
		if added > b.maxBytes {
			b.logger.Warn("Notification exceeds max batch bytes, sending alone", logging.LogFields{
				"channel":      n.Channel,
				"partitionKey": n.PartitionKey,
				"bytes":        len(n.Payload),
				"maxBytes":     b.maxBytes,
			})
		}
		pending = append(pending, n)
		size += added
	}
	flush()
	return out
}

func encodeBatch(ns []Notification) Batch {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, n := range ns {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(n.Payload)
	}
	buf.WriteByte(']')
	return Batch{
		Channel:       ns[0].Channel,
		PartitionKey:  ns[0].PartitionKey,
		SchemaVersion: ns[0].SchemaVersion,
		Payload:       buf.Bytes(),
		Count:         len(ns),
	}
}

// blockOrdered reports whether a channel's partitions follow block order.
func blockOrdered(channel string) bool {
	return channel == ChannelSubaccounts || channel == ChannelTrades
}

func compareEvent(a, b Notification) int {
	if c := cmp.Compare(a.TransactionIndex, b.TransactionIndex); c != 0 {
		return c
	}
	return cmp.Compare(a.EventIndex, b.EventIndex)
}

// SortByEvent stable-sorts every subaccount and trade partition by the
// position of the producing event. Each partition keeps the slots it already
// occupies, so other channels are left untouched.
func SortByEvent(ns []Notification) []Notification {
	out := slices.Clone(ns)
	slots := make(map[groupKey][]int)
	for i, n := range out {
		if !blockOrdered(n.Channel) {
			continue
		}
		k := groupKey{channel: n.Channel, key: n.PartitionKey}
		slots[k] = append(slots[k], i)
	}
	for _, idx := range slots {
		group := make([]Notification, len(idx))
		for j, i := range idx {
			group[j] = out[i]
		}
		slices.SortStableFunc(group, compareEvent)
		for j, i := range idx {
			out[i] = group[j]
		}
	}
	return out
}

// MergeFills folds the subaccount messages produced by fills of one order into
// a single message. Fills are concatenated in production order and the latest
// order state wins. The merged message takes the place and event position of
// the last fill.
func MergeFills(ns []Notification) ([]Notification, error) {
	last := make(map[string]int)
	for i, n := range ns {
		if n.FillOrderID != "" {
			last[n.FillOrderID] = i
		}
	}

	merged := make(map[string]*SubaccountMessage)
	out := make([]Notification, 0, len(ns))
	for i, n := range ns {
		if n.FillOrderID == "" {
			out = append(out, n)
			continue
		}
		var msg SubaccountMessage
		if err := jsoncodec.Unmarshal(n.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode fill notification: %w", err)
		}
		m, ok := merged[n.FillOrderID]
		if !ok {
			m = &msg
			merged[n.FillOrderID] = m
		} else {
			m.Contents.Fills = append(m.Contents.Fills, msg.Contents.Fills...)
			if len(msg.Contents.Orders) > 0 {
				m.Contents.Orders = msg.Contents.Orders
			}
			m.TransactionIndex, m.EventIndex = msg.TransactionIndex, msg.EventIndex
		}
		if i != last[n.FillOrderID] {
			continue
		}
		if !ok {
			// A single fill of the order is kept as produced.
			out = append(out, n)
			continue
		}
		rebuilt, err := Subaccount(n.PartitionKey, *m)
		if err != nil {
			return nil, err
		}
		rebuilt.FillOrderID = n.FillOrderID
		out = append(out, rebuilt)
	}
	return out, nil
}

// CoalesceTrades merges trade notifications of one clob pair into a single
// message at the position of the first one. Trades keep their order.
func CoalesceTrades(ns []Notification) ([]Notification, error) {
	first := make(map[string]int)
	merged := make(map[string]*TradeMessage)
	out := make([]Notification, 0, len(ns))

	for _, n := range ns {
		if n.Channel != ChannelTrades {
			out = append(out, n)
			continue
		}
		var msg TradeMessage
		if err := jsoncodec.Unmarshal(n.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode trade notification: %w", err)
		}
		if m, ok := merged[n.PartitionKey]; ok {
			m.Contents.Trades = append(m.Contents.Trades, msg.Contents.Trades...)
			continue
		}
		merged[n.PartitionKey] = &msg
		first[n.PartitionKey] = len(out)
		out = append(out, n)
	}

	for key, idx := range first {
		n, err := Trade(*merged[key])
		if err != nil {
			return nil, err
		}
		out[idx] = n
	}
	return out, nil
}

// OutboxID is the deterministic identifier of the seq-th batch of a block. It
// doubles as the outbound message UUID so consumers can drop duplicates.
func OutboxID(height uint64, seq int) string {
	return ids.Derive("outbox", strconv.FormatUint(height, 10), strconv.Itoa(seq))
}

// Records turns a block's batches into outbox rows.
func Records(height uint64, batches []Batch) []store.OutboxRecord {
	out := make([]store.OutboxRecord, 0, len(batches))
	for seq, batch := range batches {
		out = append(out, store.OutboxRecord{
			ID:            OutboxID(height, seq),
			Height:        height,
			Seq:           seq,
			Channel:       batch.Channel,
			PartitionKey:  batch.PartitionKey,
			Payload:       batch.Payload,
			SchemaVersion: batch.SchemaVersion,
		})
	}
	return out
}
