package metadata

import (
	"strconv"
	"time"
)

// Keys carried on every outbound notification message. PartitionKey is the
// key the Kafka marshaler hashes, so notifications for one entity land on one
// partition in order.
const (
	KeyPartition     = "partition_key"
	KeySchemaVersion = "schema_version"
	KeyChannel       = "channel"
	KeyBlockHeight   = "block_height"
	KeyOutboxSeq     = "outbox_seq"
	KeyCorrelationID = "correlation_id"
	KeyProducedAt    = "produced_at"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	cloned := make(Metadata, len(m)+extra)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Notification builds the headers for one outbound notification.
func Notification(channel, partitionKey, schemaVersion string, height uint64, seq int) Metadata {
	return Metadata{
		KeyChannel:       channel,
		KeyPartition:     partitionKey,
		KeySchemaVersion: schemaVersion,
		KeyBlockHeight:   strconv.FormatUint(height, 10),
		KeyOutboxSeq:     strconv.Itoa(seq),
	}
}

// BlockHeight parses the block height header, if any.
func (m Metadata) BlockHeight() (uint64, bool) {
	raw, ok := m[KeyBlockHeight]
	if !ok {
		return 0, false
	}
	h, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

// ProducedAt parses the producer timestamp header used for queue-time metrics.
func (m Metadata) ProducedAt() (time.Time, bool) {
	raw, ok := m[KeyProducedAt]
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
