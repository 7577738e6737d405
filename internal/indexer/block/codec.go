package block

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

// Field numbers of the block envelope published by the chain's indexer
// event manager.
const (
	blockFieldHeight   protowire.Number = 1
	blockFieldTime     protowire.Number = 2
	blockFieldEvents   protowire.Number = 3
	blockFieldTxHashes protowire.Number = 4

	timeFieldSeconds protowire.Number = 1
	timeFieldNanos   protowire.Number = 2

	eventFieldSubtype          protowire.Number = 1
	eventFieldData             protowire.Number = 2
	eventFieldTransactionIndex protowire.Number = 3
	eventFieldBlockEvent       protowire.Number = 4
	eventFieldEventIndex       protowire.Number = 5
	eventFieldVersion          protowire.Number = 6
	eventFieldDataBytes        protowire.Number = 7
)

// Block event enum values on the wire.
const (
	wireBlockEventUnspecified = 0
	wireBlockEventBegin       = 1
	wireBlockEventEnd         = 2
)

var errTruncated = errors.New("truncated field")

// Decode parses one block envelope. Unknown fields are skipped so newer
// producers stay readable.
func Decode(raw []byte) (Block, error) {
	var b Block
	err := walk(raw, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch {
		case num == blockFieldHeight && typ == protowire.VarintType:
			b.Height = varint
		case num == blockFieldTime && typ == protowire.BytesType:
			ts, err := decodeTimestamp(value)
			if err != nil {
				return fmt.Errorf("time: %w", err)
			}
			b.Time = ts
		case num == blockFieldEvents && typ == protowire.BytesType:
			ev, err := decodeEvent(value)
			if err != nil {
				return fmt.Errorf("event %d: %w", len(b.Events), err)
			}
			b.Events = append(b.Events, ev)
		case num == blockFieldTxHashes && typ == protowire.BytesType:
			b.TransactionHashes = append(b.TransactionHashes, string(value))
		}
		return nil
	})
	if err != nil {
		return Block{}, &errspkg.DecodeError{What: "block envelope", Envelope: true, Err: err}
	}
	return b, nil
}

func decodeTimestamp(raw []byte) (time.Time, error) {
	var seconds, nanos int64
	err := walk(raw, func(num protowire.Number, typ protowire.Type, _ []byte, varint uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case timeFieldSeconds:
			seconds = int64(varint)
		case timeFieldNanos:
			nanos = int64(int32(varint))
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

func decodeEvent(raw []byte) (Event, error) {
	var (
		ev         Event
		data       []byte
		dataBytes  []byte
		blockEvent uint64
		hasTxIndex bool
	)
	err := walk(raw, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch {
		case num == eventFieldSubtype && typ == protowire.BytesType:
			ev.Subtype = string(value)
		case num == eventFieldData && typ == protowire.BytesType:
			data = value
		case num == eventFieldTransactionIndex && typ == protowire.VarintType:
			ev.TransactionIndex = int32(varint)
			hasTxIndex = true
		case num == eventFieldBlockEvent && typ == protowire.VarintType:
			blockEvent = varint
		case num == eventFieldEventIndex && typ == protowire.VarintType:
			ev.EventIndex = uint32(varint)
		case num == eventFieldVersion && typ == protowire.VarintType:
			ev.Version = uint32(varint)
		case num == eventFieldDataBytes && typ == protowire.BytesType:
			dataBytes = value
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}

	if !hasTxIndex {
		switch blockEvent {
		case wireBlockEventBegin:
			ev.TransactionIndex = BeginBlockTransactionIndex
		case wireBlockEventEnd:
			ev.TransactionIndex = EndBlockTransactionIndex
		case wireBlockEventUnspecified:
			// A plain transaction event with index 0 omits the field entirely.
		default:
			return Event{}, fmt.Errorf("unknown block event %d", blockEvent)
		}
	}

	switch {
	case len(dataBytes) > 0:
		ev.Payload = append([]byte(nil), dataBytes...)
	case len(data) > 0:
		ev.Payload = append([]byte(nil), data...)
	}
	return ev, nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error

func walk(raw []byte, fn fieldFunc) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return protowire.ParseError(n)
		}
		raw = raw[n:]

		var (
			value  []byte
			varint uint64
		)
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(raw)
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w: %v", num, errTruncated, protowire.ParseError(n))
		}
		raw = raw[n:]

		if err := fn(num, typ, value, varint); err != nil {
			return err
		}
	}
	return nil
}

// Encode produces the wire form of b. Payloads are written as data_bytes.
func Encode(b Block) []byte {
	var out []byte
	if b.Height != 0 {
		out = protowire.AppendTag(out, blockFieldHeight, protowire.VarintType)
		out = protowire.AppendVarint(out, b.Height)
	}
	if !b.Time.IsZero() {
		var ts []byte
		ts = protowire.AppendTag(ts, timeFieldSeconds, protowire.VarintType)
		ts = protowire.AppendVarint(ts, uint64(b.Time.Unix()))
		if nanos := b.Time.Nanosecond(); nanos != 0 {
			ts = protowire.AppendTag(ts, timeFieldNanos, protowire.VarintType)
			ts = protowire.AppendVarint(ts, uint64(nanos))
		}
		out = protowire.AppendTag(out, blockFieldTime, protowire.BytesType)
		out = protowire.AppendBytes(out, ts)
	}
	for _, ev := range b.Events {
		out = protowire.AppendTag(out, blockFieldEvents, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeEvent(ev))
	}
	for _, h := range b.TransactionHashes {
		out = protowire.AppendTag(out, blockFieldTxHashes, protowire.BytesType)
		out = protowire.AppendString(out, h)
	}
	return out
}

func encodeEvent(ev Event) []byte {
	var out []byte
	out = protowire.AppendTag(out, eventFieldSubtype, protowire.BytesType)
	out = protowire.AppendString(out, ev.Subtype)
	switch ev.TransactionIndex {
	case BeginBlockTransactionIndex:
		out = protowire.AppendTag(out, eventFieldBlockEvent, protowire.VarintType)
		out = protowire.AppendVarint(out, wireBlockEventBegin)
	case EndBlockTransactionIndex:
		out = protowire.AppendTag(out, eventFieldBlockEvent, protowire.VarintType)
		out = protowire.AppendVarint(out, wireBlockEventEnd)
	default:
		out = protowire.AppendTag(out, eventFieldTransactionIndex, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(uint32(ev.TransactionIndex)))
	}
	out = protowire.AppendTag(out, eventFieldEventIndex, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(ev.EventIndex))
	if ev.Version != 0 {
		out = protowire.AppendTag(out, eventFieldVersion, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(ev.Version))
	}
	if len(ev.Payload) > 0 {
		out = protowire.AppendTag(out, eventFieldDataBytes, protowire.BytesType)
		out = protowire.AppendBytes(out, ev.Payload)
	}
	return out
}
