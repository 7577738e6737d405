package processor

import "time"

// State is a stage of block processing.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateValidating
	StateScheduling
	StateApplying
	StatePublishing
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDecoding:
		return "DECODING"
	case StateValidating:
		return "VALIDATING"
	case StateScheduling:
		return "SCHEDULING"
	case StateApplying:
		return "APPLYING"
	case StatePublishing:
		return "PUBLISHING"
	case StateCommitted:
		return "COMMITTED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// BlockHooks observe block processing. All hooks are optional.
type BlockHooks struct {
	// OnStateChange is called on every stage transition of a block.
	OnStateChange func(height uint64, from, to State)
	// OnAlreadyParsed is called when a redelivered block is acknowledged
	// without being applied again.
	OnAlreadyParsed func(height uint64)
	// OnHandler is called after every handler run.
	OnHandler func(subtype string, took time.Duration, err error)
	// OnParseError is called for events that fail to decode or validate.
	OnParseError func(subtype string)
	// OnBlockDone is called once per processed block with its outcome.
	OnBlockDone func(height uint64, took time.Duration, err error)
}

// Merge combines two BlockHooks. Hooks from other run after hooks from h.
func (h BlockHooks) Merge(other BlockHooks) BlockHooks {
	return BlockHooks{
		OnStateChange:   chain3(h.OnStateChange, other.OnStateChange),
		OnAlreadyParsed: chain1(h.OnAlreadyParsed, other.OnAlreadyParsed),
		OnHandler:       chain3(h.OnHandler, other.OnHandler),
		OnParseError:    chain1(h.OnParseError, other.OnParseError),
		OnBlockDone:     chain3(h.OnBlockDone, other.OnBlockDone),
	}
}

func chain1[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}
