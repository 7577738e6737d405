// Package validators checks decoded events against the invariants the chain
// guarantees. A failure is logged once with full context and returned as a
// ParseMessageError.
package validators

import (
	"errors"

	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/events"
	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// PerpetualMarkets resolves perpetual markets by id. The refresher implements
// it; reads may be stale.
type PerpetualMarkets interface {
	PerpetualMarket(id uint32) (store.PerpetualMarket, bool)
}

// Option configures a Registry.
type Option func(*Registry)

// WithIgnoreUnknownMarketOnFunding downgrades funding updates for unknown
// perpetual markets to a warning. The update is dropped.
func WithIgnoreUnknownMarketOnFunding(ignore bool) Option {
	return func(r *Registry) {
		r.ignoreUnknownMarketOnFunding = ignore
	}
}

// Registry dispatches every event to the validator for its subtype.
type Registry struct {
	logger                       logging.ServiceLogger
	markets                      PerpetualMarkets
	ignoreUnknownMarketOnFunding bool
}

// New builds a Registry. markets is consulted by the funding validator.
func New(logger logging.ServiceLogger, markets PerpetualMarkets, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Registry{logger: logger, markets: markets}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate decodes ev and runs its validator. An unknown subtype yields an
// error wrapping errspkg.ErrUnknownSubtype without logging; the caller decides
// whether to skip it.
func (r *Registry) Validate(b block.Block, ev block.Event) (*ValidatedEvent, error) {
	coords := b.Coordinates(ev)

	payload, err := events.Decode(ev.Subtype, ev.Payload)
	if err != nil {
		if errors.Is(err, errspkg.ErrUnknownSubtype) {
			return nil, err
		}
		r.logger.Error("Unable to decode event payload", err, logging.LogFields{
			"component":        "validators.Registry",
			"blockHeight":      coords.Height,
			"subtype":          ev.Subtype,
			"transactionIndex": coords.TransactionIndex,
			"eventIndex":       coords.EventIndex,
		})
		return nil, err
	}

	c := &check{registry: r, coords: coords, payload: payload}
	if err := events.Visit[error](payload, c); err != nil {
		return nil, err
	}

	return &ValidatedEvent{
		coords:    coords,
		version:   ev.Version,
		payload:   payload,
		blockTime: b.Time,
		txHash:    b.TransactionHash(ev.TransactionIndex),
	}, nil
}
