// Package handlers turns validated events into units of work. A handler
// declares the entities it touches before it runs, so the scheduler can plan a
// block without doing any I/O, and performs all of its writes through the
// block transaction it is handed.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/blockflow/internal/indexer/cache"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/refresher"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/validators"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Handler is one unit of work derived from exactly one validated event.
type Handler interface {
	// Subtype is the subtype of the originating event.
	Subtype() string
	// ParallelizationKeys lists the entities the handler reads or writes.
	// It must be pure; it is called before any handler runs.
	ParallelizationKeys() []string
	// Handle applies the handler's writes and returns its notifications.
	Handle(ctx context.Context, env *Env) ([]notify.Notification, error)
}

// Markets is the read side of the market metadata cache.
type Markets interface {
	PerpetualMarket(id uint32) (store.PerpetualMarket, bool)
	PerpetualMarketByClobPair(clobPairID uint32) (store.PerpetualMarket, bool)
	Asset(id uint32) (store.Asset, bool)
	Market(id uint32) (store.Market, bool)
}

// ErrUnknownMarket is returned when a handler references metadata that is
// neither committed nor staged by an earlier event of the block.
var ErrUnknownMarket = errors.New("blockflow: unknown market")

// Env is everything a handler may touch while it runs. One Env is shared by
// every handler of a block.
type Env struct {
	Tx      store.Tx
	Markets Markets
	// Updates stages metadata changes that become visible to the cache after
	// the block commits.
	Updates *refresher.Updates
	// Cache collects redis writes applied after commit. Nil disables them.
	Cache  *cache.Ops
	Logger logging.ServiceLogger
}

func (e *Env) logger() logging.ServiceLogger {
	if e.Logger == nil {
		return logging.NewNopLogger()
	}
	return e.Logger
}

// perpetualMarket resolves a perpetual market, preferring this block's staged
// writes over the cache and the cache over the transaction.
func (e *Env) perpetualMarket(ctx context.Context, id uint32) (store.PerpetualMarket, error) {
	if e.Updates != nil {
		if pm, ok := e.Updates.PerpetualMarket(id); ok {
			return pm, nil
		}
	}
	if e.Markets != nil {
		if pm, ok := e.Markets.PerpetualMarket(id); ok {
			return pm, nil
		}
	}
	pm, ok, err := e.Tx.FindPerpetualMarket(ctx, id)
	if err != nil {
		return store.PerpetualMarket{}, err
	}
	if !ok {
		return store.PerpetualMarket{}, fmt.Errorf("%w: perpetual market %d", ErrUnknownMarket, id)
	}
	return pm, nil
}

func (e *Env) perpetualMarketByClobPair(clobPairID uint32) (store.PerpetualMarket, error) {
	if e.Updates != nil {
		if pm, ok := e.Updates.PerpetualMarketByClobPair(clobPairID); ok {
			return pm, nil
		}
	}
	if e.Markets != nil {
		if pm, ok := e.Markets.PerpetualMarketByClobPair(clobPairID); ok {
			return pm, nil
		}
	}
	return store.PerpetualMarket{}, fmt.Errorf("%w: clob pair %d", ErrUnknownMarket, clobPairID)
}

func (e *Env) asset(id uint32) (store.Asset, error) {
	if e.Updates != nil {
		if a, ok := e.Updates.Asset(id); ok {
			return a, nil
		}
	}
	if e.Markets != nil {
		if a, ok := e.Markets.Asset(id); ok {
			return a, nil
		}
	}
	return store.Asset{}, fmt.Errorf("%w: asset %d", ErrUnknownMarket, id)
}

// base carries what every handler knows about its event.
type base struct {
	ev   *validators.ValidatedEvent
	txID string
}

func (b base) Subtype() string { return b.ev.Subtype() }

func (e *Env) stagePerpetualMarket(pm store.PerpetualMarket) {
	if e.Updates != nil {
		e.Updates.PutPerpetualMarket(pm)
	}
}

func (e *Env) stageAsset(a store.Asset) {
	if e.Updates != nil {
		e.Updates.PutAsset(a)
	}
}

func (e *Env) stageMarket(m store.Market) {
	if e.Updates != nil {
		e.Updates.PutMarket(m)
	}
}

func (e *Env) market(ctx context.Context, id uint32) (store.Market, error) {
	if e.Updates != nil {
		if m, ok := e.Updates.Market(id); ok {
			return m, nil
		}
	}
	if e.Markets != nil {
		if m, ok := e.Markets.Market(id); ok {
			return m, nil
		}
	}
	m, ok, err := e.Tx.FindMarket(ctx, id)
	if err != nil {
		return store.Market{}, err
	}
	if !ok {
		return store.Market{}, fmt.Errorf("%w: market %d", ErrUnknownMarket, id)
	}
	return m, nil
}
