// Package refresher keeps an in-memory snapshot of the slowly changing market
// metadata handlers look up on every block. Reads are lock free; the snapshot
// is replaced wholesale on refresh or after a block commits.
package refresher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Loader reads the committed metadata. store.Store satisfies it.
type Loader interface {
	PerpetualMarkets(ctx context.Context) ([]store.PerpetualMarket, error)
	Assets(ctx context.Context) ([]store.Asset, error)
	Markets(ctx context.Context) ([]store.Market, error)
}

// ErrNotInitialized is returned by Refresh before Init succeeded.
var ErrNotInitialized = errors.New("blockflow: refresher not initialized")

type snapshot struct {
	perpetuals map[uint32]store.PerpetualMarket
	byClobPair map[uint32]store.PerpetualMarket
	assets     map[uint32]store.Asset
	markets    map[uint32]store.Market
}

func emptySnapshot() *snapshot {
	return &snapshot{
		perpetuals: map[uint32]store.PerpetualMarket{},
		byClobPair: map[uint32]store.PerpetualMarket{},
		assets:     map[uint32]store.Asset{},
		markets:    map[uint32]store.Market{},
	}
}

func (s *snapshot) clone() *snapshot {
	next := emptySnapshot()
	for k, v := range s.perpetuals {
		next.perpetuals[k] = v
	}
	for k, v := range s.byClobPair {
		next.byClobPair[k] = v
	}
	for k, v := range s.assets {
		next.assets[k] = v
	}
	for k, v := range s.markets {
		next.markets[k] = v
	}
	return next
}

func (s *snapshot) putPerpetual(pm store.PerpetualMarket) {
	if old, ok := s.perpetuals[pm.ID]; ok && old.ClobPairID != pm.ClobPairID {
		delete(s.byClobPair, old.ClobPairID)
	}
	s.perpetuals[pm.ID] = pm
	s.byClobPair[pm.ClobPairID] = pm
}

// Refresher is the injected market metadata context. Its lifecycle is Init on
// start, Refresh on an interval and after a rolled back block, and Shutdown on
// stop.
type Refresher struct {
	loader Loader
	logger logging.ServiceLogger

	// mu orders writers so an older load never replaces a newer apply.
	mu       sync.Mutex
	snap     atomic.Pointer[snapshot]
	ready    atomic.Bool
	shutdown atomic.Bool
}

// New returns a Refresher with an empty snapshot.
func New(loader Loader, logger logging.ServiceLogger) (*Refresher, error) {
	if loader == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Refresher{loader: loader, logger: logger.With(logging.LogFields{"component": "refresher"})}
	r.snap.Store(emptySnapshot())
	return r, nil
}

// Init performs the first load.
func (r *Refresher) Init(ctx context.Context) error {
	if err := r.load(ctx); err != nil {
		return err
	}
	r.ready.Store(true)
	return nil
}

// Refresh reloads everything from the store.
func (r *Refresher) Refresh(ctx context.Context) error {
	if !r.ready.Load() {
		return ErrNotInitialized
	}
	if r.shutdown.Load() {
		return nil
	}
	return r.load(ctx)
}

// Shutdown stops further refreshes. Lookups keep serving the last snapshot.
func (r *Refresher) Shutdown(context.Context) error {
	r.shutdown.Store(true)
	return nil
}

func (r *Refresher) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	perps, err := r.loader.PerpetualMarkets(ctx)
	if err != nil {
		return err
	}
	assets, err := r.loader.Assets(ctx)
	if err != nil {
		return err
	}
	markets, err := r.loader.Markets(ctx)
	if err != nil {
		return err
	}

	next := emptySnapshot()
	for _, pm := range perps {
		next.putPerpetual(pm)
	}
	for _, a := range assets {
		next.assets[a.ID] = a
	}
	for _, m := range markets {
		next.markets[m.ID] = m
	}
	r.snap.Store(next)
	r.logger.Debug("Refreshed market metadata", logging.LogFields{
		"perpetual_markets": len(perps),
		"assets":            len(assets),
		"markets":           len(markets),
	})
	return nil
}

// Apply folds a committed block's updates into the snapshot.
func (r *Refresher) Apply(u *Updates) {
	if u == nil || u.Empty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u.mu.Lock()
	defer u.mu.Unlock()
	next := r.snap.Load().clone()
	for _, pm := range u.perpetuals {
		next.putPerpetual(pm)
	}
	for _, a := range u.assets {
		next.assets[a.ID] = a
	}
	for _, m := range u.markets {
		next.markets[m.ID] = m
	}
	r.snap.Store(next)
}

// PerpetualMarket looks a perpetual market up by id.
func (r *Refresher) PerpetualMarket(id uint32) (store.PerpetualMarket, bool) {
	pm, ok := r.snap.Load().perpetuals[id]
	return pm, ok
}

// PerpetualMarketByClobPair looks a perpetual market up by its clob pair.
func (r *Refresher) PerpetualMarketByClobPair(clobPairID uint32) (store.PerpetualMarket, bool) {
	pm, ok := r.snap.Load().byClobPair[clobPairID]
	return pm, ok
}

func (r *Refresher) Asset(id uint32) (store.Asset, bool) {
	a, ok := r.snap.Load().assets[id]
	return a, ok
}

func (r *Refresher) Market(id uint32) (store.Market, bool) {
	m, ok := r.snap.Load().markets[id]
	return m, ok
}

// Updates collects metadata written by one block. Handlers stage into it
// concurrently; the processor applies it after commit and drops it on
// rollback.
type Updates struct {
	mu         sync.Mutex
	perpetuals []store.PerpetualMarket
	assets     []store.Asset
	markets    []store.Market
}

// NewUpdates returns an empty collector.
func NewUpdates() *Updates { return &Updates{} }

func (u *Updates) PutPerpetualMarket(pm store.PerpetualMarket) {
	u.mu.Lock()
	u.perpetuals = append(u.perpetuals, pm)
	u.mu.Unlock()
}

func (u *Updates) PutAsset(a store.Asset) {
	u.mu.Lock()
	u.assets = append(u.assets, a)
	u.mu.Unlock()
}

func (u *Updates) PutMarket(m store.Market) {
	u.mu.Lock()
	u.markets = append(u.markets, m)
	u.mu.Unlock()
}

// PerpetualMarket returns the latest staged version of a perpetual market.
func (u *Updates) PerpetualMarket(id uint32) (store.PerpetualMarket, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.perpetuals) - 1; i >= 0; i-- {
		if u.perpetuals[i].ID == id {
			return u.perpetuals[i], true
		}
	}
	return store.PerpetualMarket{}, false
}

// PerpetualMarketByClobPair returns the latest staged perpetual market on a clob pair.
func (u *Updates) PerpetualMarketByClobPair(clobPairID uint32) (store.PerpetualMarket, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.perpetuals) - 1; i >= 0; i-- {
		if u.perpetuals[i].ClobPairID == clobPairID {
			return u.perpetuals[i], true
		}
	}
	return store.PerpetualMarket{}, false
}

func (u *Updates) Asset(id uint32) (store.Asset, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.assets) - 1; i >= 0; i-- {
		if u.assets[i].ID == id {
			return u.assets[i], true
		}
	}
	return store.Asset{}, false
}

func (u *Updates) Market(id uint32) (store.Market, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.markets) - 1; i >= 0; i-- {
		if u.markets[i].ID == id {
			return u.markets[i], true
		}
	}
	return store.Market{}, false
}

// Empty reports whether nothing was staged.
func (u *Updates) Empty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.perpetuals) == 0 && len(u.assets) == 0 && len(u.markets) == 0
}
