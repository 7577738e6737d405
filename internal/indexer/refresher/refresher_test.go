package refresher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/store/memstore"
)

func seed(t *testing.T, st *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertPerpetualMarket(ctx, store.PerpetualMarket{ID: 0, ClobPairID: 0, Ticker: "BTC-USD"}))
	require.NoError(t, tx.UpsertPerpetualMarket(ctx, store.PerpetualMarket{ID: 1, ClobPairID: 1, Ticker: "ETH-USD"}))
	require.NoError(t, tx.UpsertAsset(ctx, store.Asset{ID: 0, Symbol: "USDC", AtomicResolution: -6}))
	require.NoError(t, tx.UpsertMarket(ctx, store.Market{ID: 0, Pair: "BTC-USD", Exponent: -5}))
	require.NoError(t, tx.Commit())
}

func TestInitLoadsSnapshot(t *testing.T) {
	st := memstore.New()
	seed(t, st)

	r, err := New(st, nil)
	require.NoError(t, err)
	_, ok := r.PerpetualMarket(0)
	assert.False(t, ok, "lookups before Init serve an empty snapshot")

	require.NoError(t, r.Init(context.Background()))

	pm, ok := r.PerpetualMarket(1)
	require.True(t, ok)
	assert.Equal(t, "ETH-USD", pm.Ticker)
	pm, ok = r.PerpetualMarketByClobPair(0)
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", pm.Ticker)
	a, ok := r.Asset(0)
	require.True(t, ok)
	assert.Equal(t, "USDC", a.Symbol)
	m, ok := r.Market(0)
	require.True(t, ok)
	assert.Equal(t, int32(-5), m.Exponent)
}

func TestRefreshRequiresInit(t *testing.T) {
	r, err := New(memstore.New(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Refresh(context.Background()), ErrNotInitialized)
}

func TestApplyAndRefreshDiscardStagedRollback(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	seed(t, st)
	r, err := New(st, nil)
	require.NoError(t, err)
	require.NoError(t, r.Init(ctx))

	u := NewUpdates()
	assert.True(t, u.Empty())
	u.PutPerpetualMarket(store.PerpetualMarket{ID: 2, ClobPairID: 7, Ticker: "SOL-USD"})
	u.PutPerpetualMarket(store.PerpetualMarket{ID: 2, ClobPairID: 7, Ticker: "SOL-USD2"})
	staged, ok := u.PerpetualMarket(2)
	require.True(t, ok)
	assert.Equal(t, "SOL-USD2", staged.Ticker)

	r.Apply(u)
	pm, ok := r.PerpetualMarketByClobPair(7)
	require.True(t, ok)
	assert.Equal(t, "SOL-USD2", pm.Ticker)

	// The update never reached the store, so a refresh drops it again.
	require.NoError(t, r.Refresh(ctx))
	_, ok = r.PerpetualMarket(2)
	assert.False(t, ok)
}

func TestClobPairMoveDropsStaleIndex(t *testing.T) {
	r, err := New(memstore.New(), nil)
	require.NoError(t, err)

	u := NewUpdates()
	u.PutPerpetualMarket(store.PerpetualMarket{ID: 5, ClobPairID: 10})
	r.Apply(u)
	u = NewUpdates()
	u.PutPerpetualMarket(store.PerpetualMarket{ID: 5, ClobPairID: 11})
	r.Apply(u)

	_, ok := r.PerpetualMarketByClobPair(10)
	assert.False(t, ok)
	_, ok = r.PerpetualMarketByClobPair(11)
	assert.True(t, ok)
}

type failingLoader struct{ *memstore.Store }

func (failingLoader) Markets(context.Context) ([]store.Market, error) {
	return nil, errors.New("connection refused")
}

func TestFailedLoadKeepsPreviousSnapshot(t *testing.T) {
	r, err := New(failingLoader{memstore.New()}, nil)
	require.NoError(t, err)
	u := NewUpdates()
	u.PutAsset(store.Asset{ID: 3, Symbol: "DYDX"})
	r.Apply(u)

	assert.Error(t, r.Init(context.Background()))
	_, ok := r.Asset(3)
	assert.True(t, ok)
}

func TestShutdownStopsRefresh(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	r, err := New(st, nil)
	require.NoError(t, err)
	require.NoError(t, r.Init(ctx))
	require.NoError(t, r.Shutdown(ctx))

	seed(t, st)
	require.NoError(t, r.Refresh(ctx))
	_, ok := r.PerpetualMarket(0)
	assert.False(t, ok)
}

func TestConcurrentReadsDuringApply(t *testing.T) {
	r, err := New(memstore.New(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(id uint32) {
			defer wg.Done()
			u := NewUpdates()
			u.PutPerpetualMarket(store.PerpetualMarket{ID: id, ClobPairID: id})
			r.Apply(u)
		}(uint32(i))
		go func(id uint32) {
			defer wg.Done()
			r.PerpetualMarket(id)
		}(uint32(i))
	}
	wg.Wait()

	for i := uint32(0); i < 8; i++ {
		_, ok := r.PerpetualMarket(i)
		assert.True(t, ok)
	}
}
