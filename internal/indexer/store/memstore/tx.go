package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

var errStoreClosed = errors.New("memstore closed")

// Tx stages writes on a private copy of the committed tables.
type Tx struct {
	mu    sync.Mutex
	store *Store
	data  *tables
	done  bool
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) guard(ctx context.Context, op string) error {
	if t.done {
		return &errspkg.PersistenceError{Op: op, Err: errspkg.ErrTxDone}
	}
	if err := ctx.Err(); err != nil {
		return &errspkg.PersistenceError{Op: op, Transient: true, Err: err}
	}
	if err, ok := t.store.faults[op]; ok {
		return &errspkg.PersistenceError{Op: op, Transient: errspkg.IsTransient(err), Err: err}
	}
	return nil
}

func insertOnce[K comparable, V any](m map[K]V, k K, v V) {
	if _, exists := m[k]; !exists {
		m[k] = v
	}
}

func (t *Tx) InsertBlock(ctx context.Context, b store.BlockRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertBlock"); err != nil {
		return err
	}
	insertOnce(t.data.blocks, b.Height, b)
	return nil
}

func (t *Tx) InsertTransactions(ctx context.Context, txs []store.TransactionRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertTransactions"); err != nil {
		return err
	}
	for _, tx := range txs {
		insertOnce(t.data.transactions, tx.ID, tx)
	}
	return nil
}

func (t *Tx) InsertEvents(ctx context.Context, evs []store.EventRow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertEvents"); err != nil {
		return err
	}
	for _, ev := range evs {
		insertOnce(t.data.events, ev.ID, ev)
	}
	return nil
}

func (t *Tx) UpsertAsset(ctx context.Context, a store.Asset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertAsset"); err != nil {
		return err
	}
	t.data.assets[a.ID] = a
	return nil
}

func (t *Tx) UpsertMarket(ctx context.Context, m store.Market) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertMarket"); err != nil {
		return err
	}
	t.data.markets[m.ID] = m
	return nil
}

func (t *Tx) FindMarket(ctx context.Context, id uint32) (store.Market, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "FindMarket"); err != nil {
		return store.Market{}, false, err
	}
	m, ok := t.data.markets[id]
	return m, ok, nil
}

func (t *Tx) InsertOraclePrice(ctx context.Context, p store.OraclePrice) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertOraclePrice"); err != nil {
		return err
	}
	insertOnce(t.data.oraclePrices, p.ID, p)
	return nil
}

func (t *Tx) UpsertPerpetualMarket(ctx context.Context, pm store.PerpetualMarket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertPerpetualMarket"); err != nil {
		return err
	}
	t.data.perpetualMarkets[pm.ID] = pm
	return nil
}

func (t *Tx) FindPerpetualMarket(ctx context.Context, id uint32) (store.PerpetualMarket, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "FindPerpetualMarket"); err != nil {
		return store.PerpetualMarket{}, false, err
	}
	pm, ok := t.data.perpetualMarkets[id]
	return pm, ok, nil
}

func (t *Tx) UpsertSubaccount(ctx context.Context, s store.Subaccount) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertSubaccount"); err != nil {
		return err
	}
	t.data.subaccounts[s.ID] = s
	return nil
}

func (t *Tx) FindSubaccount(ctx context.Context, id string) (store.Subaccount, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "FindSubaccount"); err != nil {
		return store.Subaccount{}, false, err
	}
	s, ok := t.data.subaccounts[id]
	return s, ok, nil
}

func (t *Tx) UpsertWallet(ctx context.Context, w store.Wallet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertWallet"); err != nil {
		return err
	}
	t.data.wallets[w.Address] = w
	return nil
}

func (t *Tx) InsertTransfer(ctx context.Context, tr store.Transfer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertTransfer"); err != nil {
		return err
	}
	insertOnce(t.data.transfers, tr.ID, tr)
	return nil
}

func (t *Tx) UpsertPerpetualPosition(ctx context.Context, p store.PerpetualPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertPerpetualPosition"); err != nil {
		return err
	}
	t.data.perpetualPositions[p.ID] = p
	return nil
}

func (t *Tx) UpsertAssetPosition(ctx context.Context, p store.AssetPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertAssetPosition"); err != nil {
		return err
	}
	t.data.assetPositions[p.ID] = p
	return nil
}

func (t *Tx) UpsertOrder(ctx context.Context, o store.Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertOrder"); err != nil {
		return err
	}
	t.data.orders[o.ID] = o
	return nil
}

func (t *Tx) FindOrder(ctx context.Context, id string) (store.Order, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "FindOrder"); err != nil {
		return store.Order{}, false, err
	}
	o, ok := t.data.orders[id]
	return o, ok, nil
}

func (t *Tx) InsertFill(ctx context.Context, f store.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertFill"); err != nil {
		return err
	}
	insertOnce(t.data.fills, f.ID, f)
	return nil
}

func (t *Tx) InsertFundingIndexUpdate(ctx context.Context, f store.FundingIndexUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertFundingIndexUpdate"); err != nil {
		return err
	}
	insertOnce(t.data.fundingUpdates, f.ID, f)
	return nil
}

func (t *Tx) UpsertAffiliateReferral(ctx context.Context, r store.AffiliateReferral) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertAffiliateReferral"); err != nil {
		return err
	}
	t.data.affiliates[r.RefereeAddress] = r
	return nil
}

func (t *Tx) UpsertVault(ctx context.Context, v store.Vault) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "UpsertVault"); err != nil {
		return err
	}
	t.data.vaults[v.Address] = v
	return nil
}

func (t *Tx) InsertYieldParams(ctx context.Context, y store.YieldParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertYieldParams"); err != nil {
		return err
	}
	insertOnce(t.data.yieldParams, y.ID, y)
	return nil
}

func (t *Tx) InsertOutbox(ctx context.Context, records []store.OutboxRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(ctx, "InsertOutbox"); err != nil {
		return err
	}
	for _, r := range records {
		insertOnce(t.data.outbox, r.ID, r)
	}
	return nil
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return &errspkg.PersistenceError{Op: "commit", Err: errspkg.ErrTxDone}
	}
	if err, ok := t.store.faults["Commit"]; ok {
		t.done = true
		return &errspkg.PersistenceError{Op: "commit", Transient: errspkg.IsTransient(err), Err: err}
	}
	t.done = true
	t.store.commit(t.data)
	return nil
}

// Rollback discards the staged tables. Rolling back a finished transaction is
// a no-op so it can be deferred unconditionally.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.data = nil
	return nil
}
