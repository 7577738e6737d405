// Package memstore is an in-memory Store. A transaction works on a private
// copy of every table and swaps it in on commit, so a rolled back block leaves
// nothing behind.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

type tables struct {
	blocks             map[uint64]store.BlockRow
	transactions       map[string]store.TransactionRow
	events             map[string]store.EventRow
	assets             map[uint32]store.Asset
	markets            map[uint32]store.Market
	oraclePrices       map[string]store.OraclePrice
	perpetualMarkets   map[uint32]store.PerpetualMarket
	subaccounts        map[string]store.Subaccount
	wallets            map[string]store.Wallet
	transfers          map[string]store.Transfer
	perpetualPositions map[string]store.PerpetualPosition
	assetPositions     map[string]store.AssetPosition
	orders             map[string]store.Order
	fills              map[string]store.Fill
	fundingUpdates     map[string]store.FundingIndexUpdate
	affiliates         map[string]store.AffiliateReferral
	vaults             map[string]store.Vault
	yieldParams        map[string]store.YieldParams
	outbox             map[string]store.OutboxRecord
}

func newTables() *tables {
	return &tables{
		blocks:             map[uint64]store.BlockRow{},
		transactions:       map[string]store.TransactionRow{},
		events:             map[string]store.EventRow{},
		assets:             map[uint32]store.Asset{},
		markets:            map[uint32]store.Market{},
		oraclePrices:       map[string]store.OraclePrice{},
		perpetualMarkets:   map[uint32]store.PerpetualMarket{},
		subaccounts:        map[string]store.Subaccount{},
		wallets:            map[string]store.Wallet{},
		transfers:          map[string]store.Transfer{},
		perpetualPositions: map[string]store.PerpetualPosition{},
		assetPositions:     map[string]store.AssetPosition{},
		orders:             map[string]store.Order{},
		fills:              map[string]store.Fill{},
		fundingUpdates:     map[string]store.FundingIndexUpdate{},
		affiliates:         map[string]store.AffiliateReferral{},
		vaults:             map[string]store.Vault{},
		yieldParams:        map[string]store.YieldParams{},
		outbox:             map[string]store.OutboxRecord{},
	}
}

func (t *tables) clone() *tables {
	return &tables{
		blocks:             maps.Clone(t.blocks),
		transactions:       maps.Clone(t.transactions),
		events:             maps.Clone(t.events),
		assets:             maps.Clone(t.assets),
		markets:            maps.Clone(t.markets),
		oraclePrices:       maps.Clone(t.oraclePrices),
		perpetualMarkets:   maps.Clone(t.perpetualMarkets),
		subaccounts:        maps.Clone(t.subaccounts),
		wallets:            maps.Clone(t.wallets),
		transfers:          maps.Clone(t.transfers),
		perpetualPositions: maps.Clone(t.perpetualPositions),
		assetPositions:     maps.Clone(t.assetPositions),
		orders:             maps.Clone(t.orders),
		fills:              maps.Clone(t.fills),
		fundingUpdates:     maps.Clone(t.fundingUpdates),
		affiliates:         maps.Clone(t.affiliates),
		vaults:             maps.Clone(t.vaults),
		yieldParams:        maps.Clone(t.yieldParams),
		outbox:             maps.Clone(t.outbox),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithFault makes every call of op fail with err inside a transaction. Ops are
// named after the Tx method, e.g. "InsertFill".
func WithFault(op string, err error) Option {
	return func(s *Store) {
		s.faults[op] = err
	}
}

// Store is safe for concurrent use. Committed state is replaced wholesale on
// every commit; the pipeline only ever has one block transaction open.
type Store struct {
	mu     sync.RWMutex
	data   *tables
	faults map[string]error
	closed bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{data: newTables(), faults: map[string]error{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errspkg.PersistenceError{Op: "begin", Transient: true, Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, &errspkg.PersistenceError{Op: "begin", Err: errStoreClosed}
	}
	return &Tx{store: s, data: s.data.clone()}, nil
}

func (s *Store) LatestBlockHeight(context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest uint64
		found  bool
	)
	for h := range s.data.blocks {
		if !found || h > latest {
			latest, found = h, true
		}
	}
	return latest, found, nil
}

func (s *Store) PendingOutbox(_ context.Context, maxHeight uint64) ([]store.OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.OutboxRecord
	for _, r := range s.data.outbox {
		if r.PublishedAt == nil && r.Height <= maxHeight {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		r, ok := s.data.outbox[id]
		if !ok || r.PublishedAt != nil {
			continue
		}
		published := at
		r.PublishedAt = &published
		s.data.outbox[id] = r
	}
	return nil
}

func (s *Store) PerpetualMarkets(context.Context) ([]store.PerpetualMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.data.perpetualMarkets), nil
}

func (s *Store) Assets(context.Context) ([]store.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.data.assets), nil
}

func (s *Store) Markets(context.Context) ([]store.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.data.markets), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Counts returns the row count of every table keyed by table name.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.data
	return map[string]int{
		"blocks":                len(d.blocks),
		"transactions":          len(d.transactions),
		"tendermint_events":     len(d.events),
		"assets":                len(d.assets),
		"markets":               len(d.markets),
		"oracle_prices":         len(d.oraclePrices),
		"perpetual_markets":     len(d.perpetualMarkets),
		"subaccounts":           len(d.subaccounts),
		"wallets":               len(d.wallets),
		"transfers":             len(d.transfers),
		"perpetual_positions":   len(d.perpetualPositions),
		"asset_positions":       len(d.assetPositions),
		"orders":                len(d.orders),
		"fills":                 len(d.fills),
		"funding_index_updates": len(d.fundingUpdates),
		"affiliate_referrals":   len(d.affiliates),
		"vaults":                len(d.vaults),
		"yield_params":          len(d.yieldParams),
		"outbox":                len(d.outbox),
	}
}

// Subaccount returns a committed subaccount row.
func (s *Store) Subaccount(id string) (store.Subaccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.subaccounts[id]
	return v, ok
}

// PerpetualPositions returns the committed positions of a subaccount ordered
// by perpetual id.
func (s *Store) PerpetualPositions(subaccountID string) []store.PerpetualPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PerpetualPosition
	for _, p := range s.data.perpetualPositions {
		if p.SubaccountID == subaccountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerpetualID < out[j].PerpetualID })
	return out
}

// Order returns a committed order row.
func (s *Store) Order(id string) (store.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.orders[id]
	return v, ok
}

// Market returns a committed market row.
func (s *Store) Market(id uint32) (store.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.markets[id]
	return v, ok
}

// Outbox returns every outbox record ordered by height then sequence.
func (s *Store) Outbox() []store.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.data.outbox))
	sort.Slice(out, func(i, j int) bool {
		if out[i].Height != out[j].Height {
			return out[i].Height < out[j].Height
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *Store) commit(data *tables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The relay may have marked records published while the transaction was open.
	for id, r := range s.data.outbox {
		if r.PublishedAt != nil {
			data.outbox[id] = r
		}
	}
	s.data = data
}

func sortedValues[V any](m map[uint32]V) []V {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
