// Package store defines the persistence contract the block pipeline writes
// through. Every write is keyed by a deterministic identifier so replaying a
// block converges on the same rows.
package store

import (
	"context"
	"time"
)

// Store opens block transactions and serves the out-of-band reads used by the
// refresher and the outbox relay.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// LatestBlockHeight returns the highest committed block. ok is false on an
	// empty store.
	LatestBlockHeight(ctx context.Context) (height uint64, ok bool, err error)
	// PendingOutbox returns unpublished outbox records up to and including
	// maxHeight, ordered by height then sequence.
	PendingOutbox(ctx context.Context, maxHeight uint64) ([]OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error

	PerpetualMarkets(ctx context.Context) ([]PerpetualMarket, error)
	Assets(ctx context.Context) ([]Asset, error)
	Markets(ctx context.Context) ([]Market, error)

	Close() error
}

// Tx is the single transaction a block is applied in. One Tx is shared by all
// execution groups of a block, so implementations must be safe for concurrent
// use.
type Tx interface {
	InsertBlock(ctx context.Context, b BlockRow) error
	InsertTransactions(ctx context.Context, txs []TransactionRow) error
	InsertEvents(ctx context.Context, evs []EventRow) error

	UpsertAsset(ctx context.Context, a Asset) error
	UpsertMarket(ctx context.Context, m Market) error
	FindMarket(ctx context.Context, id uint32) (Market, bool, error)
	InsertOraclePrice(ctx context.Context, p OraclePrice) error
	UpsertPerpetualMarket(ctx context.Context, pm PerpetualMarket) error
	FindPerpetualMarket(ctx context.Context, id uint32) (PerpetualMarket, bool, error)

	UpsertSubaccount(ctx context.Context, s Subaccount) error
	FindSubaccount(ctx context.Context, id string) (Subaccount, bool, error)
	UpsertWallet(ctx context.Context, w Wallet) error
	InsertTransfer(ctx context.Context, t Transfer) error
	UpsertPerpetualPosition(ctx context.Context, p PerpetualPosition) error
	UpsertAssetPosition(ctx context.Context, p AssetPosition) error

	UpsertOrder(ctx context.Context, o Order) error
	FindOrder(ctx context.Context, id string) (Order, bool, error)
	InsertFill(ctx context.Context, f Fill) error

	InsertFundingIndexUpdate(ctx context.Context, f FundingIndexUpdate) error
	UpsertAffiliateReferral(ctx context.Context, r AffiliateReferral) error
	UpsertVault(ctx context.Context, v Vault) error
	InsertYieldParams(ctx context.Context, y YieldParams) error

	InsertOutbox(ctx context.Context, records []OutboxRecord) error

	Commit() error
	Rollback() error
}
