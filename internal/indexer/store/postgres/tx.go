package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

// Tx serializes statements because a *sql.Tx holds a single connection while
// the scheduler runs execution groups concurrently.
type Tx struct {
	mu sync.Mutex
	tx *sql.Tx
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) exec(ctx context.Context, op, query string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return classifyTx(op, err)
	}
	return nil
}

func (t *Tx) queryRow(ctx context.Context, op, query string, scan func(scanner) error, args ...any) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := scan(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyTx(op, err)
	}
	return true, nil
}

func classifyTx(op string, err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return &errspkg.PersistenceError{Op: op, Err: errors.Join(errspkg.ErrTxDone, err)}
	}
	return classify(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (t *Tx) InsertBlock(ctx context.Context, b store.BlockRow) error {
	return t.exec(ctx, "InsertBlock",
		`INSERT INTO blocks (block_height, time) VALUES ($1, $2) ON CONFLICT (block_height) DO NOTHING`,
		int64(b.Height), b.Time.UTC())
}

func (t *Tx) InsertTransactions(ctx context.Context, txs []store.TransactionRow) error {
	for _, tx := range txs {
		err := t.exec(ctx, "InsertTransactions", `
			INSERT INTO transactions (id, block_height, transaction_index, transaction_hash)
			VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			tx.ID, int64(tx.Height), tx.Index, tx.Hash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) InsertEvents(ctx context.Context, evs []store.EventRow) error {
	for _, ev := range evs {
		err := t.exec(ctx, "InsertEvents", `
			INSERT INTO tendermint_events (id, block_height, transaction_index, event_index, subtype)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			ev.ID, int64(ev.Height), ev.TransactionIndex, int64(ev.EventIndex), ev.Subtype)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) UpsertAsset(ctx context.Context, a store.Asset) error {
	return t.exec(ctx, "UpsertAsset", `
		INSERT INTO assets (id, symbol, has_market, market_id, atomic_resolution)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET symbol = EXCLUDED.symbol, has_market = EXCLUDED.has_market,
			market_id = EXCLUDED.market_id, atomic_resolution = EXCLUDED.atomic_resolution`,
		int64(a.ID), a.Symbol, a.HasMarket, int64(a.MarketID), a.AtomicResolution)
}

func (t *Tx) UpsertMarket(ctx context.Context, m store.Market) error {
	return t.exec(ctx, "UpsertMarket", `
		INSERT INTO markets (id, pair, exponent, min_price_change_ppm, oracle_price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET pair = EXCLUDED.pair, exponent = EXCLUDED.exponent,
			min_price_change_ppm = EXCLUDED.min_price_change_ppm, oracle_price = EXCLUDED.oracle_price`,
		int64(m.ID), m.Pair, m.Exponent, int64(m.MinPriceChangePpm), m.OraclePrice)
}

func (t *Tx) FindMarket(ctx context.Context, id uint32) (store.Market, bool, error) {
	var m store.Market
	ok, err := t.queryRow(ctx, "FindMarket",
		`SELECT id, pair, exponent, min_price_change_ppm, COALESCE(oracle_price, 0) FROM markets WHERE id = $1`,
		func(row scanner) (err error) {
			m, err = scanMarket(row)
			return err
		}, int64(id))
	return m, ok, err
}

func (t *Tx) InsertOraclePrice(ctx context.Context, p store.OraclePrice) error {
	return t.exec(ctx, "InsertOraclePrice", `
		INSERT INTO oracle_prices (id, market_id, price, effective_at, effective_at_height)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		p.ID, int64(p.MarketID), p.Price, p.EffectiveAt.UTC(), int64(p.EffectiveAtHeight))
}

func (t *Tx) UpsertPerpetualMarket(ctx context.Context, pm store.PerpetualMarket) error {
	return t.exec(ctx, "UpsertPerpetualMarket", `
		INSERT INTO perpetual_markets (id, clob_pair_id, ticker, market_id, status, quantum_conversion_exponent,
			atomic_resolution, subticks_per_tick, step_base_quantums, liquidity_tier_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET clob_pair_id = EXCLUDED.clob_pair_id, ticker = EXCLUDED.ticker,
			market_id = EXCLUDED.market_id, status = EXCLUDED.status,
			quantum_conversion_exponent = EXCLUDED.quantum_conversion_exponent,
			atomic_resolution = EXCLUDED.atomic_resolution, subticks_per_tick = EXCLUDED.subticks_per_tick,
			step_base_quantums = EXCLUDED.step_base_quantums, liquidity_tier_id = EXCLUDED.liquidity_tier_id`,
		int64(pm.ID), int64(pm.ClobPairID), pm.Ticker, int64(pm.MarketID), pm.Status, pm.QuantumConversionExponent,
		pm.AtomicResolution, int64(pm.SubticksPerTick), int64(pm.StepBaseQuantums), int64(pm.LiquidityTierID))
}

func (t *Tx) FindPerpetualMarket(ctx context.Context, id uint32) (store.PerpetualMarket, bool, error) {
	var pm store.PerpetualMarket
	ok, err := t.queryRow(ctx, "FindPerpetualMarket", `
		SELECT id, clob_pair_id, ticker, market_id, status, quantum_conversion_exponent,
		       atomic_resolution, subticks_per_tick, step_base_quantums, liquidity_tier_id
		FROM perpetual_markets WHERE id = $1`,
		func(row scanner) (err error) {
			pm, err = scanPerpetualMarket(row)
			return err
		}, int64(id))
	return pm, ok, err
}

func (t *Tx) UpsertSubaccount(ctx context.Context, s store.Subaccount) error {
	return t.exec(ctx, "UpsertSubaccount", `
		INSERT INTO subaccounts (id, address, subaccount_number, updated_at, updated_at_height)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at, updated_at_height = EXCLUDED.updated_at_height`,
		s.ID, s.Address, int64(s.Number), s.UpdatedAt.UTC(), int64(s.UpdatedAtHeight))
}

func (t *Tx) FindSubaccount(ctx context.Context, id string) (store.Subaccount, bool, error) {
	var s store.Subaccount
	ok, err := t.queryRow(ctx, "FindSubaccount",
		`SELECT id, address, subaccount_number, updated_at, updated_at_height FROM subaccounts WHERE id = $1`,
		func(row scanner) error {
			var height int64
			if err := row.Scan(&s.ID, &s.Address, &s.Number, &s.UpdatedAt, &height); err != nil {
				return err
			}
			s.UpdatedAtHeight = uint64(height)
			return nil
		}, id)
	return s, ok, err
}

func (t *Tx) UpsertWallet(ctx context.Context, w store.Wallet) error {
	return t.exec(ctx, "UpsertWallet",
		`INSERT INTO wallets (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, w.Address)
}

func (t *Tx) InsertTransfer(ctx context.Context, tr store.Transfer) error {
	return t.exec(ctx, "InsertTransfer", `
		INSERT INTO transfers (id, sender_subaccount_id, recipient_subaccount_id, sender_wallet_address,
			recipient_wallet_address, asset_id, size, event_id, transaction_hash, created_at, created_at_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (id) DO NOTHING`,
		tr.ID, nullString(tr.SenderSubaccountID), nullString(tr.RecipientSubaccountID),
		nullString(tr.SenderWallet), nullString(tr.RecipientWallet), int64(tr.AssetID), tr.Size,
		tr.EventID, tr.TransactionHash, tr.CreatedAt.UTC(), int64(tr.CreatedAtHeight))
}

func (t *Tx) UpsertPerpetualPosition(ctx context.Context, p store.PerpetualPosition) error {
	return t.exec(ctx, "UpsertPerpetualPosition", `
		INSERT INTO perpetual_positions (id, subaccount_id, perpetual_id, size, funding_index, updated_at_height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET size = EXCLUDED.size, funding_index = EXCLUDED.funding_index,
			updated_at_height = EXCLUDED.updated_at_height`,
		p.ID, p.SubaccountID, int64(p.PerpetualID), p.Size, p.FundingIndex, int64(p.UpdatedAtHeight))
}

func (t *Tx) UpsertAssetPosition(ctx context.Context, p store.AssetPosition) error {
	return t.exec(ctx, "UpsertAssetPosition", `
		INSERT INTO asset_positions (id, subaccount_id, asset_id, size, updated_at_height)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET size = EXCLUDED.size, updated_at_height = EXCLUDED.updated_at_height`,
		p.ID, p.SubaccountID, int64(p.AssetID), p.Size, int64(p.UpdatedAtHeight))
}

func (t *Tx) UpsertOrder(ctx context.Context, o store.Order) error {
	var goodTilBlock sql.NullInt64
	if o.GoodTilBlock != nil {
		goodTilBlock = sql.NullInt64{Int64: int64(*o.GoodTilBlock), Valid: true}
	}
	var goodTilBlockTime sql.NullTime
	if o.GoodTilBlockTime != nil {
		goodTilBlockTime = sql.NullTime{Time: o.GoodTilBlockTime.UTC(), Valid: true}
	}
	return t.exec(ctx, "UpsertOrder", `
		INSERT INTO orders (id, subaccount_id, client_id, clob_pair_id, order_flags, side, size, total_filled,
			price, trigger_price, status, good_til_block, good_til_block_time, reduce_only, client_metadata,
			updated_at_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET side = EXCLUDED.side, size = EXCLUDED.size,
			total_filled = EXCLUDED.total_filled, price = EXCLUDED.price, trigger_price = EXCLUDED.trigger_price,
			status = EXCLUDED.status, good_til_block = EXCLUDED.good_til_block,
			good_til_block_time = EXCLUDED.good_til_block_time, reduce_only = EXCLUDED.reduce_only,
			client_metadata = EXCLUDED.client_metadata, updated_at_height = EXCLUDED.updated_at_height`,
		o.ID, o.SubaccountID, int64(o.ClientID), int64(o.ClobPairID), int64(o.OrderFlags), o.Side, o.Size,
		o.TotalFilled, o.Price, o.TriggerPrice, o.Status, goodTilBlock, goodTilBlockTime, o.ReduceOnly,
		int64(o.ClientMetadata), int64(o.UpdatedAtHeight))
}

func (t *Tx) FindOrder(ctx context.Context, id string) (store.Order, bool, error) {
	var o store.Order
	ok, err := t.queryRow(ctx, "FindOrder", `
		SELECT id, subaccount_id, client_id, clob_pair_id, order_flags, side, size, total_filled, price,
		       COALESCE(trigger_price, 0), status, good_til_block, good_til_block_time, reduce_only,
		       client_metadata, updated_at_height
		FROM orders WHERE id = $1`,
		func(row scanner) error {
			var (
				goodTilBlock     sql.NullInt64
				goodTilBlockTime sql.NullTime
				height           int64
			)
			err := row.Scan(&o.ID, &o.SubaccountID, &o.ClientID, &o.ClobPairID, &o.OrderFlags, &o.Side, &o.Size,
				&o.TotalFilled, &o.Price, &o.TriggerPrice, &o.Status, &goodTilBlock, &goodTilBlockTime,
				&o.ReduceOnly, &o.ClientMetadata, &height)
			if err != nil {
				return err
			}
			if goodTilBlock.Valid {
				v := uint32(goodTilBlock.Int64)
				o.GoodTilBlock = &v
			}
			if goodTilBlockTime.Valid {
				v := goodTilBlockTime.Time
				o.GoodTilBlockTime = &v
			}
			o.UpdatedAtHeight = uint64(height)
			return nil
		}, id)
	return o, ok, err
}

func (t *Tx) InsertFill(ctx context.Context, f store.Fill) error {
	return t.exec(ctx, "InsertFill", `
		INSERT INTO fills (id, subaccount_id, side, liquidity, type, clob_pair_id, order_id, size, price,
			quote_amount, fee, event_id, transaction_hash, created_at, created_at_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) ON CONFLICT (id) DO NOTHING`,
		f.ID, f.SubaccountID, f.Side, f.Liquidity, f.Type, int64(f.ClobPairID), nullString(f.OrderID), f.Size,
		f.Price, f.QuoteAmount, f.Fee, f.EventID, f.TransactionHash, f.CreatedAt.UTC(), int64(f.CreatedAtHeight))
}

func (t *Tx) InsertFundingIndexUpdate(ctx context.Context, f store.FundingIndexUpdate) error {
	return t.exec(ctx, "InsertFundingIndexUpdate", `
		INSERT INTO funding_index_updates (id, perpetual_id, event_id, rate, oracle_price, funding_index,
			effective_at, effective_at_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		f.ID, int64(f.PerpetualID), f.EventID, f.Rate, f.OraclePrice, f.FundingIndex, f.EffectiveAt.UTC(),
		int64(f.EffectiveAtHeight))
}

func (t *Tx) UpsertAffiliateReferral(ctx context.Context, r store.AffiliateReferral) error {
	return t.exec(ctx, "UpsertAffiliateReferral", `
		INSERT INTO affiliate_referred_users (referee_address, affiliate_address, referred_at_block)
		VALUES ($1, $2, $3) ON CONFLICT (referee_address) DO NOTHING`,
		r.RefereeAddress, r.AffiliateAddress, int64(r.ReferredAtHeight))
}

func (t *Tx) UpsertVault(ctx context.Context, v store.Vault) error {
	return t.exec(ctx, "UpsertVault", `
		INSERT INTO vaults (address, clob_pair_id, status, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE SET clob_pair_id = EXCLUDED.clob_pair_id, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		v.Address, int64(v.ClobPairID), v.Status, v.UpdatedAt.UTC())
}

func (t *Tx) InsertYieldParams(ctx context.Context, y store.YieldParams) error {
	return t.exec(ctx, "InsertYieldParams", `
		INSERT INTO yield_params (id, sdai_price, asset_yield_index, created_at, created_at_height)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		y.ID, y.SDAIPrice, y.AssetYieldIndex, y.CreatedAt.UTC(), int64(y.CreatedAtHeight))
}

func (t *Tx) InsertOutbox(ctx context.Context, records []store.OutboxRecord) error {
	for _, r := range records {
		err := t.exec(ctx, "InsertOutbox", `
			INSERT INTO outbox (id, block_height, seq, channel, partition_key, payload, schema_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			r.ID, int64(r.Height), r.Seq, r.Channel, r.PartitionKey, r.Payload, r.SchemaVersion)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return classifyTx("commit", err)
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("rollback", err)
	}
	return nil
}
