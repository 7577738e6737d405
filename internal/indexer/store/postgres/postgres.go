// Package postgres provides the PostgreSQL-backed store for the indexer.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/adlio/schema"
	"github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

//go:embed schema.sql
var schemaSQL string

// SchemaMigrations is the ordered list of migrations applied by Migrate.
func SchemaMigrations() []*schema.Migration {
	return []*schema.Migration{
		{ID: "2024-05-01 initial indexer tables", Script: schemaSQL},
	}
}

// Migrate applies every pending migration. Applied migrations are tracked in
// adlio/schema's bookkeeping table so reruns are no-ops.
func Migrate(db *sql.DB) error {
	if err := schema.NewMigrator().Apply(db, SchemaMigrations()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	// Migrate applies the embedded schema on open.
	Migrate bool
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store implements store.Store on top of database/sql.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and optionally migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if cfg.Migrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing handle. The caller keeps ownership of migrations.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify("begin", err)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) LatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	var height sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(block_height) FROM blocks`).Scan(&height)
	if err != nil {
		return 0, false, classify("latest block height", err)
	}
	if !height.Valid {
		return 0, false, nil
	}
	return uint64(height.Int64), true, nil
}

func (s *Store) PendingOutbox(ctx context.Context, maxHeight uint64) ([]store.OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, block_height, seq, channel, partition_key, payload, schema_version
		FROM outbox
		WHERE published_at IS NULL AND block_height <= $1
		ORDER BY block_height, seq
	`, int64(maxHeight))
	if err != nil {
		return nil, classify("pending outbox", err)
	}
	defer rows.Close()

	var out []store.OutboxRecord
	for rows.Next() {
		var (
			r      store.OutboxRecord
			height int64
		)
		if err := rows.Scan(&r.ID, &height, &r.Seq, &r.Channel, &r.PartitionKey, &r.Payload, &r.SchemaVersion); err != nil {
			return nil, classify("pending outbox", err)
		}
		r.Height = uint64(height)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("pending outbox", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = ANY($2) AND published_at IS NULL`,
		at.UTC(), pq.Array(ids))
	if err != nil {
		return classify("mark outbox published", err)
	}
	return nil
}

func (s *Store) PerpetualMarkets(ctx context.Context) ([]store.PerpetualMarket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, clob_pair_id, ticker, market_id, status, quantum_conversion_exponent,
		       atomic_resolution, subticks_per_tick, step_base_quantums, liquidity_tier_id
		FROM perpetual_markets ORDER BY id
	`)
	if err != nil {
		return nil, classify("perpetual markets", err)
	}
	defer rows.Close()

	var out []store.PerpetualMarket
	for rows.Next() {
		pm, err := scanPerpetualMarket(rows)
		if err != nil {
			return nil, classify("perpetual markets", err)
		}
		out = append(out, pm)
	}
	return out, classify("perpetual markets", rows.Err())
}

func (s *Store) Assets(ctx context.Context) ([]store.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, has_market, COALESCE(market_id, 0), atomic_resolution FROM assets ORDER BY id`)
	if err != nil {
		return nil, classify("assets", err)
	}
	defer rows.Close()

	var out []store.Asset
	for rows.Next() {
		var a store.Asset
		if err := rows.Scan(&a.ID, &a.Symbol, &a.HasMarket, &a.MarketID, &a.AtomicResolution); err != nil {
			return nil, classify("assets", err)
		}
		out = append(out, a)
	}
	return out, classify("assets", rows.Err())
}

func (s *Store) Markets(ctx context.Context) ([]store.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, exponent, min_price_change_ppm, COALESCE(oracle_price, 0) FROM markets ORDER BY id`)
	if err != nil {
		return nil, classify("markets", err)
	}
	defer rows.Close()

	var out []store.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, classify("markets", err)
		}
		out = append(out, m)
	}
	return out, classify("markets", rows.Err())
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPerpetualMarket(row scanner) (store.PerpetualMarket, error) {
	var pm store.PerpetualMarket
	err := row.Scan(&pm.ID, &pm.ClobPairID, &pm.Ticker, &pm.MarketID, &pm.Status, &pm.QuantumConversionExponent,
		&pm.AtomicResolution, &pm.SubticksPerTick, &pm.StepBaseQuantums, &pm.LiquidityTierID)
	return pm, err
}

func scanMarket(row scanner) (store.Market, error) {
	var m store.Market
	err := row.Scan(&m.ID, &m.Pair, &m.Exponent, &m.MinPriceChangePpm, &m.OraclePrice)
	return m, err
}

// PostgreSQL error classes that are safe to retry.
const (
	pqClassConnection           = "08"
	pqClassResources            = "53"
	pqClassOperatorIntervention = "57"
	pqSerializationFailure      = "40001"
	pqDeadlockDetected          = "40P01"
)

// classify wraps err in a PersistenceError. Connection loss, serialization
// failures and deadlocks are transient; everything else is permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &errspkg.PersistenceError{Op: op, Transient: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == pqSerializationFailure, code == pqDeadlockDetected:
			return true
		case strings.HasPrefix(code, pqClassConnection),
			strings.HasPrefix(code, pqClassResources),
			strings.HasPrefix(code, pqClassOperatorIntervention):
			return true
		}
		return false
	}
	return false
}
