// Package store is the persistence layer: a pgx-backed relational
// store with an idempotent bootstrap schema, a parameterized-batch
// write path, an opt-in binary COPY bulk path, and the read queries
// the API surface is built on.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/decoder"
)

// Store wraps the shared connection pool. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	// UseCopyBulk switches PersistBatch to the COPY fast path.
	UseCopyBulk bool
}

// Options tunes pool sizing and write-path selection.
type Options struct {
	MinConns    int32
	MaxConns    int32
	UseCopyBulk bool
}

// Open connects the pool and applies the idempotent bootstrap schema.
func Open(ctx context.Context, databaseURL string, opts Options, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, apperr.Fatalf("parse database url: %v", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Fatalf("connect database: %v", err)
	}
	s := &Store{pool: pool, log: log.With().Str("component", "store").Logger(), UseCopyBulk: opts.UseCopyBulk}
	if err = s.Bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// bootstrapDDL is the minimal base schema plus the indexes the
// read contracts require. Every statement is idempotent.
var bootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		height BIGINT PRIMARY KEY,
		hash TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		bitcoin_block_height BIGINT,
		previous_block_hash TEXT,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		block_size_bytes BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS blocks_hash_idx ON blocks (hash)`,
	`CREATE INDEX IF NOT EXISTS blocks_timestamp_idx ON blocks (timestamp)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		txid TEXT PRIMARY KEY,
		block_height BIGINT NOT NULL DEFAULT 0,
		data JSONB NOT NULL,
		status JSONB,
		bitcoin_txids TEXT[],
		logs TEXT[],
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		compute_units_consumed BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_block_height_idx ON transactions (block_height)`,

	`CREATE TABLE IF NOT EXISTS programs (
		program_id TEXT PRIMARY KEY,
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		transaction_count BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS transaction_programs (
		txid TEXT NOT NULL,
		program_id TEXT NOT NULL,
		PRIMARY KEY (txid, program_id)
	)`,
	`CREATE INDEX IF NOT EXISTS transaction_programs_program_id_idx ON transaction_programs (program_id)`,

	`CREATE TABLE IF NOT EXISTS account_participation (
		address_hex TEXT NOT NULL,
		txid TEXT NOT NULL,
		block_height BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (address_hex, txid)
	)`,
	`CREATE INDEX IF NOT EXISTS account_participation_txid_idx ON account_participation (txid)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		pubkey TEXT PRIMARY KEY,
		lamports BIGINT NOT NULL DEFAULT 0,
		owner TEXT,
		data BYTEA,
		height BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_owner_idx ON accounts (owner)`,
	`CREATE INDEX IF NOT EXISTS accounts_height_idx ON accounts (height)`,

	`CREATE TABLE IF NOT EXISTS token_mints (
		mint_address TEXT PRIMARY KEY,
		program_id TEXT,
		decimals SMALLINT,
		supply NUMERIC,
		is_frozen BOOLEAN,
		mint_authority TEXT,
		freeze_authority TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS token_accounts (
		token_account TEXT PRIMARY KEY,
		mint_address TEXT NOT NULL DEFAULT '',
		owner TEXT,
		program_id TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS token_balances (
		account_address TEXT NOT NULL,
		mint_address TEXT NOT NULL,
		balance NUMERIC NOT NULL DEFAULT 0,
		decimals SMALLINT,
		owner_address TEXT,
		program_id TEXT,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account_address, mint_address)
	)`,

	`CREATE TABLE IF NOT EXISTS mempool_transactions (
		txid TEXT PRIMARY KEY,
		fee_priority BIGINT,
		size_bytes BIGINT,
		added_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// resetDDL drops everything bootstrapDDL creates, in dependency order.
var resetDDL = []string{
	`DROP TABLE IF EXISTS mempool_transactions CASCADE`,
	`DROP TABLE IF EXISTS token_balances CASCADE`,
	`DROP TABLE IF EXISTS token_accounts CASCADE`,
	`DROP TABLE IF EXISTS token_mints CASCADE`,
	`DROP TABLE IF EXISTS accounts CASCADE`,
	`DROP TABLE IF EXISTS account_participation CASCADE`,
	`DROP TABLE IF EXISTS transaction_programs CASCADE`,
	`DROP TABLE IF EXISTS programs CASCADE`,
	`DROP TABLE IF EXISTS transactions CASCADE`,
	`DROP TABLE IF EXISTS blocks CASCADE`,
}

// Bootstrap applies the base schema. Safe to run on every start.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range bootstrapDDL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return apperr.Fatalf("schema bootstrap: %v", err)
		}
	}
	return nil
}

// Reset drops every known table and reapplies the bootstrap schema.
// Guarded by RESET_DB/RESET_AND_EXIT upstream.
func (s *Store) Reset(ctx context.Context) error {
	s.log.Warn().Msg("administrative reset: dropping all tables")
	for _, stmt := range resetDDL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return apperr.Fatalf("reset: %v", err)
		}
	}
	return s.Bootstrap(ctx)
}

// ApplyTimestampTZFix converts legacy naive timestamp columns to
// timestamptz. One-shot and idempotent: a column that is already
// timestamptz is left untouched.
func (s *Store) ApplyTimestampTZFix(ctx context.Context) error {
	stmts := []string{
		`ALTER TABLE blocks ALTER COLUMN timestamp TYPE TIMESTAMPTZ USING timestamp AT TIME ZONE 'UTC'`,
		`ALTER TABLE transactions ALTER COLUMN created_at TYPE TIMESTAMPTZ USING created_at AT TIME ZONE 'UTC'`,
	}
	columns := [][2]string{{"blocks", "timestamp"}, {"transactions", "created_at"}}
	for i, stmt := range stmts {
		var dataType string
		err := s.pool.QueryRow(ctx, `SELECT data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`,
			columns[i][0], columns[i][1]).Scan(&dataType)
		if err != nil {
			return apperr.StdErr("apply timestamptz fix", err)
		}
		if dataType == "timestamp with time zone" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return apperr.StdErr("apply timestamptz fix", err)
		}
	}
	s.log.Info().Msg("timestamptz fix applied")
	return nil
}

// SeedBuiltinPrograms upserts the configured well-known program ids
// (base58 or hex) so they resolve before first observation.
func (s *Store) SeedBuiltinPrograms(ctx context.Context, ids []string) error {
	for _, id := range ids {
		hexID, ok := decoder.ResolveKeyHex(id)
		if !ok {
			s.log.Warn().Str("program", id).Msg("unparseable builtin program id, skipping")
			continue
		}
		_, err := s.pool.Exec(ctx,
			`INSERT INTO programs (program_id) VALUES ($1) ON CONFLICT (program_id) DO NOTHING`, hexID)
		if err != nil {
			return apperr.StdErr("seed builtin program", err)
		}
	}
	return nil
}

// MaxHeight returns the highest persisted block height; ok is false on
// an empty database.
func (s *Store) MaxHeight(ctx context.Context) (uint64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var height *int64
	err := s.pool.QueryRow(ctx, `SELECT max(height) FROM blocks`).Scan(&height)
	if err != nil {
		return 0, false, apperr.StdErr("query max height", err)
	}
	if height == nil {
		return 0, false, nil
	}
	return uint64(*height), true, nil
}

// queryTimeout guards every read statement against a stuck backend.
const queryTimeout = 10 * time.Second

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}
