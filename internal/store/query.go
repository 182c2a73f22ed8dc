package store

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/decoder"
)

const blockColumns = `height, hash, timestamp, bitcoin_block_height, previous_block_hash, transaction_count, block_size_bytes`

func scanBlock(row pgx.Row) (*BlockRow, error) {
	var (
		b      BlockRow
		height int64
	)
	err := row.Scan(&height, &b.Hash, &b.Timestamp, &b.BitcoinBlockHeight,
		&b.PreviousBlockHash, &b.TransactionCount, &b.BlockSizeBytes)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound
	}
	if err != nil {
		return nil, apperr.StdErr("scan block", err)
	}
	b.Height = uint64(height)
	return &b, nil
}

// BlockByHeight returns the block at height, or apperr.NotFound.
func (s *Store) BlockByHeight(ctx context.Context, height uint64) (*BlockRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE height = $1`, int64(height)))
}

// BlockByHash returns the block with hash, or apperr.NotFound.
func (s *Store) BlockByHash(ctx context.Context, hash string) (*BlockRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE hash = $1`, hash))
}

// Blocks lists blocks newest-first with offset/limit.
func (s *Store) Blocks(ctx context.Context, offset, limit int) ([]*BlockRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM blocks ORDER BY height DESC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, apperr.StdErr("list blocks", err)
	}
	defer rows.Close()
	var out []*BlockRow
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const txColumns = `txid, block_height, data, status, bitcoin_txids, logs, created_at, compute_units_consumed`

func scanTx(row pgx.Row) (*TransactionRow, error) {
	var (
		t      TransactionRow
		height int64
	)
	err := row.Scan(&t.TxID, &height, &t.Data, &t.Status, &t.BitcoinTxIDs,
		&t.Logs, &t.CreatedAt, &t.ComputeUnitsConsumed)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound
	}
	if err != nil {
		return nil, apperr.StdErr("scan transaction", err)
	}
	t.BlockHeight = uint64(height)
	return &t, nil
}

func (s *Store) queryTxs(ctx context.Context, sql string, args ...any) ([]*TransactionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.StdErr("query transactions", err)
	}
	defer rows.Close()
	var out []*TransactionRow
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransactionByID returns the transaction with txid, or apperr.NotFound.
func (s *Store) TransactionByID(ctx context.Context, txid string) (*TransactionRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanTx(s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE txid = $1`, txid))
}

// TransactionsByBlock lists a block's transactions in creation order.
func (s *Store) TransactionsByBlock(ctx context.Context, height uint64) ([]*TransactionRow, error) {
	return s.queryTxs(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE block_height = $1 ORDER BY created_at`, int64(height))
}

// TransactionsByProgram lists recent transactions linked to programID
// (hex or base58).
func (s *Store) TransactionsByProgram(ctx context.Context, programID string, limit int) ([]*TransactionRow, error) {
	hexID, ok := decoder.ResolveKeyHex(programID)
	if !ok {
		return nil, apperr.Protocolf("unparseable program id %q", programID)
	}
	return s.queryTxs(ctx, `
		SELECT `+txColumns+` FROM transactions t
		JOIN transaction_programs tp ON tp.txid = t.txid
		WHERE tp.program_id = $1
		ORDER BY t.block_height DESC LIMIT $2`, hexID, limit)
}

// TransactionsByAddress lists recent transactions an address
// participated in.
func (s *Store) TransactionsByAddress(ctx context.Context, address string, limit int) ([]*TransactionRow, error) {
	hexAddr, ok := decoder.ResolveKeyHex(address)
	if !ok {
		return nil, apperr.Protocolf("unparseable address %q", address)
	}
	return s.queryTxs(ctx, `
		SELECT `+txColumns+` FROM transactions t
		JOIN account_participation ap ON ap.txid = t.txid
		WHERE ap.address_hex = $1
		ORDER BY t.block_height DESC LIMIT $2`, hexAddr, limit)
}

// ProgramByID resolves programID (hex or base58) and returns its row
// with the display-name fallback applied.
func (s *Store) ProgramByID(ctx context.Context, programID string) (*ProgramRow, error) {
	hexID, ok := decoder.ResolveKeyHex(programID)
	if !ok {
		return nil, apperr.Protocolf("unparseable program id %q", programID)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var p ProgramRow
	err := s.pool.QueryRow(ctx, `
		SELECT program_id, first_seen_at, last_seen_at, transaction_count
		FROM programs WHERE program_id = $1`, hexID).
		Scan(&p.ProgramID, &p.FirstSeenAt, &p.LastSeenAt, &p.TransactionCount)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound
	}
	if err != nil {
		return nil, apperr.StdErr("query program", err)
	}
	if label, ok := decoder.DisplayName(p.ProgramID); ok {
		p.DisplayName = label
	} else {
		p.DisplayName = decoder.HexToBase58(p.ProgramID)
	}
	return &p, nil
}

// Programs lists programs by transaction count, display names filled
// for well-known ids.
func (s *Store) Programs(ctx context.Context, limit int) ([]*ProgramRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT program_id, first_seen_at, last_seen_at, transaction_count
		FROM programs ORDER BY transaction_count DESC LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.StdErr("list programs", err)
	}
	defer rows.Close()
	var out []*ProgramRow
	for rows.Next() {
		var p ProgramRow
		if err = rows.Scan(&p.ProgramID, &p.FirstSeenAt, &p.LastSeenAt, &p.TransactionCount); err != nil {
			return nil, apperr.StdErr("scan program", err)
		}
		if label, ok := decoder.DisplayName(p.ProgramID); ok {
			p.DisplayName = label
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// MissingHeights lists contiguous gaps in [from, to] where no block
// row exists.
func (s *Store) MissingHeights(ctx context.Context, from, to uint64) ([]HeightRange, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		WITH present AS (
			SELECT height FROM blocks WHERE height BETWEEN $1 AND $2
		),
		gaps AS (
			SELECT s.h
			FROM generate_series($1::bigint, $2::bigint) AS s(h)
			LEFT JOIN present p ON p.height = s.h
			WHERE p.height IS NULL
		),
		runs AS (
			SELECT h, h - row_number() OVER (ORDER BY h) AS grp FROM gaps
		)
		SELECT min(h), max(h) FROM runs GROUP BY grp ORDER BY min(h)`,
		int64(from), int64(to))
	if err != nil {
		return nil, apperr.StdErr("query missing heights", err)
	}
	defer rows.Close()
	var out []HeightRange
	for rows.Next() {
		var lo, hi int64
		if err = rows.Scan(&lo, &hi); err != nil {
			return nil, apperr.StdErr("scan missing range", err)
		}
		out = append(out, HeightRange{From: uint64(lo), To: uint64(hi)})
	}
	return out, rows.Err()
}

// Search resolves a free-form query to a block (by height or hash) or
// a transaction (by txid). Kind is "none" when nothing matches.
func (s *Store) Search(ctx context.Context, query string) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &SearchResult{Kind: "none"}, nil
	}
	if height, err := strconv.ParseUint(query, 10, 64); err == nil {
		if b, err := s.BlockByHeight(ctx, height); err == nil {
			return &SearchResult{Kind: "block", Block: b}, nil
		} else if err != apperr.NotFound {
			return nil, err
		}
	}
	if b, err := s.BlockByHash(ctx, query); err == nil {
		return &SearchResult{Kind: "block", Block: b}, nil
	} else if err != apperr.NotFound {
		return nil, err
	}
	if t, err := s.TransactionByID(ctx, query); err == nil {
		return &SearchResult{Kind: "transaction", Transaction: t}, nil
	} else if err != apperr.NotFound {
		return nil, err
	}
	return &SearchResult{Kind: "none"}, nil
}

// BlockActivity returns the authoritative per-height tx count and
// program counts from the persisted tables, for the aggregator's
// finalization snapshot.
func (s *Store) BlockActivity(ctx context.Context, height uint64) (txCount int64, programCounts map[string]int64, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE block_height = $1`, int64(height)).Scan(&txCount)
	if err != nil {
		return 0, nil, apperr.StdErr("count block txs", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tp.program_id, count(*)
		FROM transaction_programs tp
		JOIN transactions t ON t.txid = tp.txid
		WHERE t.block_height = $1
		GROUP BY tp.program_id`, int64(height))
	if err != nil {
		return 0, nil, apperr.StdErr("count block programs", err)
	}
	defer rows.Close()
	programCounts = make(map[string]int64)
	for rows.Next() {
		var (
			id string
			n  int64
		)
		if err = rows.Scan(&id, &n); err != nil {
			return 0, nil, apperr.StdErr("scan program count", err)
		}
		programCounts[id] = n
	}
	return txCount, programCounts, rows.Err()
}
