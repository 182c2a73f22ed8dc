package store

import (
	"time"

	"github.com/atlasindexer/atlas/internal/decoder"
)

// BlockRow mirrors the blocks relation.
type BlockRow struct {
	Height             uint64
	Hash               string
	Timestamp          time.Time
	BitcoinBlockHeight *uint64
	PreviousBlockHash  *string
	TransactionCount   int
	BlockSizeBytes     int64
}

// TransactionRow mirrors the transactions relation. Data and Status
// are opaque JSON documents stored as-is.
type TransactionRow struct {
	TxID                 string
	BlockHeight          uint64
	Data                 []byte
	Status               []byte
	BitcoinTxIDs         []string
	Logs                 []string
	CreatedAt            time.Time
	ComputeUnitsConsumed *uint64
}

// TxBundle is one transaction plus everything the decoder derived from
// it. Actions hold the decoded instructions; they have no table of
// their own.
type TxBundle struct {
	Row           TransactionRow
	ProgramIDs    []string
	Participation []string
	Actions       []decoder.InstructionAction
	TokenDeltas   []decoder.TokenDelta
}

// BlockBundle is the unit of persistence: one block and its decoded
// transactions, committed atomically.
type BlockBundle struct {
	Block BlockRow
	Txs   []TxBundle
}

// AccountRow mirrors the accounts relation (latest observed state).
type AccountRow struct {
	Pubkey    string
	Lamports  int64
	Owner     string
	Data      []byte
	Height    uint64
	UpdatedAt time.Time
}

// TokenBalanceRow is one (account, mint) holding.
type TokenBalanceRow struct {
	AccountAddress string
	MintAddress    string
	Balance        string // NUMERIC, arbitrary precision
	Decimals       *uint8
	OwnerAddress   string
	ProgramID      string
	LastUpdated    time.Time
}

// MempoolTxRow mirrors the mempool_transactions relation.
type MempoolTxRow struct {
	TxID        string
	FeePriority *int64
	SizeBytes   *int64
	AddedAt     time.Time
}

// ProgramRow mirrors the programs relation.
type ProgramRow struct {
	ProgramID        string
	FirstSeenAt      time.Time
	LastSeenAt       time.Time
	TransactionCount int64
	DisplayName      string // derived, not stored
}

// AccountSummary is the accounts read-contract payload.
type AccountSummary struct {
	Address          string
	FirstSeen        *time.Time
	LastSeen         *time.Time
	TransactionCount int64
	Lamports         int64
	LamportsComputed bool // true when derived from decoded transfers
}

// HeightRange is a contiguous run of missing heights.
type HeightRange struct {
	From uint64
	To   uint64
}

// SearchResult is the typed union returned by Search.
type SearchResult struct {
	Kind        string // "block" | "transaction" | "none"
	Block       *BlockRow
	Transaction *TransactionRow
}
