package archnode

import (
	"encoding/json"

	"github.com/atlasindexer/atlas/internal/decoder"
)

// BlockRecord is the decoded result of get_block. The node's JSON is
// tolerant of several byte encodings; every bytes-ish field is
// normalized to lowercase hex during unmarshal.
type BlockRecord struct {
	Height             uint64
	TimestampUS        int64
	BitcoinBlockHeight *uint64
	PreviousBlockHash  string
	Transactions       []string
}

// blockRecordJSON mirrors the wire shape before normalization.
type blockRecordJSON struct {
	Height             *uint64 `json:"height"`
	BlockHeight        *uint64 `json:"block_height"`
	Timestamp          int64   `json:"timestamp"`
	BitcoinBlockHeight *uint64 `json:"bitcoin_block_height"`
	PreviousBlockHash  any     `json:"previous_block_hash"`
	Transactions       []any   `json:"transactions"`
}

// UnmarshalJSON normalizes previous_block_hash (raw byte array on the
// wire) and transactions[] elements (txid strings or numeric byte
// arrays) to hex.
func (b *BlockRecord) UnmarshalJSON(input []byte) error {
	var raw blockRecordJSON
	if err := json.Unmarshal(input, &raw); err != nil {
		return err
	}
	switch {
	case raw.Height != nil:
		b.Height = *raw.Height
	case raw.BlockHeight != nil:
		b.Height = *raw.BlockHeight
	}
	b.TimestampUS = raw.Timestamp
	b.BitcoinBlockHeight = raw.BitcoinBlockHeight
	if raw.PreviousBlockHash != nil {
		if hexHash, ok := decoder.ResolveKeyHex(raw.PreviousBlockHash); ok {
			b.PreviousBlockHash = hexHash
		}
	}
	b.Transactions = make([]string, 0, len(raw.Transactions))
	for _, tx := range raw.Transactions {
		if txid, ok := decoder.ResolveKeyHex(tx); ok {
			b.Transactions = append(b.Transactions, txid)
		}
	}
	return nil
}

// ProcessedTx is the decoded result of get_processed_transaction. The
// runtime transaction, status and account tags stay opaque JSON; only
// bitcoin_txids is normalized.
type ProcessedTx struct {
	RuntimeTransaction json.RawMessage
	Status             json.RawMessage
	BitcoinTxIDs       []string
	AccountsTags       []json.RawMessage
}

type processedTxJSON struct {
	RuntimeTransaction json.RawMessage   `json:"runtime_transaction"`
	Status             json.RawMessage   `json:"status"`
	BitcoinTxIDs       []any             `json:"bitcoin_txids"`
	AccountsTags       []json.RawMessage `json:"accounts_tags"`
}

func (p *ProcessedTx) UnmarshalJSON(input []byte) error {
	var raw processedTxJSON
	if err := json.Unmarshal(input, &raw); err != nil {
		return err
	}
	p.RuntimeTransaction = raw.RuntimeTransaction
	p.Status = raw.Status
	p.AccountsTags = raw.AccountsTags
	p.BitcoinTxIDs = make([]string, 0, len(raw.BitcoinTxIDs))
	for _, txid := range raw.BitcoinTxIDs {
		if s, ok := txid.(string); ok {
			p.BitcoinTxIDs = append(p.BitcoinTxIDs, s)
			continue
		}
		if hexID, ok := decoder.ResolveKeyHex(txid); ok {
			p.BitcoinTxIDs = append(p.BitcoinTxIDs, hexID)
		}
	}
	return nil
}
