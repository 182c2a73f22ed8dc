package store

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasindexer/atlas/internal/decoder"
)

func TestBootstrapDDLCoversAllEntities(t *testing.T) {
	ddl := strings.Join(bootstrapDDL, "\n")
	for _, table := range []string{
		"blocks", "transactions", "programs", "transaction_programs",
		"account_participation", "accounts", "token_mints",
		"token_accounts", "token_balances", "mempool_transactions",
	} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table+" ", table)
	}
	// Indexes the read contracts require.
	for _, index := range []string{
		"transactions (block_height)",
		"blocks (timestamp)",
		"transaction_programs (program_id)",
		"accounts (owner)",
		"accounts (height)",
	} {
		assert.Contains(t, ddl, index)
	}
}

func TestResetDropsEverythingBootstrapCreates(t *testing.T) {
	for _, stmt := range resetDDL {
		assert.Contains(t, stmt, "DROP TABLE IF EXISTS")
	}
	assert.Len(t, resetDDL, 10)
}

func TestDecimalsArg(t *testing.T) {
	assert.Nil(t, decimalsArg(nil))
	d := uint8(9)
	got := decimalsArg(&d)
	require.NotNil(t, got)
	assert.Equal(t, int16(9), *got)
}

func TestNullableJSON(t *testing.T) {
	assert.Nil(t, nullableJSON(nil))
	assert.Nil(t, nullableJSON([]byte{}))
	assert.Equal(t, any([]byte(`{}`)), nullableJSON([]byte(`{}`)))
}

func hexKey(seed byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed
	}
	return hex.EncodeToString(b)
}

// tokenTx builds a transaction document with one Token instruction.
func tokenTx(t *testing.T, data []byte, accountSeeds []byte) *TransactionRow {
	t.Helper()
	programKey := make([]int, 32)
	raw, err := hex.DecodeString(decoder.FromAsciiLabel(decoder.LabelAplToken))
	require.NoError(t, err)
	for i, c := range raw {
		programKey[i] = int(c)
	}
	keys := []any{programKey}
	indexes := make([]int, 0, len(accountSeeds))
	for i, seed := range accountSeeds {
		key := make([]int, 32)
		for j := range key {
			key[j] = int(seed)
		}
		keys = append(keys, key)
		indexes = append(indexes, i+1)
	}
	dataInts := make([]int, len(data))
	for i, b := range data {
		dataInts[i] = int(b)
	}
	doc := map[string]any{
		"message": map[string]any{
			"account_keys": keys,
			"instructions": []any{map[string]any{
				"program_id_index": 0,
				"accounts":         indexes,
				"data":             dataInts,
			}},
		},
	}
	rawDoc, err := json.Marshal(doc)
	require.NoError(t, err)
	return &TransactionRow{Data: rawDoc}
}

func transferChecked(t *testing.T, amount uint64, decimals byte, src, mint, dst byte) *TransactionRow {
	data := make([]byte, 10)
	data[0] = 12
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	data[9] = decimals
	return tokenTx(t, data, []byte{src, mint, dst, 0x99})
}

func mintTo(t *testing.T, amount uint64, mint, dst byte) *TransactionRow {
	data := make([]byte, 9)
	data[0] = 7
	for i := 0; i < 8; i++ {
		data[1+i] = byte(amount >> (8 * i))
	}
	return tokenTx(t, data, []byte{mint, dst})
}

func TestAccumulateTokenBalances(t *testing.T) {
	holder := hexKey(0x01)
	// Newest-first, as TransactionsByAddress returns: the mint of 500
	// happened first, then a transfer of 200 out.
	txs := []*TransactionRow{
		transferChecked(t, 200, 6, 0x01, 0x0a, 0x02),
		mintTo(t, 500, 0x0a, 0x01),
	}
	rows := accumulateTokenBalances(holder, txs)
	require.Len(t, rows, 1)
	assert.Equal(t, "300", rows[0].Balance)
	require.NotNil(t, rows[0].Decimals)
	assert.Equal(t, uint8(6), *rows[0].Decimals)
}

func TestAccumulateClampsDebitsAtZero(t *testing.T) {
	holder := hexKey(0x01)
	txs := []*TransactionRow{
		transferChecked(t, 1000, 6, 0x01, 0x0a, 0x02), // newest: debit 1000
		mintTo(t, 100, 0x0a, 0x01),                    // oldest: credit 100
	}
	rows := accumulateTokenBalances(holder, txs)
	require.Len(t, rows, 1)
	assert.Equal(t, "0", rows[0].Balance)
}

func TestAccumulateResolvesMintForUncheckedTransfer(t *testing.T) {
	holder := hexKey(0x01)
	// tag=3 unchecked transfer discloses no mint; the earlier checked
	// transfer taught the accumulator the source's mint.
	unchecked := make([]byte, 9)
	unchecked[0] = 3
	unchecked[1] = 50
	txs := []*TransactionRow{
		tokenTx(t, unchecked, []byte{0x01, 0x02, 0x99}), // newest: 50 out
		transferChecked(t, 200, 6, 0x03, 0x0a, 0x01),    // oldest: 200 in
	}
	rows := accumulateTokenBalances(holder, txs)
	require.Len(t, rows, 1)
	assert.Equal(t, hexKey(0x0a), rows[0].MintAddress)
	assert.Equal(t, "150", rows[0].Balance)
}

func TestAccumulateIgnoresOtherAccounts(t *testing.T) {
	rows := accumulateTokenBalances(hexKey(0x42), []*TransactionRow{
		mintTo(t, 500, 0x0a, 0x01),
	})
	assert.Empty(t, rows)
}
