package decoder

import (
	"encoding/base64"
	"encoding/json"

	"github.com/atlasindexer/atlas/arch/library"
)

// InstructionAction is the decoded-instruction sum: System,
// ComputeBudget, BpfLoader, Token, AssociatedTokenAccount, Memo. Kind
// names the variant, Label is the human string persisted alongside the
// structured Fields (e.g. "System: Transfer").
type InstructionAction struct {
	Kind      string
	Label     string
	ProgramID string
	Fields    map[string]any
}

// TokenDelta is one incremental token-balance mutation produced while
// decoding a single instruction.
type TokenDelta struct {
	Account  string // hex account address
	Mint     string // hex mint address, "" if not yet resolvable
	Delta    int64  // positive = credit, negative = debit (pre-clamp)
	Decimals *uint8 // set when the instruction discloses decimals
	Owner    string // hex owner, if disclosed
	ProgramID string
}

// Result is everything the ingestion pipeline needs from one decoded
// transaction.
type Result struct {
	ProgramIDs    []string // hex, deduplicated
	Actions       []InstructionAction
	TokenDeltas   []TokenDelta
	Participation []string // hex addresses: every account_key + every instruction account
}

type compiledInstruction struct {
	ProgramID      any   `json:"program_id"`
	ProgramIDIndex *int  `json:"program_id_index"`
	Accounts       []any `json:"accounts"`
	Data           any   `json:"data"`
}

type txMessage struct {
	AccountKeys          []any                  `json:"account_keys"`
	Instructions         []compiledInstruction  `json:"instructions"`
	CompiledInstructions []compiledInstruction  `json:"compiled_instructions"`
	RecentBlockhash      any                    `json:"recent_blockhash"`
}

type txData struct {
	Message    txMessage `json:"message"`
	Signatures []any     `json:"signatures"`
}

// Decode parses a transaction's opaque `data` document and returns the
// decoded program ids, instruction actions, token deltas, and account
// participation. It never returns an error for malformed/partial
// transactions: a transaction whose `message.instructions` is missing
// persists with no links and no participation instead of aborting
// ingestion.
func Decode(rawData []byte) Result {
	var td txData
	if err := json.Unmarshal(rawData, &td); err != nil {
		return Result{}
	}
	return decodeMessage(td.Message)
}

func decodeMessage(msg txMessage) Result {
	var res Result

	keys, ok := resolveAccountKeys(msg.AccountKeys)
	if !ok || len(keys) == 0 {
		return res
	}

	instrs := msg.Instructions
	if len(instrs) == 0 {
		instrs = msg.CompiledInstructions
	}
	if len(instrs) == 0 {
		// No instructions: the transaction persists with data and
		// status only, with no links and no participation.
		return res
	}
	for _, k := range keys {
		res.Participation = library.UniqueAppend(res.Participation, k)
	}

	for _, ci := range instrs {
		programIDHex, ok := resolveProgramID(ci, keys)
		if !ok {
			continue
		}
		res.ProgramIDs = library.UniqueAppend(res.ProgramIDs, programIDHex)

		accountHexes := resolveInstructionAccounts(ci.Accounts, keys)
		for _, a := range accountHexes {
			res.Participation = library.UniqueAppend(res.Participation, a)
		}

		data, _ := toBytes(ci.Data)

		action, deltas, matched := dispatch(programIDHex, data, accountHexes)
		if matched {
			res.Actions = append(res.Actions, action)
			res.TokenDeltas = append(res.TokenDeltas, deltas...)
		}
	}
	return res
}

func resolveAccountKeys(raw []any) ([]string, bool) {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		hexKey, ok := ResolveKeyHex(v)
		if !ok {
			return nil, false
		}
		out = append(out, hexKey)
	}
	return out, true
}

func resolveProgramID(ci compiledInstruction, keys []string) (string, bool) {
	if ci.ProgramID != nil {
		return ResolveKeyHex(ci.ProgramID)
	}
	if ci.ProgramIDIndex != nil {
		idx := *ci.ProgramIDIndex
		if idx < 0 || idx >= len(keys) {
			return "", false
		}
		return keys[idx], true
	}
	return "", false
}

func resolveInstructionAccounts(raw []any, keys []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		idx, ok := toIndex(v)
		if ok && idx >= 0 && idx < len(keys) {
			out = append(out, keys[idx])
			continue
		}
		if hexKey, ok := ResolveKeyHex(v); ok {
			out = append(out, hexKey)
		}
	}
	return out
}

func toIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// toBytes resolves an instruction's `data` field, which may arrive as a
// JSON array of byte values, a hex string, or a base64 string.
func toBytes(v any) ([]byte, bool) {
	switch val := v.(type) {
	case []interface{}:
		out := make([]byte, 0, len(val))
		for _, elem := range val {
			b, ok := toByte(elem)
			if !ok {
				return nil, false
			}
			out = append(out, b)
		}
		return out, true
	case string:
		if isHexString(val) {
			b, err := hexDecode(val)
			return b, err == nil
		}
		if b, err := base64.StdEncoding.DecodeString(val); err == nil {
			return b, true
		}
		return []byte(val), true
	default:
		return nil, false
	}
}
