package decoder

import "encoding/json"

// shortVecLen returns the byte length of the LEB128-like short-vec
// prefix for a count: 7 bits per byte, high bit as continuation.
func shortVecLen(n int) int {
	size := 1
	for n >= 0x80 {
		n >>= 7
		size++
	}
	return size
}

// EstimateWireSize estimates the on-wire byte size of a transaction
// from its JSON document: short-vec prefixed signatures, account keys
// and instructions, 64-byte signatures, 32-byte keys and blockhash,
// and each instruction's program index, account index list and data.
// Returns 0 for documents that don't parse.
func EstimateWireSize(rawData []byte) int {
	var td txData
	if err := json.Unmarshal(rawData, &td); err != nil {
		return 0
	}
	size := shortVecLen(len(td.Signatures)) + 64*len(td.Signatures)
	size += shortVecLen(len(td.Message.AccountKeys)) + 32*len(td.Message.AccountKeys)
	size += 32 // recent_blockhash

	instrs := td.Message.Instructions
	if len(instrs) == 0 {
		instrs = td.Message.CompiledInstructions
	}
	size += shortVecLen(len(instrs))
	for _, ci := range instrs {
		size++ // program_id_index
		size += shortVecLen(len(ci.Accounts)) + len(ci.Accounts)
		data, _ := toBytes(ci.Data)
		size += shortVecLen(len(data)) + len(data)
	}
	return size
}
