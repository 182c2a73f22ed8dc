package decoder

// MemoProgramIDHex is the canonical id for the Memo program, which
// follows the same '1'-padded ASCII-label convention as the other
// well-known program ids.
var MemoProgramIDHex = asciiPad("Memo")

var (
	systemProgramIDHex        = FromAsciiLabel(LabelSystem)
	computeBudgetProgramIDHex = FromAsciiLabel(LabelComputeBudget)
	bpfLoaderProgramIDHex     = FromAsciiLabel(LabelBpfLoader)
	tokenProgramIDHex         = FromAsciiLabel(LabelAplToken)
	ataProgramIDHex           = FromAsciiLabel(LabelAssociatedTokenAccount)
)

// dispatch tag-dispatches one instruction's decoded program id + raw
// data + resolved account hexes to the matching per-program decoder.
// matched=false means "no action produced"; the caller still records
// the program id link; a decode that fails a length precondition is
// silently skipped.
func dispatch(programIDHex string, data []byte, accounts []string) (InstructionAction, []TokenDelta, bool) {
	switch programIDHex {
	case systemProgramIDHex:
		a, ok := decodeSystem(data, accounts)
		return a, nil, ok
	case computeBudgetProgramIDHex:
		a, ok := decodeComputeBudget(data, accounts)
		return a, nil, ok
	case bpfLoaderProgramIDHex:
		a, ok := decodeBpfLoader(data, accounts)
		return a, nil, ok
	case tokenProgramIDHex:
		return decodeToken(data, accounts, programIDHex)
	case ataProgramIDHex:
		a, ok := decodeAssociatedTokenAccount(data, accounts)
		return a, nil, ok
	case MemoProgramIDHex:
		a, ok := decodeMemo(data)
		return a, nil, ok
	default:
		return InstructionAction{}, nil, false
	}
}
