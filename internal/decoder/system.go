package decoder

import "github.com/atlasindexer/atlas/arch/pkg/encodbin"

// System program tags (4-byte little-endian tag).
const (
	sysTagCreateAccount = 0
	sysTagAssign        = 1
	sysTagTransfer      = 2
	sysTagTransferAlt   = 4
	sysTagAllocate      = 8
)

func decodeSystem(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) == 12 && len(accounts) >= 2 {
		// Fallback: a 12-byte payload with >= 2 accounts is always a
		// Transfer, regardless of what its 4-byte tag reads as.
		if fallback, ok := decodeSystemTransfer(data, accounts); ok {
			return fallback, true
		}
	}
	if len(data) < 4 {
		return InstructionAction{}, false
	}
	tag := encodbin.LE.Uint32(data[0:4])
	switch tag {
	case sysTagCreateAccount:
		return decodeSystemCreateAccount(data, accounts)
	case sysTagAssign:
		return decodeSystemAssign(data, accounts)
	case sysTagTransfer, sysTagTransferAlt:
		return decodeSystemTransfer(data, accounts)
	case sysTagAllocate:
		return decodeSystemAllocate(data, accounts)
	default:
		return InstructionAction{}, false
	}
}

func decodeSystemCreateAccount(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 4+8+8+32 || len(accounts) < 2 {
		return InstructionAction{}, false
	}
	lamports := encodbin.LE.Uint64(data[4:12])
	space := encodbin.LE.Uint64(data[12:20])
	owner := data[20:52]
	return InstructionAction{
		Kind:      "System",
		Label:     "System: CreateAccount",
		ProgramID: systemProgramIDHex,
		Fields: map[string]any{
			"lamports": lamports,
			"space":    space,
			"owner":    hexBytes(owner),
			"funder":      accounts[0],
			"new_account": accounts[1],
		},
	}, true
}

func decodeSystemAssign(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 4+32 || len(accounts) < 1 {
		return InstructionAction{}, false
	}
	owner := data[4:36]
	return InstructionAction{
		Kind:      "System",
		Label:     "System: Assign",
		ProgramID: systemProgramIDHex,
		Fields: map[string]any{
			"owner":   hexBytes(owner),
			"account": accounts[0],
		},
	}, true
}

func decodeSystemTransfer(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 12 || len(accounts) < 2 {
		return InstructionAction{}, false
	}
	lamports := encodbin.LE.Uint64(data[4:12])
	return InstructionAction{
		Kind:      "System",
		Label:     "System: Transfer",
		ProgramID: systemProgramIDHex,
		Fields: map[string]any{
			"lamports":    lamports,
			"source":      accounts[0],
			"destination": accounts[1],
		},
	}, true
}

func decodeSystemAllocate(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 12 || len(accounts) < 1 {
		return InstructionAction{}, false
	}
	space := encodbin.LE.Uint64(data[4:12])
	return InstructionAction{
		Kind:      "System",
		Label:     "System: Allocate",
		ProgramID: systemProgramIDHex,
		Fields: map[string]any{
			"space":   space,
			"account": accounts[0],
		},
	}, true
}

// EncodeSystemTransfer re-encodes a decoded System:Transfer to its
// on-wire 12-byte payload (4-byte tag=2 || u64 LE lamports).
func EncodeSystemTransfer(lamports uint64) []byte {
	buf := make([]byte, 12)
	encodbin.LE.PutUint32(buf[0:4], sysTagTransfer)
	encodbin.LE.PutUint64(buf[4:12], lamports)
	return buf
}

func hexBytes(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
