package decoder

import "github.com/atlasindexer/atlas/arch/pkg/encodbin"

// Compute Budget tags (1-byte tag, remainder little-endian).
const (
	cbTagRequestHeapFrame     = 1
	cbTagSetComputeUnitLimit  = 2
	cbTagSetComputeUnitPrice  = 3
)

func decodeComputeBudget(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 1 {
		return InstructionAction{}, false
	}
	switch data[0] {
	case cbTagRequestHeapFrame:
		if len(data) < 5 {
			return InstructionAction{}, false
		}
		size := encodbin.LE.Uint32(data[1:5])
		return InstructionAction{
			Kind:      "ComputeBudget",
			Label:     "Compute Budget: RequestHeapFrame",
			ProgramID: computeBudgetProgramIDHex,
			Fields:    map[string]any{"size": size},
		}, true
	case cbTagSetComputeUnitLimit:
		if len(data) < 5 {
			return InstructionAction{}, false
		}
		units := encodbin.LE.Uint32(data[1:5])
		return InstructionAction{
			Kind:      "ComputeBudget",
			Label:     "Compute Budget: SetComputeUnitLimit",
			ProgramID: computeBudgetProgramIDHex,
			Fields:    map[string]any{"units": units},
		}, true
	case cbTagSetComputeUnitPrice:
		if len(data) < 9 {
			return InstructionAction{}, false
		}
		price := encodbin.LE.Uint64(data[1:9])
		return InstructionAction{
			Kind:      "ComputeBudget",
			Label:     "Compute Budget: SetComputeUnitPrice",
			ProgramID: computeBudgetProgramIDHex,
			Fields:    map[string]any{"price_micro_lamports": price},
		}, true
	default:
		return InstructionAction{}, false
	}
}
