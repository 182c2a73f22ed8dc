package decoder

import "github.com/atlasindexer/atlas/arch/pkg/encodbin"

// BPF Loader tags (4-byte little-endian tag).
const (
	bpfTagWrite             = 0
	bpfTagTruncate          = 1
	bpfTagDeploy            = 2
	bpfTagRetract           = 3
	bpfTagTransferAuthority = 4
	bpfTagFinalize          = 5
)

func decodeBpfLoader(data []byte, accounts []string) (InstructionAction, bool) {
	if len(data) < 4 {
		return InstructionAction{}, false
	}
	tag := encodbin.LE.Uint32(data[0:4])
	switch tag {
	case bpfTagWrite:
		// offset:u64, bytes: len:u64 || bytes
		if len(data) < 4+8+8 {
			return InstructionAction{}, false
		}
		offset := encodbin.LE.Uint64(data[4:12])
		length := encodbin.LE.Uint64(data[12:20])
		end := 20 + int(length)
		if length > uint64(len(data)) || end > len(data) || end < 20 {
			return InstructionAction{}, false
		}
		payload := data[20:end]
		return InstructionAction{
			Kind:      "BpfLoader",
			Label:     "BPF Loader: Write",
			ProgramID: bpfLoaderProgramIDHex,
			Fields: map[string]any{
				"offset":    offset,
				"bytes_hex": hexBytes(payload),
			},
		}, true
	case bpfTagTruncate:
		if len(data) < 12 {
			return InstructionAction{}, false
		}
		return InstructionAction{
			Kind:      "BpfLoader",
			Label:     "BPF Loader: Truncate",
			ProgramID: bpfLoaderProgramIDHex,
			Fields:    map[string]any{"new_size": encodbin.LE.Uint64(data[4:12])},
		}, true
	case bpfTagDeploy:
		return InstructionAction{Kind: "BpfLoader", Label: "BPF Loader: Deploy", ProgramID: bpfLoaderProgramIDHex, Fields: map[string]any{}}, true
	case bpfTagRetract:
		return InstructionAction{Kind: "BpfLoader", Label: "BPF Loader: Retract", ProgramID: bpfLoaderProgramIDHex, Fields: map[string]any{}}, true
	case bpfTagTransferAuthority:
		return InstructionAction{Kind: "BpfLoader", Label: "BPF Loader: TransferAuthority", ProgramID: bpfLoaderProgramIDHex, Fields: map[string]any{}}, true
	case bpfTagFinalize:
		return InstructionAction{Kind: "BpfLoader", Label: "BPF Loader: Finalize", ProgramID: bpfLoaderProgramIDHex, Fields: map[string]any{}}, true
	default:
		return InstructionAction{}, false
	}
}
