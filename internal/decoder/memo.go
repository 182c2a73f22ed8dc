package decoder

// decodeMemo decodes the Memo program's single pseudo-instruction: the
// instruction's raw data is itself the UTF-8 memo text, no tag byte.
func decodeMemo(data []byte) (InstructionAction, bool) {
	if len(data) == 0 {
		return InstructionAction{}, false
	}
	return InstructionAction{
		Kind:      "Memo",
		Label:     "Memo: Write",
		ProgramID: MemoProgramIDHex,
		Fields:    map[string]any{"memo": string(data)},
	}, true
}
