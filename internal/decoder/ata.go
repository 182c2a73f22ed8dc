package decoder

// decodeAssociatedTokenAccount decodes the Associated Token Account
// program's sole instruction (Create): empty data, 6 ordered
// accounts: funder, associated_account, wallet, mint,
// system_program, token_program.
func decodeAssociatedTokenAccount(data []byte, accounts []string) (InstructionAction, bool) {
	if len(accounts) < 6 {
		return InstructionAction{}, false
	}
	_ = data // Create carries no instruction data
	return InstructionAction{
		Kind:      "AssociatedTokenAccount",
		Label:     "Associated Token Account: Create",
		ProgramID: ataProgramIDHex,
		Fields: map[string]any{
			"funder":             accounts[0],
			"associated_account": accounts[1],
			"wallet":             accounts[2],
			"mint":               accounts[3],
			"system_program":     accounts[4],
			"token_program":      accounts[5],
		},
	}, true
}
