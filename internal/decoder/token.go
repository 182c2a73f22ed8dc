package decoder

import "github.com/atlasindexer/atlas/arch/pkg/encodbin"

// Token program tags (1-byte tag).
const (
	tokTagInitializeMint         = 0
	tokTagInitializeAccount      = 1
	tokTagInitializeMultisig     = 2
	tokTagTransfer               = 3
	tokTagApprove                = 4
	tokTagRevoke                 = 5
	tokTagSetAuthority           = 6
	tokTagMintTo                 = 7
	tokTagBurn                   = 8
	tokTagCloseAccount           = 9
	tokTagFreezeAccount          = 10
	tokTagThawAccount            = 11
	tokTagTransferChecked        = 12
	tokTagApproveChecked         = 13
	tokTagMintToChecked          = 14
	tokTagBurnChecked            = 15
	tokTagInitializeAccount2     = 16
	tokTagInitializeAccount3     = 17
	tokTagInitializeMint2        = 18
	tokTagGetAccountDataSize     = 19
	tokTagInitializeImmutableOwner = 20
	tokTagAmountToUiAmount       = 21
	tokTagUiAmountToAmount       = 22
)

// decodeToken tag-dispatches one Token program instruction. It returns
// the decoded action plus any token-balance deltas produced by it; the
// mint for a plain (unchecked) Transfer is left "" because the
// instruction itself doesn't disclose it; internal/store
// resolves it from the persisted token_accounts mapping before
// applying the delta.
func decodeToken(data []byte, accounts []string, programID string) (InstructionAction, []TokenDelta, bool) {
	if len(data) < 1 {
		return InstructionAction{}, nil, false
	}
	switch data[0] {
	case tokTagInitializeMint, tokTagInitializeMint2:
		return decodeInitializeMint(data, accounts, programID)
	case tokTagInitializeAccount:
		return decodeInitializeAccount(accounts, programID, "InitializeAccount")
	case tokTagInitializeAccount2, tokTagInitializeAccount3:
		label := "InitializeAccount2"
		if data[0] == tokTagInitializeAccount3 {
			label = "InitializeAccount3"
		}
		if len(data) < 1+32 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		owner := hexBytes(data[1:33])
		return seedTokenAccount(accounts[0], accounts[1], owner, programID, label)
	case tokTagInitializeMultisig:
		if len(data) < 2 || len(accounts) < 1 {
			return InstructionAction{}, nil, false
		}
		return InstructionAction{
			Kind: "Token", Label: "Token: InitializeMultisig", ProgramID: programID,
			Fields: map[string]any{"m": data[1], "multisig": accounts[0]},
		}, nil, true
	case tokTagTransfer:
		if len(data) < 9 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		action := InstructionAction{
			Kind: "Token", Label: "Token: Transfer", ProgramID: programID,
			Fields: map[string]any{"amount": amount, "source": accounts[0], "destination": accounts[1]},
		}
		deltas := []TokenDelta{
			{Account: accounts[0], Delta: -int64(amount), ProgramID: programID},
			{Account: accounts[1], Delta: int64(amount), ProgramID: programID},
		}
		return action, deltas, true
	case tokTagApprove:
		if len(data) < 9 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		return InstructionAction{Kind: "Token", Label: "Token: Approve", ProgramID: programID, Fields: map[string]any{"amount": amount}}, nil, true
	case tokTagRevoke:
		return InstructionAction{Kind: "Token", Label: "Token: Revoke", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagSetAuthority:
		if len(data) < 2 {
			return InstructionAction{}, nil, false
		}
		fields := map[string]any{"authority_type": data[1]}
		if newAuthority, ok := decodeOptionPubkey(data[2:]); ok {
			fields["new_authority"] = newAuthority
		}
		return InstructionAction{Kind: "Token", Label: "Token: SetAuthority", ProgramID: programID, Fields: fields}, nil, true
	case tokTagMintTo:
		if len(data) < 9 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		action := InstructionAction{
			Kind: "Token", Label: "Token: MintTo", ProgramID: programID,
			Fields: map[string]any{"amount": amount, "mint": accounts[0], "destination": accounts[1]},
		}
		return action, []TokenDelta{{Account: accounts[1], Mint: accounts[0], Delta: int64(amount), ProgramID: programID}}, true
	case tokTagBurn:
		if len(data) < 9 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		action := InstructionAction{
			Kind: "Token", Label: "Token: Burn", ProgramID: programID,
			Fields: map[string]any{"amount": amount, "account": accounts[0], "mint": accounts[1]},
		}
		return action, []TokenDelta{{Account: accounts[0], Mint: accounts[1], Delta: -int64(amount), ProgramID: programID}}, true
	case tokTagCloseAccount:
		return InstructionAction{Kind: "Token", Label: "Token: CloseAccount", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagFreezeAccount:
		return InstructionAction{Kind: "Token", Label: "Token: FreezeAccount", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagThawAccount:
		return InstructionAction{Kind: "Token", Label: "Token: ThawAccount", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagTransferChecked:
		if len(data) < 10 || len(accounts) < 4 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		decimals := data[9]
		action := InstructionAction{
			Kind: "Token", Label: "Token: TransferChecked", ProgramID: programID,
			Fields: map[string]any{
				"amount": amount, "decimals": decimals,
				"source": accounts[0], "mint": accounts[1], "destination": accounts[2], "authority": accounts[3],
			},
		}
		deltas := []TokenDelta{
			{Account: accounts[0], Mint: accounts[1], Delta: -int64(amount), Decimals: &decimals, ProgramID: programID},
			{Account: accounts[2], Mint: accounts[1], Delta: int64(amount), Decimals: &decimals, ProgramID: programID},
		}
		return action, deltas, true
	case tokTagApproveChecked:
		if len(data) < 10 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		decimals := data[9]
		return InstructionAction{Kind: "Token", Label: "Token: ApproveChecked", ProgramID: programID, Fields: map[string]any{"amount": amount, "decimals": decimals}}, nil, true
	case tokTagMintToChecked:
		if len(data) < 10 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		decimals := data[9]
		action := InstructionAction{
			Kind: "Token", Label: "Token: MintToChecked", ProgramID: programID,
			Fields: map[string]any{"amount": amount, "decimals": decimals, "mint": accounts[0], "destination": accounts[1]},
		}
		return action, []TokenDelta{{Account: accounts[1], Mint: accounts[0], Delta: int64(amount), Decimals: &decimals, ProgramID: programID}}, true
	case tokTagBurnChecked:
		if len(data) < 10 || len(accounts) < 2 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		decimals := data[9]
		action := InstructionAction{
			Kind: "Token", Label: "Token: BurnChecked", ProgramID: programID,
			Fields: map[string]any{"amount": amount, "decimals": decimals, "account": accounts[0], "mint": accounts[1]},
		}
		return action, []TokenDelta{{Account: accounts[0], Mint: accounts[1], Delta: -int64(amount), Decimals: &decimals, ProgramID: programID}}, true
	case tokTagGetAccountDataSize:
		return InstructionAction{Kind: "Token", Label: "Token: GetAccountDataSize", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagInitializeImmutableOwner:
		return InstructionAction{Kind: "Token", Label: "Token: InitializeImmutableOwner", ProgramID: programID, Fields: map[string]any{}}, nil, true
	case tokTagAmountToUiAmount:
		if len(data) < 9 {
			return InstructionAction{}, nil, false
		}
		amount := encodbin.LE.Uint64(data[1:9])
		return InstructionAction{Kind: "Token", Label: "Token: AmountToUiAmount", ProgramID: programID, Fields: map[string]any{"amount": amount}}, nil, true
	case tokTagUiAmountToAmount:
		if len(data) < 2 {
			return InstructionAction{}, nil, false
		}
		return InstructionAction{Kind: "Token", Label: "Token: UiAmountToAmount", ProgramID: programID, Fields: map[string]any{"ui_amount": string(data[1:])}}, nil, true
	default:
		return InstructionAction{}, nil, false
	}
}

func decodeInitializeAccount(accounts []string, programID, label string) (InstructionAction, []TokenDelta, bool) {
	if len(accounts) < 3 {
		return InstructionAction{}, nil, false
	}
	return seedTokenAccount(accounts[0], accounts[1], accounts[2], programID, label)
}

func seedTokenAccount(account, mint, owner, programID, label string) (InstructionAction, []TokenDelta, bool) {
	action := InstructionAction{
		Kind: "Token", Label: "Token: " + label, ProgramID: programID,
		Fields: map[string]any{"account": account, "mint": mint, "owner": owner},
	}
	// A zero-delta TokenDelta seeds the token_balances row without
	// perturbing any existing balance.
	return action, []TokenDelta{{Account: account, Mint: mint, Owner: owner, Delta: 0, ProgramID: programID}}, true
}

func decodeInitializeMint(data []byte, accounts []string, programID string) (InstructionAction, []TokenDelta, bool) {
	if len(data) < 1+1+32+1 || len(accounts) < 1 {
		return InstructionAction{}, nil, false
	}
	decimals := data[1]
	mintAuthority := hexBytes(data[2:34])
	fields := map[string]any{
		"decimals":       decimals,
		"mint_authority": mintAuthority,
		"mint":           accounts[0],
	}
	if freezeAuthority, ok := decodeOptionPubkey(data[34:]); ok {
		fields["freeze_authority"] = freezeAuthority
	}
	action := InstructionAction{Kind: "Token", Label: "Token: InitializeMint", ProgramID: programID, Fields: fields}
	return action, []TokenDelta{{Account: accounts[0], Mint: accounts[0], Delta: 0, Decimals: &decimals, ProgramID: programID}}, true
}

// decodeOptionPubkey reads a COption<Pubkey>: a 1-byte presence flag
// followed by 32 bytes when present, nothing otherwise.
func decodeOptionPubkey(data []byte) (string, bool) {
	if len(data) < 1 || data[0] == 0 {
		return "", false
	}
	if len(data) < 33 {
		return "", false
	}
	return hexBytes(data[1:33]), true
}

// EncodeTokenTransfer re-encodes a decoded Token:Transfer to its
// on-wire 9-byte payload (tag=3 || u64 LE amount).
func EncodeTokenTransfer(amount uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = tokTagTransfer
	encodbin.LE.PutUint64(buf[1:9], amount)
	return buf
}
