// Package decoder is the pure decode layer over transaction
// documents: account-key resolution, program identification,
// tag-dispatch over the System, Compute Budget, BPF Loader, Token and
// Associated Token Account programs, and the incremental token-balance
// accumulator. Decoding is total over well-typed JSON/bytes input: the
// per-program decoders report a failed length precondition or an
// unknown tag as (zero action, false), never as an error.
package decoder

import (
	"encoding/hex"
	"strings"

	"github.com/atlasindexer/atlas/arch"
	"github.com/atlasindexer/atlas/arch/core"
)

// ResolveKeyHex normalizes any of the three JSON shapes an "account
// key" can arrive in: a []byte-ish JSON array, a hex string, or a
// base58 string, into lowercase hex. It is the single choke point
// every decoder goes through for key resolution.
func ResolveKeyHex(v any) (string, bool) {
	switch val := v.(type) {
	case []byte:
		return hex.EncodeToString(val), true
	case []interface{}:
		b := make([]byte, 0, len(val))
		for _, elem := range val {
			n, ok := toByte(elem)
			if !ok {
				return "", false
			}
			b = append(b, n)
		}
		if len(b) == 0 {
			return "", false
		}
		return hex.EncodeToString(b), true
	case string:
		return resolveStringKey(val)
	default:
		return "", false
	}
}

func toByte(v any) (byte, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n > 255 {
			return 0, false
		}
		return byte(n), true
	case int:
		if n < 0 || n > 255 {
			return 0, false
		}
		return byte(n), true
	default:
		return 0, false
	}
}

func resolveStringKey(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if isHexString(s) {
		return strings.ToLower(s), true
	}
	decoded := core.DecodeBase58Str(s)
	if len(decoded) == 0 {
		return "", false
	}
	return hex.EncodeToString(decoded), true
}

func isHexString(s string) bool {
	if len(s)%2 != 0 || len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !isHexDigit(r) {
			return false
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// asciiPad pads name with '1' bytes out to 32 bytes and returns its
// hex encoding, the canonical form of an ASCII-label program id
// (glossary: "32-byte UTF-8 strings padded with '1's").
func asciiPad(name string) string {
	b := make([]byte, 32)
	copy(b, name)
	for i := len(name); i < 32; i++ {
		b[i] = '1'
	}
	return hex.EncodeToString(b)
}

// AsciiLabel returns the human-readable label for a well-known
// ASCII-label program id (System, Vote, Stake, BpfLoader, NativeLoader,
// ComputeBudget, AplToken, AssociatedTokenAccount, Memo), or "" if idHex
// is not one of them.
func AsciiLabel(idHex string) string {
	if label, ok := hexToLabel[strings.ToLower(idHex)]; ok {
		return label
	}
	return ""
}

// FromAsciiLabel returns the canonical hex program id for one of the
// well-known ASCII labels, or "" if label is unrecognized.
func FromAsciiLabel(label string) string {
	return labelToHex[label]
}

const (
	LabelSystem                 = "System"
	LabelVote                   = "Vote"
	LabelStake                  = "Stake"
	LabelBpfLoader               = "BpfLoader"
	LabelNativeLoader            = "NativeLoader"
	LabelComputeBudget           = "ComputeBudget"
	LabelAplToken                = "AplToken"
	LabelAssociatedTokenAccount = "AssociatedTokenAccount"
)

var labelToHex = map[string]string{
	LabelSystem:                 asciiPad(LabelSystem),
	LabelVote:                   asciiPad(LabelVote),
	LabelStake:                  asciiPad(LabelStake),
	LabelBpfLoader:               asciiPad(LabelBpfLoader),
	LabelNativeLoader:            asciiPad(LabelNativeLoader),
	LabelComputeBudget:           asciiPad(LabelComputeBudget),
	LabelAplToken:                asciiPad(LabelAplToken),
	LabelAssociatedTokenAccount: asciiPad(LabelAssociatedTokenAccount),
	"Memo":                       asciiPad("Memo"),
}

var hexToLabel = func() map[string]string {
	m := make(map[string]string, len(labelToHex))
	for label, h := range labelToHex {
		m[h] = label
	}
	return m
}()

// DisplayName returns the ASCII label for idHex if it is a well-known
// program; callers fall back to HexToBase58 otherwise.
func DisplayName(idHex string) (string, bool) {
	label := AsciiLabel(idHex)
	return label, label != ""
}

// HexToBase58 renders a canonical hex key in its base58 display form.
// Returns "" for input that is not valid hex.
func HexToBase58(hexKey string) string {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) == 0 {
		return ""
	}
	if len(raw) == 32 {
		return arch.BytesToPublicKey(raw).Base58()
	}
	return arch.Base58Data(raw).Base58()
}
