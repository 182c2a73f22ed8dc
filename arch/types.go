// Copyright 2024 The atlas Authors
// This file is part of the atlas library.

package arch

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	// PublicKeyLength is the expected length of the PublicKey
	PublicKeyLength = 32
)

// ///// -------------------------------------------------///////
// ///// -------------------------------------------------///////
// ///// -------------------- PublicKey --------------------///////
// ///// -------------------- PublicKey --------------------///////
// ///// -------------------------------------------------///////
// ///// -------------------------------------------------///////

// PublicKey The PublicKey
type PublicKey [PublicKeyLength]byte

// BytesToPublicKey returns PublicKey with value b.
func BytesToPublicKey(b []byte) (a PublicKey) {
	a.SetBytes(b)
	return
}

// StrToPublicKey returns PublicKey with byte values of b.
// Notice: only support base58 str
func StrToPublicKey(b string) PublicKey {
	// decode base58 str
	if d, err := base58.Decode(b); err == nil {
		return BytesToPublicKey(d)
	}
	// empty
	return PublicKey{}
}

// Base58ToPublicKey returns PublicKey with byte values of b.
func Base58ToPublicKey(b string) PublicKey {
	// decode base58
	d, _ := base58.Decode(b)
	// bytes to PublicKey
	return BytesToPublicKey(d)
}

// IsEmpty PublicKey is empty
func (p PublicKey) IsEmpty() bool {
	return p == PublicKey{}
}

// Equals compares PublicKey a eq b
func (p PublicKey) Equals(b PublicKey) bool {
	return p == b
}

// Cmp compares two PublicKeyes.
func (p PublicKey) Cmp(other PublicKey) int {
	return bytes.Compare(p[:], other[:])
}

// Bytes return PublicKey bytes
func (p PublicKey) Bytes() []byte { return p[:] }

// Base58 return base58 account
func (p PublicKey) Base58() string {
	return base58.Encode(p[:])
}

// Hex return hex account
func (p PublicKey) Hex() string {
	return hex.EncodeToString(p[:])
}

// String return base58 account
func (p PublicKey) String() string {
	return p.Base58()
}

// SetBytes sets the PublicKey to the value of b.
func (p *PublicKey) SetBytes(b []byte) {
	if len(b) > len(p) {
		b = b[len(b)-PublicKeyLength:]
	}
	copy(p[PublicKeyLength-len(b):], b)
}

// MarshalText returns base58 str account
func (p PublicKey) MarshalText() ([]byte, error) {
	input, err := json.Marshal(p.Base58())
	return input[1 : len(input)-1], err
}

// UnmarshalText parses an account in base58 syntax.
func (p *PublicKey) UnmarshalText(input []byte) error {
	p.SetBytes(input)
	return nil
}

func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Base58())
}

// UnmarshalJSON parses an account in base58 syntax.
func (p *PublicKey) UnmarshalJSON(input []byte) error {
	// Unmarshal data to []byte
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	// Decode
	if val, err := base58.Decode(s); err != nil {
		return err
	} else {
		p.SetBytes(val)
	}
	return nil
}

// Scan implements Scanner for database/sql.
func (p *PublicKey) Scan(src interface{}) error {
	srcB, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("can't scan %T into PublicKey", src)
	}
	if len(srcB) != PublicKeyLength {
		return fmt.Errorf("can't scan []byte of len %d into PublicKey, want %d", len(srcB), PublicKeyLength)
	}
	p.SetBytes(srcB)
	return nil
}

// Value implements valuer for database/sql.
func (p PublicKey) Value() (driver.Value, error) {
	return p.String(), nil
}

// ///// -------------------------------------------------///////
// ///// -------------------------------------------------///////
// ///// -------------------- Base58 ---------------------///////
// ///// -------------------- Base58 ---------------------///////
// ///// -------------------------------------------------///////
// ///// -------------------------------------------------///////

type Base58Data []byte

func (t Base58Data) MarshalJSON() ([]byte, error) {
	return json.Marshal(base58.Encode(t))
}

func (t *Base58Data) UnmarshalJSON(data []byte) (err error) {
	var s string
	err = json.Unmarshal(data, &s)
	if err != nil {
		return
	}
	if s == "" {
		*t = []byte{}
		return nil
	}
	*t, err = base58.Decode(s)
	return
}

func (t Base58Data) String() string {
	return t.Base58()
}

func (t Base58Data) Hex() string {
	return hex.EncodeToString(t)
}

func (t Base58Data) Base58() string {
	return base58.Encode(t)
}
