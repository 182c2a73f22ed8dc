// Copyright 2024 The atlas Authors
// This file is part of the atlas library.


package core

import (
	"github.com/mr-tron/base58"
)

// DecodeBase58Str input string
func DecodeBase58Str(input string) []byte {
	data, _ := base58.Decode(input)
	return data
}
