// Copyright 2024 The atlas Authors
// This file is part of the atlas library.


package core

import (
	"fmt"
)

// StdErr return standard Err
func StdErr(reason string, err error) error {
	return fmt.Errorf("%s Failed. Err: %w", reason, err)
}
