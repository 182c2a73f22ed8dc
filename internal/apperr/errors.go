// Package apperr defines the error taxonomy shared across the ingestion
// pipeline: transient network failures, protocol violations, not-found
// results, decoder preconditions, and fatal startup errors. Components
// return these so callers can decide retry/skip/abort without string
// matching.
package apperr

import (
	"errors"
	"fmt"

	"github.com/atlasindexer/atlas/arch/core"
)

// NotFound is returned wherever an RPC call resolves to an empty/null
// result. Re-exported from arch/core so the whole tree shares one
// sentinel.
var NotFound = core.NotFound

// ErrProtocol marks a malformed payload (bad JSON, missing required
// field, unexpected shape). The offending unit is skipped, not fatal.
var ErrProtocol = errors.New("protocol error")

// ErrFatal marks startup conditions that must abort the process:
// checkpoint write failure, schema bootstrap failure, missing required
// configuration.
var ErrFatal = errors.New("fatal error")

// RPCUnavailable is returned once an RPC call has exhausted its retry
// budget. The pipeline treats this as retriable at the height level.
type RPCUnavailable struct {
	Method string
	Cause  error
}

func (e *RPCUnavailable) Error() string {
	return fmt.Sprintf("rpc %s unavailable: %v", e.Method, e.Cause)
}

func (e *RPCUnavailable) Unwrap() error { return e.Cause }

// StdErr wraps reason around err in the core.StdErr convention used
// throughout this codebase.
func StdErr(reason string, err error) error {
	return core.StdErr(reason, err)
}

// Protocolf builds an ErrProtocol-wrapped error carrying context about
// the offending payload (height, txid, event topic, ...).
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Fatalf builds an ErrFatal-wrapped error.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}
