// Package errors provides structured diagnostics for pulse.
//
// Every diagnostic the runtime, collections, storage backends and the CLI
// emit is a *PulseError carrying a stable code (e.g. "P001") that maps to a
// registered template:
//
//   - runtime: type mismatches, computed writes, derivation failures
//   - persistence: storage read/write/decode failures
//   - collection: missing primary keys, unknown records
//   - config: missing or invalid configuration files
//
// # Usage
//
//	err := errors.New("P001").
//	    WithDetail("state \"count\" declared number, got string").
//	    Wrap(cause)
//
//	logger.Warn(err.Message, err.Attrs()...)
//
// Errors are compatible with errors.Is/As through Unwrap. Format renders a
// multi-line, colored message for terminal output and is used by cmd/pulse.
package errors
