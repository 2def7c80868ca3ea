package pager

import "errors"

// Sentinel errors for the conditions enumerated in the error-handling design:
// buffer pool exhaustion, out-of-range page access, checksum/record
// corruption, malformed headers, oversize values, a poisoned in-memory lock,
// missing keys, and invalid configuration. Excessive clock drift has no
// sentinel here; it is reported by storage.ErrExcessiveDrift. Callers use
// errors.Is against these; package
// boundaries wrap them with fmt.Errorf("...: %w", err) for context.
var (
	ErrBufferPoolExhausted = errors.New("pager: buffer pool exhausted")
	ErrPageOutOfBounds     = errors.New("pager: page id out of bounds")
	ErrChecksumMismatch    = errors.New("pager: checksum mismatch")
	ErrCorruptRecord       = errors.New("pager: corrupt WAL record")
	ErrInvalidHeader       = errors.New("pager: invalid page header")
	ErrWrongNodeType       = errors.New("pager: wrong B-tree node type")
	ErrValueTooLarge       = errors.New("pager: value exceeds maximum size")
	ErrLockPoisoned        = errors.New("pager: lock poisoned by prior panic")
	ErrNotFound            = errors.New("pager: not found")
	ErrInvalidConfig       = errors.New("pager: invalid configuration")
)
