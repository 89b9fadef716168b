package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose content does not match its checksum.
	ErrChecksumMismatch = errors.New("eventlog: checksum mismatch")

	// ErrLogClosed indicates an operation on a closed log.
	ErrLogClosed = errors.New("eventlog: already closed")

	// ErrEmptyType indicates an append without an event kind.
	ErrEmptyType = errors.New("eventlog: record type is empty")

	// ErrReservedType indicates an append using a type owned by the log itself.
	ErrReservedType = errors.New("eventlog: record type is reserved")
)

// CorruptionError describes a record that could not be decoded.
type CorruptionError struct {
	Path   string // File holding the record
	Offset int64  // Byte offset of the record
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("eventlog: corrupted record in %s at offset %d: %v", e.Path, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
