package engine

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Error is a failure surfaced by the engine, carrying the operation that
// failed. The context that produced it is unusable afterwards and must be
// reset or discarded; nothing is retried.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s failed with %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err was caused by structurally invalid compressed
// data (bad block, bad symbol, wrapper or checksum mismatch) rather than by
// IO or caller mistakes.
func IsCorrupt(err error) bool {
	var ce flate.CorruptInputError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, zlib.ErrChecksum) ||
		errors.Is(err, zlib.ErrDictionary) ||
		errors.Is(err, zlib.ErrHeader) ||
		errors.Is(err, gzip.ErrChecksum) ||
		errors.Is(err, gzip.ErrHeader)
}
