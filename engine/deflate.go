package engine

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// Deflater is one compression context. It is owned by exactly one caller at a
// time and is reused across independent streams through Reset/ResetDict
// rather than reallocation.
type Deflater struct {
	w *flate.Writer
}

// NewDeflater creates a compression context writing a raw deflate stream to
// dst with the given level.
func NewDeflater(dst io.Writer, level int) (*Deflater, error) {
	w, err := flate.NewWriter(dst, level)
	if err != nil {
		return nil, &Error{Op: "deflate init", Err: err}
	}
	return &Deflater{w: w}, nil
}

// Write compresses all of p into the current stream.
func (d *Deflater) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		return n, &Error{Op: "deflate", Err: err}
	}
	return n, nil
}

// SyncFlush ends the current block on a byte boundary without resetting the
// LZ77 window: adjacent blocks stay independently decodable in sequence while
// still back-referencing each other.
func (d *Deflater) SyncFlush() error {
	if err := d.w.Flush(); err != nil {
		return &Error{Op: "deflate flush", Err: err}
	}
	return nil
}

// Finish writes the final block marker that ends the deflate stream. The
// destination writer stays open.
func (d *Deflater) Finish() error {
	if err := d.w.Close(); err != nil {
		return &Error{Op: "deflate finish", Err: err}
	}
	return nil
}

// Reset re-initializes the context for a fresh stream to dst, keeping the
// configured level and internal scratch state.
func (d *Deflater) Reset(dst io.Writer) {
	d.w.Reset(dst)
}

// ResetDict is Reset with the LZ77 window pre-seeded: the fresh stream may
// back-reference dict as if it preceded the stream. Only the last
// MaxWindowSize bytes of dict are relevant.
func (d *Deflater) ResetDict(dst io.Writer, dict []byte) {
	if len(dict) > MaxWindowSize {
		dict = dict[len(dict)-MaxWindowSize:]
	}
	d.w.ResetDict(dst, dict)
}

// DeflateBound returns an upper bound for the compressed size of n input
// bytes in a single deflate stream, including sync flush and stream end
// markers. The worst case are stored blocks at 5 bytes of framing per 64KiB
// of payload.
func DeflateBound(n int) int {
	return n + (n >> 12) + (n >> 14) + (n >> 25) + 18
}
