// Package parallel compresses containers block by block across several
// goroutines. Input is cut into fixed size chunks, each chunk is compressed
// by its own worker and the results are stitched back together in order:
// either into one member whose trailer checksum is combined from the per
// block checksums, or into one complete member per block the way multi gzip
// tools lay files out.
package parallel

import (
	"errors"
	"fmt"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
)

// ScratchExceeded signals that a block did not fit its compressor's fixed
// scratch buffer. The block must be redone with a larger scratch, there is
// no partial result.
var ScratchExceeded = errors.New("block exceeded the scratch buffer")

// BlockCompressor is one compression context with a fixed scratch buffer,
// owned by exactly one worker at a time. It is reused across blocks through
// resets instead of reallocation, so a pool of these is all the steady
// state memory parallel compression needs.
type BlockCompressor struct {
	def     *engine.Deflater
	scratch *fixedBuffer
}

// NewBlockCompressor sizes the scratch for blocks of up to blockSize bytes
// and validates the compression level.
func NewBlockCompressor(blockSize, level int) (*BlockCompressor, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("NewBlockCompressor: block size must be positive, got %d", blockSize)
	}
	scratch := &fixedBuffer{buf: make([]byte, engine.DeflateBound(blockSize))}
	def, err := engine.NewDeflater(scratch, level)
	if err != nil {
		return nil, err
	}
	return &BlockCompressor{def: def, scratch: scratch}, nil
}

// CompressBlock compresses all of chunk into one sync flushed deflate block
// sequence. The block ends on a byte boundary without a stream end marker,
// so consecutive blocks concatenate into one valid stream as long as each
// one is handed the tail of its predecessor as dict. The returned slice
// points into the scratch buffer and is only valid until the next call; the
// second return is the checksum of the uncompressed chunk.
func (bc *BlockCompressor) CompressBlock(chunk, dict []byte) ([]byte, uint32, error) {
	return bc.compress(chunk, dict, false)
}

// CompressFinal is CompressBlock with a stream end marker instead of a sync
// flush, producing the last block of a member body or a whole standalone
// body when chunk is the entire payload.
func (bc *BlockCompressor) CompressFinal(chunk, dict []byte) ([]byte, uint32, error) {
	return bc.compress(chunk, dict, true)
}

func (bc *BlockCompressor) compress(chunk, dict []byte, final bool) ([]byte, uint32, error) {
	bc.scratch.reset()
	bc.def.ResetDict(bc.scratch, dict)
	if len(chunk) > 0 {
		if _, err := bc.def.Write(chunk); err != nil {
			return nil, 0, err
		}
	}
	if final {
		if err := bc.def.Finish(); err != nil {
			return nil, 0, err
		}
	} else {
		if err := bc.def.SyncFlush(); err != nil {
			return nil, 0, err
		}
	}
	return bc.scratch.bytes(), checksum.Crc32(0, chunk), nil
}

// fixedBuffer is an io.Writer over a preallocated slice that refuses to
// grow, so a block that does not fit fails loudly instead of reallocating
// in the hot path.
type fixedBuffer struct {
	buf []byte
	n   int
}

func (f *fixedBuffer) Write(p []byte) (int, error) {
	if len(p) > len(f.buf)-f.n {
		return 0, fmt.Errorf("need at least %d bytes but the scratch holds %d: %w", f.n+len(p), len(f.buf), ScratchExceeded)
	}
	n := copy(f.buf[f.n:], p)
	f.n += n
	return n, nil
}

func (f *fixedBuffer) bytes() []byte {
	return f.buf[:f.n]
}

func (f *fixedBuffer) reset() {
	f.n = 0
}
