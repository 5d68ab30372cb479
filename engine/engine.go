package engine

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// compression levels accepted by every compression context, mirroring the
// engine's own level range
const (
	NoCompression      = flate.NoCompression
	BestSpeed          = flate.BestSpeed
	BestCompression    = flate.BestCompression
	DefaultCompression = flate.DefaultCompression
	HuffmanOnly        = flate.HuffmanOnly
)

// MaxWindowSize is the deflate LZ77 window size and thus the upper bound of
// useful dictionary bytes.
const MaxWindowSize = 32 * 1024

// Format selects the wire wrapper around a raw deflate stream.
type Format int

const (
	// FormatRaw is a bare deflate stream without any wrapper.
	FormatRaw Format = iota
	// FormatZlib wraps the stream per RFC 1950 with an adler32 trailer.
	FormatZlib
	// FormatGzip wraps the stream per RFC 1952 with a crc32 and length trailer.
	FormatGzip
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatZlib:
		return "zlib"
	case FormatGzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Source is the byte source a decompression context pulls from. Implementing
// ReadByte next to Read keeps the engine from layering its own buffer on top,
// which keeps input consumption byte-exact: once a stream ends, the source is
// positioned exactly one byte past its last compressed byte.
type Source interface {
	io.Reader
	io.ByteReader
}

// compile time check that the byte-exact path is taken for our sources
var _ flate.Reader = Source(nil)
