package engine

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// Inflater is one decompression context reading a raw deflate stream from a
// Source. It is owned by exactly one caller at a time and reused across
// independent streams through Reset.
type Inflater struct {
	r io.ReadCloser
}

// NewInflater creates a decompression context pulling from src, optionally
// seeding the LZ77 window with a dictionary.
func NewInflater(src Source, dict []byte) *Inflater {
	if dict == nil {
		return &Inflater{r: flate.NewReader(src)}
	}
	return &Inflater{r: flate.NewReaderDict(src, dict)}
}

// Read inflates up to len(p) bytes into p. io.EOF signals the end of the
// deflate stream, with the source positioned exactly on the byte after it.
// io.ErrUnexpectedEOF means the source ran out mid stream. Any other error is
// a fatal Error and the context must be Reset before further use.
func (i *Inflater) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	switch err {
	case nil, io.EOF, io.ErrUnexpectedEOF:
		return n, err
	default:
		return n, &Error{Op: "inflate", Err: err}
	}
}

// Reset re-initializes the context to read a fresh deflate stream from src.
func (i *Inflater) Reset(src Source, dict []byte) error {
	if err := i.r.(flate.Resetter).Reset(src, dict); err != nil {
		return &Error{Op: "inflate reset", Err: err}
	}
	return nil
}

func (i *Inflater) Close() error {
	return i.r.Close()
}
