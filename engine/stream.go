package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// StreamWriter is the compressing end of a wrapped stream.
type StreamWriter interface {
	io.Writer
	// Flush ends the current block byte-aligned without ending the stream.
	Flush() error
	// Close ends the stream and writes the wrapper trailer. The destination
	// writer stays open.
	Close() error
}

// NewStreamWriter creates a compression context for the given wrapper format
// writing to dst. Dictionaries are only expressible in the raw and zlib
// formats.
func NewStreamWriter(format Format, dst io.Writer, level int, dict []byte) (StreamWriter, error) {
	switch format {
	case FormatRaw:
		var (
			w   *flate.Writer
			err error
		)
		if dict == nil {
			w, err = flate.NewWriter(dst, level)
		} else {
			w, err = flate.NewWriterDict(dst, level, dict)
		}
		if err != nil {
			return nil, &Error{Op: "deflate init", Err: err}
		}
		return w, nil
	case FormatZlib:
		w, err := zlib.NewWriterLevelDict(dst, level, dict)
		if err != nil {
			return nil, &Error{Op: "zlib init", Err: err}
		}
		return w, nil
	case FormatGzip:
		if dict != nil {
			return nil, &Error{Op: "gzip init", Err: errors.New("the gzip format cannot carry a preset dictionary")}
		}
		w, err := gzip.NewWriterLevel(dst, level)
		if err != nil {
			return nil, &Error{Op: "gzip init", Err: err}
		}
		return w, nil
	default:
		return nil, &Error{Op: "init", Err: fmt.Errorf("unknown stream format %d", int(format))}
	}
}

// NewStreamReader creates a decompression context for the given wrapper
// format pulling from src. Construction already reads wrapper header bytes
// for zlib and gzip, so it can block on src and can fail on a bad header.
// Gzip streams stop at the end of the first member; any trailing members stay
// unconsumed in the source. io.EOF and io.ErrUnexpectedEOF from construction
// mean the source ended inside the wrapper header.
func NewStreamReader(format Format, src Source, dict []byte) (io.ReadCloser, error) {
	switch format {
	case FormatRaw:
		var rc io.ReadCloser
		if dict == nil {
			rc = flate.NewReader(src)
		} else {
			rc = flate.NewReaderDict(src, dict)
		}
		return &streamReader{rc: rc, op: "inflate"}, nil
	case FormatZlib:
		rc, err := zlib.NewReaderDict(src, dict)
		if err != nil {
			return nil, wrapInitErr("zlib init", err)
		}
		return &streamReader{rc: rc, op: "zlib inflate"}, nil
	case FormatGzip:
		if dict != nil {
			return nil, &Error{Op: "gzip init", Err: errors.New("the gzip format cannot carry a preset dictionary")}
		}
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, wrapInitErr("gzip init", err)
		}
		r.Multistream(false)
		return &streamReader{rc: r, op: "gzip inflate"}, nil
	default:
		return nil, &Error{Op: "init", Err: fmt.Errorf("unknown stream format %d", int(format))}
	}
}

func wrapInitErr(op string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	return &Error{Op: op, Err: err}
}

// streamReader normalizes read errors the same way Inflater does: io.EOF and
// io.ErrUnexpectedEOF pass through untouched, everything else becomes an
// Error.
type streamReader struct {
	rc io.ReadCloser
	op string
}

func (s *streamReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	switch err {
	case nil, io.EOF, io.ErrUnexpectedEOF:
		return n, err
	default:
		return n, &Error{Op: s.op, Err: err}
	}
}

func (s *streamReader) Close() error {
	return s.rc.Close()
}
