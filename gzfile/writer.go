package gzfile

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
)

// Writer emits one container member to the underlying io.Writer. Header
// fields can be set any time before the first Write, Flush or Close. Close
// ends the member, and a following Reset starts the next one, so appending
// members to the same destination is a Close/Reset pair per member.
// The writer is not safe for concurrent use.
type Writer struct {
	// Header is encoded in front of the first body byte. Changes after the
	// first Write have no effect on the current member.
	Header Header

	dst         io.Writer
	level       int
	def         *engine.Deflater
	crc         uint32
	size        uint32
	wroteHeader bool
	closed      bool
	err         error
}

// NewWriter returns a Writer at the default compression level.
func NewWriter(w io.Writer) *Writer {
	writer, _ := NewWriterLevel(w, engine.DefaultCompression)
	return writer
}

// NewWriterLevel is like NewWriter with an explicit compression level.
func NewWriterLevel(w io.Writer, level int) (*Writer, error) {
	def, err := engine.NewDeflater(w, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		Header: Header{OS: osUnknown},
		dst:    w,
		level:  level,
		def:    def,
	}, nil
}

// writeHeader lazily emits the member header before the first body byte.
func (w *Writer) writeHeader() error {
	encoded, err := w.Header.AppendTo(make([]byte, 0, headerFixedSize), w.level)
	if err != nil {
		return err
	}
	if _, err := w.dst.Write(encoded); err != nil {
		return err
	}
	w.wroteHeader = true
	return nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("writer was closed already")
	}
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return 0, w.fail(err)
		}
	}
	n, err := w.def.Write(p)
	w.crc = checksum.Crc32(w.crc, p[:n])
	w.size += uint32(n)
	if err != nil {
		return n, w.fail(err)
	}
	return n, nil
}

// Flush ends the current deflate block on a byte boundary and forwards all
// pending compressed bytes, so everything written so far becomes decodable
// on the reading side. It does not end the member.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errors.New("writer was closed already")
	}
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return w.fail(err)
		}
	}
	if err := w.def.SyncFlush(); err != nil {
		return w.fail(err)
	}
	return nil
}

// Close ends the member by finishing the deflate stream and writing the
// trailer. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return nil
	}
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return w.fail(err)
		}
	}
	if err := w.def.Finish(); err != nil {
		return w.fail(err)
	}
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:4], w.crc)
	binary.LittleEndian.PutUint32(trailer[4:8], w.size)
	if _, err := w.dst.Write(trailer[:]); err != nil {
		return w.fail(err)
	}
	w.closed = true
	return nil
}

// Reset makes the writer start a fresh member on w, reusing the compression
// context. The header fields carry over from the previous member.
func (w *Writer) Reset(dst io.Writer) {
	w.dst = dst
	w.def.Reset(dst)
	w.crc = 0
	w.size = 0
	w.wroteHeader = false
	w.closed = false
	w.err = nil
}

// Size returns the number of payload bytes written into the current member
// so far, modulo 2^32, which is what its trailer will record.
func (w *Writer) Size() uint32 {
	return w.size
}

func (w *Writer) fail(err error) error {
	w.err = err
	return err
}
