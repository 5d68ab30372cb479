package gzfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
)

type readerState int

const (
	stateHeader readerState = iota
	stateBody
	stateTrailer
	statePadding
	stateDone
)

// Member describes one fully decoded container member, reported through the
// WithMemberFunc callback right after its trailer validated.
type Member struct {
	Header            Header
	CompressedStart   int64 // source offset of the member's first header byte
	CompressedSize    int64 // bytes from the first header byte through the trailer
	UncompressedStart int64 // position of the member's payload in the decoded stream
	UncompressedSize  int64
	Crc32             uint32
}

// SeekIndex knows member boundaries, letting Seek restart close to its
// target instead of at the start of the container. Locate returns the
// source offset of the member covering the requested decoded position and
// the decoded position that boundary maps to.
type SeekIndex interface {
	Locate(uncompressedOff int64) (compressedOff int64, uncompressedStart int64, ok bool)
}

type ReaderOptions struct {
	bufferSizeBytes int
	memberFunc      func(Member)
	index           SeekIndex
}

type ReaderOption func(*ReaderOptions)

// ReadBufferSizeBytes sets the initial size of the source window. The window
// grows on demand when a single header field outgrows it.
func ReadBufferSizeBytes(n int) ReaderOption {
	return func(args *ReaderOptions) {
		args.bufferSizeBytes = n
	}
}

// WithMemberFunc registers a callback invoked after each member's trailer
// validated, carrying the member's boundaries and payload checksum. Index
// builders hook in here.
func WithMemberFunc(f func(Member)) ReaderOption {
	return func(args *ReaderOptions) {
		args.memberFunc = f
	}
}

// WithSeekIndex attaches a member boundary index for Seek to restart from.
func WithSeekIndex(index SeekIndex) ReaderOption {
	return func(args *ReaderOptions) {
		args.index = index
	}
}

// Reader decodes a container member by member, exposing the concatenation
// of all member payloads as one stream. Header holds the fields of the
// member currently being read. The reader is not safe for concurrent use.
type Reader struct {
	Header Header

	raw       io.Reader
	rawSeeker io.Seeker
	src       *source
	inf       *engine.Inflater
	state     readerState

	multistream bool
	offset      int64
	size        int64 // total decoded size, cached once known, -1 before

	crc                uint32
	memberLen          uint32
	memberStart        int64
	memberPayloadStart int64

	memberFunc func(Member)
	index      SeekIndex

	err error
}

// NewReader opens a container for reading, consuming the first member
// header right away. An empty source surfaces as io.EOF.
func NewReader(raw io.Reader, readerOptions ...ReaderOption) (*Reader, error) {
	opts := &ReaderOptions{}
	for _, option := range readerOptions {
		option(opts)
	}
	reader := &Reader{
		raw:         raw,
		src:         newSource(raw, opts.bufferSizeBytes),
		multistream: true,
		size:        -1,
		memberFunc:  opts.memberFunc,
		index:       opts.index,
	}
	reader.rawSeeker, _ = raw.(io.Seeker)
	if err := reader.readMemberHeader(); err != nil {
		reader.src.release()
		return nil, err
	}
	return reader, nil
}

// Reset discards all decoding state and starts over on a fresh container,
// keeping the window and inflate context allocated. Like NewReader it
// consumes the first member header right away.
func (r *Reader) Reset(raw io.Reader) error {
	if r.src == nil {
		return errors.New("reader was closed already")
	}
	r.raw = raw
	r.rawSeeker, _ = raw.(io.Seeker)
	r.src.reset(raw, 0)
	r.offset = 0
	r.size = -1
	r.err = nil
	r.state = stateHeader
	return r.readMemberHeader()
}

// Multistream controls whether the reader continues into the next member
// after finishing one, which is the default. When disabled, Read reports
// io.EOF right after the first member's trailer and leaves every byte after
// it unconsumed, so the caller can pick the source back up at
// CompressedOffset.
func (r *Reader) Multistream(ok bool) {
	r.multistream = ok
}

// Offset returns the current position in the decoded stream.
func (r *Reader) Offset() int64 {
	return r.offset
}

// CompressedOffset returns the number of source bytes consumed so far.
// Right after a member finishes it points at the first byte past its
// trailer.
func (r *Reader) CompressedOffset() int64 {
	if r.src == nil {
		return 0
	}
	return r.src.offset()
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.src == nil {
		return 0, errors.New("reader was closed already")
	}
	if r.err != nil {
		return 0, r.err
	}
	for {
		switch r.state {
		case stateBody:
			if len(p) == 0 {
				return 0, nil
			}
			n, err := r.inf.Read(p)
			r.crc = checksum.Crc32(r.crc, p[:n])
			r.memberLen += uint32(n)
			r.offset += int64(n)
			if err == nil {
				return n, nil
			}
			if err != io.EOF {
				if err == io.ErrUnexpectedEOF {
					err = fmt.Errorf("source ended inside the body of the member at offset %d: %w", r.memberStart, TruncatedContainer)
				}
				return n, r.fail(err)
			}
			// the engine pulls its input a byte at a time, so the window now
			// sits exactly on the first trailer byte
			r.state = stateTrailer
			if n > 0 {
				return n, nil
			}
		case stateTrailer:
			if err := r.readTrailer(); err != nil {
				return 0, r.fail(err)
			}
			if !r.multistream {
				r.state = stateDone
			}
		case statePadding:
			done, err := r.skipPadding()
			if err != nil {
				return 0, r.fail(err)
			}
			if done {
				r.state = stateDone
			} else {
				r.state = stateHeader
			}
		case stateHeader:
			err := r.readMemberHeader()
			if err == io.EOF {
				r.state = stateDone
				continue
			}
			if err != nil {
				return 0, r.fail(err)
			}
		case stateDone:
			return 0, io.EOF
		}
	}
}

// readMemberHeader parses one member header off the source and arms the
// inflate context for its body. io.EOF means the source ended cleanly
// before a single header byte.
func (r *Reader) readMemberHeader() error {
	r.memberStart = r.src.offset()

	fixed, err := r.src.peek(headerFixedSize)
	if err == io.EOF {
		if len(fixed) == 0 {
			return io.EOF
		}
		return fmt.Errorf("source ended %d bytes into a member header at offset %d: %w", len(fixed), r.memberStart, TruncatedContainer)
	}
	if err != nil {
		return err
	}
	if fixed[0] != gzipID1 || fixed[1] != gzipID2 {
		return fmt.Errorf("wrong magic bytes [%#02x %#02x] at offset %d: %w", fixed[0], fixed[1], r.memberStart, BadContainer)
	}
	if fixed[2] != gzipDeflate {
		return fmt.Errorf("unsupported compression method %d at offset %d: %w", fixed[2], r.memberStart, BadContainer)
	}

	flags := fixed[3]
	hdr := Header{OS: fixed[9]}
	if t := binary.LittleEndian.Uint32(fixed[4:8]); t > 0 {
		hdr.ModTime = time.Unix(int64(t), 0)
	}
	digest := checksum.Crc32(0, fixed)
	r.src.discard(headerFixedSize)

	if flags&flagExtra != 0 {
		lenBytes, err := r.peekHeaderField(2, "extra field length")
		if err != nil {
			return err
		}
		digest = checksum.Crc32(digest, lenBytes)
		extraLen := int(binary.LittleEndian.Uint16(lenBytes))
		r.src.discard(2)

		extra, err := r.peekHeaderField(extraLen, "extra field")
		if err != nil {
			return err
		}
		hdr.Extra = append([]byte(nil), extra...)
		digest = checksum.Crc32(digest, extra)
		r.src.discard(extraLen)
	}
	if flags&flagName != 0 {
		if hdr.Name, digest, err = r.readHeaderString(digest, "name"); err != nil {
			return err
		}
	}
	if flags&flagComment != 0 {
		if hdr.Comment, digest, err = r.readHeaderString(digest, "comment"); err != nil {
			return err
		}
	}
	if flags&flagHeaderCrc != 0 {
		hdr.HeaderCrc = true
		stored, err := r.peekHeaderField(2, "header checksum")
		if err != nil {
			return err
		}
		got := binary.LittleEndian.Uint16(stored)
		if want := uint16(digest); got != want {
			return fmt.Errorf("header checksum mismatch at offset %d, stored %#04x but computed %#04x: %w", r.memberStart, got, want, BadContainer)
		}
		r.src.discard(2)
	}

	r.Header = hdr
	r.crc = 0
	r.memberLen = 0
	r.memberPayloadStart = r.offset
	if r.inf == nil {
		r.inf = engine.NewInflater(r.src, nil)
	} else if err := r.inf.Reset(r.src, nil); err != nil {
		return err
	}
	r.state = stateBody
	return nil
}

// peekHeaderField waits for n whole bytes of a header field, turning a
// source that ends first into a truncation error naming the field. The
// field is only consumed by the caller, so a short read never leaves it
// half eaten.
func (r *Reader) peekHeaderField(n int, field string) ([]byte, error) {
	b, err := r.src.peek(n)
	if err == io.EOF {
		return nil, fmt.Errorf("source ended inside the %s of the member header at offset %d, got %d of %d bytes: %w", field, r.memberStart, len(b), n, TruncatedContainer)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// readHeaderString consumes a NUL terminated Latin-1 header string, folding
// the consumed bytes including the terminator into the running digest.
func (r *Reader) readHeaderString(digest uint32, field string) (string, uint32, error) {
	var collected []byte
	for {
		if _, err := r.src.peek(1); err != nil {
			if err == io.EOF {
				return "", 0, fmt.Errorf("source ended inside the %s of the member header at offset %d: %w", field, r.memberStart, TruncatedContainer)
			}
			return "", 0, err
		}
		window := r.src.window()
		if i := bytes.IndexByte(window, 0); i >= 0 {
			collected = append(collected, window[:i]...)
			digest = checksum.Crc32(digest, window[:i+1])
			r.src.discard(i + 1)
			return latin1(collected), digest, nil
		}
		collected = append(collected, window...)
		digest = checksum.Crc32(digest, window)
		r.src.discard(len(window))
	}
}

// readTrailer validates the 8 byte member trailer against the checksum and
// length accumulated over the body.
func (r *Reader) readTrailer() error {
	b, err := r.src.peek(trailerSize)
	if err == io.EOF {
		return fmt.Errorf("source ended inside the trailer of the member at offset %d, got %d of %d bytes: %w", r.memberStart, len(b), trailerSize, TruncatedContainer)
	}
	if err != nil {
		return err
	}
	storedCrc := binary.LittleEndian.Uint32(b[0:4])
	storedLen := binary.LittleEndian.Uint32(b[4:8])
	if storedCrc != r.crc {
		return fmt.Errorf("payload checksum mismatch in the member at offset %d, stored %#08x but computed %#08x: %w", r.memberStart, storedCrc, r.crc, BadContainer)
	}
	if storedLen != r.memberLen {
		return fmt.Errorf("payload length mismatch in the member at offset %d, stored %d but counted %d: %w", r.memberStart, storedLen, r.memberLen, BadContainer)
	}
	r.src.discard(trailerSize)

	if r.memberFunc != nil {
		r.memberFunc(Member{
			Header:            r.Header,
			CompressedStart:   r.memberStart,
			CompressedSize:    r.src.offset() - r.memberStart,
			UncompressedStart: r.memberPayloadStart,
			UncompressedSize:  r.offset - r.memberPayloadStart,
			Crc32:             r.crc,
		})
	}
	r.state = statePadding
	return nil
}

// skipPadding consumes zero valued filler bytes between members. It reports
// done when the source is exhausted, the clean end of the container.
func (r *Reader) skipPadding() (bool, error) {
	for {
		if _, err := r.src.peek(1); err != nil {
			if err == io.EOF {
				return true, nil
			}
			return false, err
		}
		window := r.src.window()
		i := 0
		for i < len(window) && window[i] == 0 {
			i++
		}
		r.src.discard(i)
		if i < len(window) {
			// non zero byte, the next member header starts here
			return false, nil
		}
	}
}

// Seek implements io.Seeker over the decoded stream and needs the
// underlying reader to be an io.Seeker itself. A backward seek restarts at
// a member boundary, the start of the container unless an index knows a
// closer one, and decodes forward discarding output until the target.
// io.SeekEnd scans the remaining members once to learn the total size,
// which is cached afterwards.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.src == nil {
		return 0, errors.New("reader was closed already")
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.rawSeeker == nil {
		return 0, fmt.Errorf("seeking needs an io.Seeker source, got %T", r.raw)
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.offset + offset
	case io.SeekEnd:
		if r.size < 0 {
			if err := r.scanToEnd(); err != nil {
				return 0, err
			}
		}
		target = r.size + offset
	default:
		return 0, fmt.Errorf("unknown seek whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("cannot seek to negative offset %d", target)
	}

	if target < r.offset {
		if err := r.restart(target); err != nil {
			return 0, err
		}
	}
	if target > r.offset {
		if _, err := io.CopyN(io.Discard, r, target-r.offset); err != nil {
			return 0, err
		}
	}
	return r.offset, nil
}

// restart rewinds the source to the closest known member boundary at or
// before target and resumes decoding there.
func (r *Reader) restart(target int64) error {
	compressedOff, uncompressedOff := int64(0), int64(0)
	if r.index != nil {
		if c, u, ok := r.index.Locate(target); ok {
			compressedOff, uncompressedOff = c, u
		}
	}
	if _, err := r.rawSeeker.Seek(compressedOff, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding the source to offset %d failed with %w", compressedOff, err)
	}
	r.src.reset(r.raw, compressedOff)
	r.offset = uncompressedOff
	r.state = stateHeader
	if err := r.readMemberHeader(); err != nil {
		if err == io.EOF {
			return fmt.Errorf("no member header at offset %d: %w", compressedOff, io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}

// scanToEnd decodes and discards the rest of the container to learn the
// total decoded size.
func (r *Reader) scanToEnd() error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	r.size = r.offset
	return nil
}

// fail latches err so that every later call fails the same way. A broken
// container is not resumable.
func (r *Reader) fail(err error) error {
	r.err = err
	return err
}

// Close releases the reader's buffers. It does not close the underlying
// reader.
func (r *Reader) Close() error {
	if r.src == nil {
		return nil
	}
	r.src.release()
	r.src = nil
	if r.inf != nil {
		err := r.inf.Close()
		r.inf = nil
		return err
	}
	return nil
}
