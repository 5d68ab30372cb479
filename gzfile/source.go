package gzfile

import (
	"fmt"
	"io"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/thomasjungblut/go-gzstream/engine"
)

const defaultWindowSize = 32 * 1024

// source is a counting byte window over an io.Reader. The container reader
// peeks at upcoming header and trailer fields without consuming them, so a
// multi byte field that straddles a read boundary is retried whole after a
// refill instead of being half consumed. It also satisfies engine.Source,
// which makes the inflate engine pull body bytes through the same window a
// byte at a time and keeps the running offset exact.
type source struct {
	r          io.Reader
	bufferPool *pool.BufferPool
	buf        []byte
	start, end int
	count      int64
	err        error
}

var _ engine.Source = (*source)(nil)

func newSource(r io.Reader, size int) *source {
	if size <= 0 {
		size = defaultWindowSize
	}
	p := new(pool.BufferPool)
	return &source{r: r, bufferPool: p, buf: p.Get(size)}
}

func (s *source) buffered() int {
	return s.end - s.start
}

// fill reads once from the underlying reader into the free tail of the
// window. Pending bytes slide to the front first, and when they fill the
// whole window it is doubled, so a caller waiting for a large field always
// makes progress.
func (s *source) fill() error {
	if s.err != nil {
		return s.err
	}
	if s.start > 0 {
		copy(s.buf, s.buf[s.start:s.end])
		s.end -= s.start
		s.start = 0
	}
	if s.end == len(s.buf) {
		grown := s.bufferPool.Get(2 * len(s.buf))
		copy(grown, s.buf[:s.end])
		s.bufferPool.Put(s.buf)
		s.buf = grown
	}
	for {
		n, err := s.r.Read(s.buf[s.end:])
		s.end += n
		if err != nil {
			s.err = err
			if n > 0 {
				return nil
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// peek returns the next n bytes without consuming them. When the source is
// exhausted before n bytes are buffered it returns the remainder together
// with io.EOF.
func (s *source) peek(n int) ([]byte, error) {
	for s.buffered() < n {
		if err := s.fill(); err != nil {
			return s.buf[s.start:s.end], err
		}
	}
	return s.buf[s.start : s.start+n], nil
}

// discard consumes n buffered bytes. Callers only ever discard what a
// previous peek has shown them.
func (s *source) discard(n int) {
	if n > s.buffered() {
		panic(fmt.Sprintf("discarding %d bytes with only %d buffered", n, s.buffered()))
	}
	s.start += n
	s.count += int64(n)
}

func (s *source) ReadByte() (byte, error) {
	for s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	b := s.buf[s.start]
	s.start++
	s.count++
	return b, nil
}

func (s *source) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for s.buffered() == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.buf[s.start:s.end])
	s.start += n
	s.count += int64(n)
	return n, nil
}

// window returns all buffered bytes without consuming them.
func (s *source) window() []byte {
	return s.buf[s.start:s.end]
}

// offset returns the number of bytes consumed from the underlying reader so
// far.
func (s *source) offset() int64 {
	return s.count
}

// reset points the window at a new reader whose first byte sits at the
// given absolute offset and drops all buffered state.
func (s *source) reset(r io.Reader, off int64) {
	s.r = r
	s.start, s.end = 0, 0
	s.count = off
	s.err = nil
}

func (s *source) release() {
	if s.buf != nil {
		s.bufferPool.Put(s.buf)
		s.buf = nil
	}
}
