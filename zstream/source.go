package zstream

import (
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

// chanSource adapts the push-style Decompress contract to the engine's pull
// model. It implements engine.Source, which keeps the engine from buffering
// on top of it and so keeps input consumption byte-exact. Whenever the
// current chunk is drained it signals hunger and parks on the feed channel; a
// closed feed channel reads as io.EOF.
type chanSource struct {
	feedCh     <-chan []byte
	wantCh     chan<- struct{}
	bufferPool *pool.BufferPool

	cur     []byte
	off     int
	drained bool
}

func (s *chanSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for s.off >= len(s.cur) {
		if !s.refill() {
			return 0, io.EOF
		}
	}
	n := copy(p, s.cur[s.off:])
	s.off += n
	return n, nil
}

func (s *chanSource) ReadByte() (byte, error) {
	for s.off >= len(s.cur) {
		if !s.refill() {
			return 0, io.EOF
		}
	}
	b := s.cur[s.off]
	s.off++
	return b, nil
}

func (s *chanSource) refill() bool {
	if s.drained {
		return false
	}
	if s.cur != nil {
		s.bufferPool.Put(s.cur)
		s.cur = nil
		s.off = 0
	}
	s.wantCh <- struct{}{}
	chunk, ok := <-s.feedCh
	if !ok {
		s.drained = true
		return false
	}
	s.cur = chunk
	s.off = 0
	return true
}

// takeRest copies out the unread remainder of the current chunk and releases
// the chunk. Only the orchestrator calls this, and only once the engine is
// done with the source for good.
func (s *chanSource) takeRest() []byte {
	var rest []byte
	if s.off < len(s.cur) {
		rest = append([]byte{}, s.cur[s.off:]...)
	}
	if s.cur != nil {
		s.bufferPool.Put(s.cur)
		s.cur = nil
		s.off = 0
	}
	return rest
}
