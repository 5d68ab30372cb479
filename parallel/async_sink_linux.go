//go:build linux

package parallel

import (
	"fmt"
	"os"

	"github.com/godzie44/go-uring/uring"
)

// AsyncFileSink is an io.WriteCloser that submits file writes to an
// io_uring instead of blocking on the write syscall, keeping the collector
// goroutine off the disk latency path. Waiting happens in two places only:
// when the submission ring is full, and on Flush and Close, which both act
// as barriers for everything submitted before them.
type AsyncFileSink struct {
	ringSize  int32
	submitted int32
	ring      *uring.Ring

	file   *os.File
	offset uint64
}

// NewAsyncFileSink creates or truncates the file at path and sets up an
// io_uring with numRingEntries submission slots, which is also the upper
// bound of writes in flight.
func NewAsyncFileSink(path string, numRingEntries uint32, opts ...uring.SetupOption) (*AsyncFileSink, error) {
	ring, err := uring.New(numRingEntries, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating an io_uring with %d entries failed with %w", numRingEntries, err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		_ = ring.Close()
		return nil, fmt.Errorf("opening file at '%s' failed with %w", path, err)
	}
	if err := ring.RegisterFiles([]int{int(file.Fd())}); err != nil {
		_ = ring.Close()
		_ = file.Close()
		return nil, fmt.Errorf("registering '%s' with the ring failed with %w", path, err)
	}
	return &AsyncFileSink{ringSize: int32(numRingEntries), ring: ring, file: file}, nil
}

func (s *AsyncFileSink) Write(p []byte) (int, error) {
	for s.submitted >= s.ringSize {
		if err := s.awaitOne(); err != nil {
			return 0, err
		}
	}

	// the kernel reads the buffer after this call returns while the caller
	// immediately recycles p into its pool, so the queued write needs a
	// private copy
	owned := make([]byte, len(p))
	copy(owned, p)

	if err := s.ring.QueueSQE(uring.Write(s.file.Fd(), owned, s.offset), 0, 0); err != nil {
		return 0, fmt.Errorf("queueing a %d byte write at offset %d failed with %w", len(p), s.offset, err)
	}
	s.submitted++
	s.offset += uint64(len(p))
	return len(p), nil
}

// Flush blocks until every queued write has completed.
func (s *AsyncFileSink) Flush() error {
	for s.submitted > 0 {
		if err := s.awaitOne(); err != nil {
			return err
		}
	}
	return nil
}

func (s *AsyncFileSink) awaitOne() error {
	cqe, err := s.ring.SubmitAndWaitCQEvents(1)
	if err != nil {
		return err
	}
	s.submitted--
	s.ring.SeenCQE(cqe)
	return cqe.Error()
}

// Close drains the ring and releases it along with the file.
func (s *AsyncFileSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.ring.UnRegisterFiles(); err != nil {
		return err
	}
	if err := s.ring.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
