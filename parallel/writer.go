package parallel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
	"github.com/thomasjungblut/go-gzstream/gzfile"
)

// Layout selects how the compressed blocks are framed in the container.
type Layout int

const (
	// SingleMember stitches all blocks into one member: the blocks form one
	// logical deflate stream through dictionary chaining and sync flushes, and
	// the trailer checksum is combined from the per block checksums. Output is
	// byte compatible with any gzip decoder and compresses as well as a serial
	// writer, but members cannot be skipped individually.
	SingleMember Layout = iota
	// MultiMember emits every block as its own complete member, the layout
	// multi member gzip tools produce. Blocks do not reference each other, so
	// a reader holding an index can start decoding at any block boundary.
	MultiMember
)

// DefaultBlockSizeBytes is the chunk size blocks are cut at unless
// BlockSizeBytes says otherwise.
const DefaultBlockSizeBytes = 1 << 20

type blockResult struct {
	compressed      []byte
	crc             uint32
	uncompressedLen int
	last            bool
	err             error
	// flushAck marks a barrier instead of a block: the collector answers on
	// it once everything queued before the barrier has been written out.
	flushAck chan error
}

type collectorState struct {
	wroteHeader     bool
	crc             uint32
	compressedOff   int64
	uncompressedOff int64
}

// Writer compresses a container across several goroutines. The caller side
// cuts the payload into blocks and hands them to a fixed pool of
// compression contexts; a collector goroutine writes the results to the
// destination in submission order, so output bytes are identical run to
// run no matter how the workers are scheduled.
//
// Writer is not safe for concurrent use, but Write only blocks once all
// contexts are busy and the collector has fallen a full pool behind.
type Writer struct {
	// Header is written in front of the payload, once per member. Callers
	// may fill it after construction as long as no byte has been written.
	Header gzfile.Header

	dst        io.Writer
	layout     Layout
	level      int
	blockSize  int
	memberFunc func(gzfile.Member)

	bufferPool  *pool.BufferPool
	compressors chan *BlockCompressor

	results       chan chan blockResult
	errCh         chan error
	collectorDone chan struct{}
	collectorErr  error
	st            collectorState
	hdrBuf        []byte

	current      []byte
	fill         int
	prevTail     []byte
	blocks       int
	uncompressed int64
	closed       bool
	err          error
}

// WriterOptions are the configurable options for a Writer.
type WriterOptions struct {
	layout      Layout
	level       int
	blockSize   int
	concurrency int
	header      gzfile.Header
	memberFunc  func(gzfile.Member)
}

type WriterOption func(*WriterOptions)

// WriterLayout selects the block framing, SingleMember by default.
func WriterLayout(l Layout) WriterOption {
	return func(args *WriterOptions) {
		args.layout = l
	}
}

// CompressionLevel sets the deflate level for every block.
func CompressionLevel(p int) WriterOption {
	return func(args *WriterOptions) {
		args.level = p
	}
}

// BlockSizeBytes sets the payload size blocks are cut at. Smaller blocks
// parallelize and seek better, larger blocks compress better.
func BlockSizeBytes(p int) WriterOption {
	return func(args *WriterOptions) {
		args.blockSize = p
	}
}

// Concurrency caps the number of blocks compressed at the same time. It
// defaults to the number of usable CPUs.
func Concurrency(p int) WriterOption {
	return func(args *WriterOptions) {
		args.concurrency = p
	}
}

// WithHeader sets the member header fields to write.
func WithHeader(header gzfile.Header) WriterOption {
	return func(args *WriterOptions) {
		args.header = header
	}
}

// WithMemberFunc registers a callback the collector fires after each
// finished member, in order. With MultiMember framing that is one call per
// block, which is exactly the boundary feed an index builder needs.
func WithMemberFunc(f func(gzfile.Member)) WriterOption {
	return func(args *WriterOptions) {
		args.memberFunc = f
	}
}

// NewWriter creates a parallel Writer on top of dst. The level is validated
// eagerly, as are the sizing options; the header goes out lazily with the
// first block.
func NewWriter(dst io.Writer, writerOptions ...WriterOption) (*Writer, error) {
	opts := &WriterOptions{
		layout:      SingleMember,
		level:       engine.DefaultCompression,
		blockSize:   DefaultBlockSizeBytes,
		concurrency: runtime.GOMAXPROCS(0),
		// 255 marks an unknown operating system
		header: gzfile.Header{OS: 255},
	}
	for _, writerOption := range writerOptions {
		writerOption(opts)
	}
	if dst == nil {
		return nil, errors.New("NewWriter: a destination writer must be supplied")
	}
	if opts.layout != SingleMember && opts.layout != MultiMember {
		return nil, fmt.Errorf("NewWriter: unknown layout %d", opts.layout)
	}
	if opts.blockSize <= 0 {
		return nil, fmt.Errorf("NewWriter: block size must be positive, got %d", opts.blockSize)
	}
	if opts.concurrency <= 0 {
		return nil, fmt.Errorf("NewWriter: concurrency must be positive, got %d", opts.concurrency)
	}

	compressors := make(chan *BlockCompressor, opts.concurrency)
	for i := 0; i < opts.concurrency; i++ {
		bc, err := NewBlockCompressor(opts.blockSize, opts.level)
		if err != nil {
			return nil, err
		}
		compressors <- bc
	}

	w := &Writer{
		Header:      opts.header,
		layout:      opts.layout,
		level:       opts.level,
		blockSize:   opts.blockSize,
		memberFunc:  opts.memberFunc,
		bufferPool:  new(pool.BufferPool),
		compressors: compressors,
	}
	w.start(dst)
	return w, nil
}

func (w *Writer) start(dst io.Writer) {
	w.dst = dst
	w.st = collectorState{}
	w.errCh = make(chan error, 1)
	w.results = make(chan chan blockResult, cap(w.compressors)*2)
	w.collectorDone = make(chan struct{})
	w.collectorErr = nil
	go w.collect()
}

// checkErr pulls an error the collector may have posted into the caller
// side latch. Write, CutBlock, Flush and Close all run on one goroutine, so
// the latch itself needs no lock.
func (w *Writer) checkErr() error {
	if w.err == nil {
		select {
		case err := <-w.errCh:
			w.err = err
		default:
		}
	}
	return w.err
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("writer was closed already")
	}
	total := 0
	for len(p) > 0 {
		if err := w.checkErr(); err != nil {
			return total, err
		}
		if w.current == nil {
			w.current = w.bufferPool.Get(w.blockSize)
			w.fill = 0
		}
		n := copy(w.current[w.fill:], p)
		w.fill += n
		p = p[n:]
		total += n
		if w.fill == w.blockSize {
			w.dispatch(w.current, false)
			w.current = nil
		}
	}
	w.uncompressed += int64(total)
	return total, nil
}

// CutBlock ends the block currently being filled, so the next byte written
// starts a fresh one. Data dependent chunkers use this to place block
// boundaries; it queues the partial block without waiting for it.
func (w *Writer) CutBlock() error {
	if w.closed {
		return errors.New("writer was closed already")
	}
	if err := w.checkErr(); err != nil {
		return err
	}
	if w.current != nil && w.fill > 0 {
		w.dispatch(w.current[:w.fill], false)
		w.current = nil
	}
	return nil
}

// Flush cuts the current block and blocks until everything written so far
// has been handed to the destination. With SingleMember framing the stream
// stays decodable up to this point through the sync flush markers. Before
// the first written byte Flush is a no-op and does not emit a header.
func (w *Writer) Flush() error {
	if err := w.CutBlock(); err != nil {
		return err
	}
	ack := make(chan error, 1)
	resCh := make(chan blockResult, 1)
	resCh <- blockResult{flushAck: ack}
	w.results <- resCh
	if err := <-ack; err != nil {
		w.err = err
		return err
	}
	return nil
}

// Close queues the final block, waits for the collector to write the last
// trailer and returns the first error of the whole stream. Closing twice is
// allowed and returns the same error.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.checkErr() == nil {
		chunk := []byte(nil)
		if w.current != nil {
			chunk = w.current[:w.fill]
			w.current = nil
		}
		// a single member always needs its final block and trailer, even
		// empty; extra members are only forced when none were written at all
		if w.layout == SingleMember || len(chunk) > 0 || w.blocks == 0 {
			w.dispatch(chunk, true)
		} else if chunk != nil {
			w.bufferPool.Put(chunk)
		}
	}
	close(w.results)
	<-w.collectorDone
	if w.collectorErr != nil {
		w.err = w.collectorErr
	}
	return w.err
}

// Reset discards all stream state and starts a fresh container on dst.
// Resetting a writer that was not closed lets blocks already queued drain
// to the old destination and ends that container mid stream, without a
// trailer.
func (w *Writer) Reset(dst io.Writer) {
	if !w.closed {
		close(w.results)
		<-w.collectorDone
	}
	if w.prevTail != nil {
		w.bufferPool.Put(w.prevTail)
		w.prevTail = nil
	}
	if w.current != nil {
		w.bufferPool.Put(w.current)
		w.current = nil
	}
	w.fill = 0
	w.blocks = 0
	w.uncompressed = 0
	w.closed = false
	w.err = nil
	w.start(dst)
}

// UncompressedSize returns the number of payload bytes accepted so far.
func (w *Writer) UncompressedSize() int64 {
	return w.uncompressed
}

// CompressedSize returns the number of container bytes handed to the
// destination. It is only stable once Close returned.
func (w *Writer) CompressedSize() int64 {
	return w.st.compressedOff
}

// dispatch hands chunk to a worker, transferring ownership of its buffer.
// Blocks while all compression contexts are busy.
func (w *Writer) dispatch(chunk []byte, last bool) {
	dict := w.prevTail
	w.prevTail = nil
	if w.layout == SingleMember && !last {
		// the next block may back-reference into this one, keep its tail
		n := len(chunk)
		if n > engine.MaxWindowSize {
			n = engine.MaxWindowSize
		}
		tail := w.bufferPool.Get(n)
		copy(tail, chunk[len(chunk)-n:])
		w.prevTail = tail
	}
	w.blocks++
	bc := <-w.compressors
	resCh := make(chan blockResult, 1)
	w.results <- resCh
	go w.compressBlock(bc, chunk, dict, last, resCh)
}

func (w *Writer) compressBlock(bc *BlockCompressor, chunk, dict []byte, last bool, resCh chan<- blockResult) {
	uncompressedLen := len(chunk)
	var compressed []byte
	var crc uint32
	var err error
	if last || w.layout == MultiMember {
		compressed, crc, err = bc.CompressFinal(chunk, dict)
	} else {
		compressed, crc, err = bc.CompressBlock(chunk, dict)
	}
	var out []byte
	if err == nil {
		// the scratch view dies when the context is reused, copy it out
		// before releasing the compressor
		out = w.bufferPool.Get(len(compressed))
		copy(out, compressed)
	}
	w.compressors <- bc
	w.bufferPool.Put(chunk)
	w.bufferPool.Put(dict)
	resCh <- blockResult{compressed: out, crc: crc, uncompressedLen: uncompressedLen, last: last, err: err}
}

// collect is the only goroutine touching dst. It consumes block results in
// submission order, which makes the output deterministic, and keeps
// draining after an error so no worker is ever stuck.
func (w *Writer) collect() {
	var failed error
	fail := func(err error) {
		if failed == nil && err != nil {
			failed = err
			w.errCh <- err
		}
	}
	for resCh := range w.results {
		res := <-resCh
		if res.flushAck != nil {
			res.flushAck <- failed
			continue
		}
		if res.err != nil {
			fail(res.err)
		}
		if failed != nil {
			w.bufferPool.Put(res.compressed)
			continue
		}
		fail(w.stitch(res))
		w.bufferPool.Put(res.compressed)
	}
	w.collectorErr = failed
	close(w.collectorDone)
}

func (w *Writer) stitch(res blockResult) error {
	if w.layout == MultiMember {
		return w.stitchMember(res)
	}
	if !w.st.wroteHeader {
		if err := w.writeMemberHeader(); err != nil {
			return err
		}
		w.st.wroteHeader = true
	}
	if err := w.writeOut(res.compressed); err != nil {
		return err
	}
	w.st.crc = checksum.CombineCrc32(w.st.crc, res.crc, int64(res.uncompressedLen))
	w.st.uncompressedOff += int64(res.uncompressedLen)
	if !res.last {
		return nil
	}
	if err := w.writeTrailer(w.st.crc, uint32(w.st.uncompressedOff)); err != nil {
		return err
	}
	if w.memberFunc != nil {
		w.memberFunc(gzfile.Member{
			Header:           w.Header,
			CompressedSize:   w.st.compressedOff,
			UncompressedSize: w.st.uncompressedOff,
			Crc32:            w.st.crc,
		})
	}
	return nil
}

func (w *Writer) stitchMember(res blockResult) error {
	memberStart := w.st.compressedOff
	if err := w.writeMemberHeader(); err != nil {
		return err
	}
	if err := w.writeOut(res.compressed); err != nil {
		return err
	}
	if err := w.writeTrailer(res.crc, uint32(res.uncompressedLen)); err != nil {
		return err
	}
	if w.memberFunc != nil {
		w.memberFunc(gzfile.Member{
			Header:            w.Header,
			CompressedStart:   memberStart,
			CompressedSize:    w.st.compressedOff - memberStart,
			UncompressedStart: w.st.uncompressedOff,
			UncompressedSize:  int64(res.uncompressedLen),
			Crc32:             res.crc,
		})
	}
	w.st.uncompressedOff += int64(res.uncompressedLen)
	return nil
}

func (w *Writer) writeMemberHeader() error {
	encoded, err := w.Header.AppendTo(w.hdrBuf[:0], w.level)
	if err != nil {
		return err
	}
	w.hdrBuf = encoded
	return w.writeOut(encoded)
}

func (w *Writer) writeTrailer(crc, isize uint32) error {
	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[:4], crc)
	binary.LittleEndian.PutUint32(trailer[4:], isize)
	return w.writeOut(trailer[:])
}

func (w *Writer) writeOut(p []byte) error {
	n, err := w.dst.Write(p)
	w.st.compressedOff += int64(n)
	if err != nil {
		return fmt.Errorf("writing %d container bytes at offset %d failed with %w", len(p), w.st.compressedOff-int64(n), err)
	}
	return nil
}
