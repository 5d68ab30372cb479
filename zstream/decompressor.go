package zstream

import (
	"errors"
	"io"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/thomasjungblut/go-gzstream/engine"
)

// StreamEnded is returned when Decompress is called after the stream already
// reported its end, a caller ordering bug rather than a recoverable state.
var StreamEnded = errors.New("decompress was called after the end of the stream")

const (
	// upper bound for one engine step
	maxStepSize = 64 * 1024
	// upper bound for one carry-over chunk handed to the engine
	maxFeedSize = 1024 * 1024
	// first output allocation of a call without a tighter limit
	initialOutputSize = 64 * 1024
)

type stepResult struct {
	data []byte
	err  error
}

// Decompressor incrementally decompresses one stream that is fed to it in
// arbitrary chunks, tracking carry-over, end of stream and trailing bytes the
// way incremental codecs conventionally do.
//
// The engine pulls its input while callers push theirs. To bridge the two,
// the engine runs on an internal goroutine that parks on a channel-backed
// source whenever it is starved; Decompress feeds that source and collects
// the bounded decode steps. Requests and responses strictly alternate, so the
// two goroutines never touch shared buffers at the same time.
//
// A Decompressor is owned by exactly one caller at a time, and Close must
// always be called to reap the engine goroutine.
type Decompressor struct {
	format engine.Format
	dict   []byte

	bufferPool *pool.BufferPool

	feedCh chan []byte
	wantCh chan struct{}
	reqCh  chan int
	respCh chan stepResult
	doneCh chan struct{}
	src    *chanSource

	pending        [][]byte // carry-over chunks not yet handed to the engine
	carryOut       []byte   // decoded bytes that exceeded an earlier output limit
	reqOutstanding bool     // an engine step was requested and not answered yet
	hungry         bool     // the engine is parked waiting for the next chunk

	streamDone bool
	needsInput bool
	unused     []byte
	err        error
	closed     bool
}

type DecompressorOptions struct {
	format engine.Format
	dict   []byte
}

type DecompressorOption func(*DecompressorOptions)

// DecompressFormat selects the wrapper format of the incoming stream, by
// default FormatZlib.
func DecompressFormat(f engine.Format) DecompressorOption {
	return func(args *DecompressorOptions) {
		args.format = f
	}
}

// DecompressDict supplies the preset dictionary the stream was compressed
// with. Dictionaries are only expressible in the raw and zlib formats.
func DecompressDict(dict []byte) DecompressorOption {
	return func(args *DecompressorOptions) {
		args.dict = dict
	}
}

// NewDecompressor creates a decompressor for a single stream.
func NewDecompressor(options ...DecompressorOption) (*Decompressor, error) {
	opts := &DecompressorOptions{format: engine.FormatZlib}
	for _, option := range options {
		option(opts)
	}

	if opts.dict != nil && opts.format == engine.FormatGzip {
		return nil, errors.New("NewDecompressor: the gzip format cannot carry a preset dictionary")
	}

	d := &Decompressor{
		format:     opts.format,
		dict:       opts.dict,
		bufferPool: new(pool.BufferPool),
		feedCh:     make(chan []byte),
		wantCh:     make(chan struct{}, 1),
		reqCh:      make(chan int, 1),
		respCh:     make(chan stepResult, 1),
		doneCh:     make(chan struct{}),
		needsInput: true,
	}
	d.src = &chanSource{feedCh: d.feedCh, wantCh: d.wantCh, bufferPool: d.bufferPool}
	go d.engineLoop()
	return d, nil
}

// engineLoop owns the engine context and the source. Construction happens in
// here as well, because the zlib and gzip wrappers read their headers eagerly
// and must be able to park on the source until the first chunks arrive.
func (d *Decompressor) engineLoop() {
	defer close(d.doneCh)

	r, err := engine.NewStreamReader(d.format, d.src, d.dict)
	scratch := make([]byte, maxStepSize)
	for max := range d.reqCh {
		if err != nil {
			d.respCh <- stepResult{err: err}
			continue
		}
		if max > len(scratch) {
			max = len(scratch)
		}
		n, rerr := r.Read(scratch[:max])
		d.respCh <- stepResult{data: scratch[:n], err: rerr}
		if rerr != nil {
			// sticky: neither the engine nor the source is touched again
			err = rerr
		}
	}
}

// Decompress appends data to the internal carry-over and inflates up to
// maxLength bytes out of it. A negative maxLength lifts the limit; a
// maxLength of zero only queues the data without decoding anything. The data
// slice is copied internally, so the caller never has to re-present bytes.
//
// After the call, EOF, NeedsInput and UnusedData describe where the stream
// stands. Engine failures discard all carry-over and pending output and latch
// the error; calling Decompress after EOF became true returns StreamEnded.
func (d *Decompressor) Decompress(data []byte, maxLength int) ([]byte, error) {
	if d.closed {
		return nil, errors.New("decompressor is already closed")
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.EOF() {
		return nil, StreamEnded
	}

	d.queue(data)

	if maxLength == 0 {
		// no output requested, nothing decoded and nothing to report yet:
		// the queued bytes wait for the next call
		return []byte{}, nil
	}

	initial := initialOutputSize
	if maxLength > 0 && maxLength < initial {
		initial = maxLength
	}
	out := newOutputBuffer(d.bufferPool, initial, maxLength)
	d.needsInput = false

	// spill from the previous call goes out first
	if len(d.carryOut) > 0 {
		spill := d.carryOut
		d.carryOut = nil
		d.deliver(out, spill)
	}

	for !d.streamDone {
		if d.hungry {
			if len(d.pending) == 0 {
				// the engine is parked mid-step with nothing left to feed it;
				// the step resumes on the next call
				d.needsInput = true
				return out.take(), nil
			}
			d.feed()
			continue
		}

		if !d.reqOutstanding {
			budget := out.stepBudget(maxStepSize)
			if budget == 0 {
				// output limit reached with the stream still open, leftover
				// input stays queued
				return out.take(), nil
			}
			d.reqCh <- budget
			d.reqOutstanding = true
		}

		select {
		case <-d.wantCh:
			d.hungry = true
		case resp := <-d.respCh:
			d.reqOutstanding = false
			if len(resp.data) > 0 {
				d.deliver(out, resp.data)
			}
			switch {
			case resp.err == nil:
				// keep stepping
			case resp.err == io.EOF:
				d.finishStream()
			default:
				err := d.failWith(resp.err)
				out.discard()
				return nil, err
			}
		}
	}

	return out.take(), nil
}

// EOF reports whether the end of the compressed stream was reached and all
// decoded bytes were handed out.
func (d *Decompressor) EOF() bool {
	return d.streamDone && len(d.carryOut) == 0
}

// NeedsInput reports whether the decompressor cannot make progress before
// more input is fed. It is never true once EOF is reached.
func (d *Decompressor) NeedsInput() bool {
	return d.needsInput
}

// UnusedData returns every byte that followed the logical end of the
// compressed stream, in original order. It is populated when the stream end
// is reached and must not be modified by the caller.
func (d *Decompressor) UnusedData() []byte {
	return d.unused
}

// Close reaps the engine goroutine and releases all carry-over. It is
// idempotent and must be called even after errors.
func (d *Decompressor) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	// wake the source if the engine is parked on it, then collect the answer
	// to any outstanding step before shutting the request channel
	close(d.feedCh)
	if d.reqOutstanding {
		<-d.respCh
		d.reqOutstanding = false
	}
	close(d.reqCh)
	<-d.doneCh

	for _, chunk := range d.pending {
		d.bufferPool.Put(chunk)
	}
	d.pending = nil
	d.src.takeRest()
	return nil
}

// queue copies data into owned carry-over chunks, bounded in size so a single
// feed stays a bounded unit of work. Data arriving while leftover output of a
// finished stream is still being handed out goes straight to the unused
// trailing bytes.
func (d *Decompressor) queue(data []byte) {
	if d.streamDone {
		d.unused = append(d.unused, data...)
		return
	}
	for len(data) > 0 {
		n := len(data)
		if n > maxFeedSize {
			n = maxFeedSize
		}
		chunk := d.bufferPool.Get(n)
		copy(chunk, data[:n])
		d.pending = append(d.pending, chunk)
		data = data[n:]
	}
}

// feed hands the next carry-over chunk to the parked engine.
func (d *Decompressor) feed() {
	chunk := d.pending[0]
	d.pending = d.pending[1:]
	d.feedCh <- chunk
	d.hungry = false
}

// deliver moves one engine step into the output buffer, growing it as
// needed. Whatever exceeds the output limit is kept for the next call.
func (d *Decompressor) deliver(out *outputBuffer, data []byte) {
	for len(data) > 0 {
		if !out.ensure() {
			d.carryOut = append(d.carryOut, data...)
			return
		}
		n := copy(out.writableTail(), data)
		out.advance(n)
		data = data[n:]
	}
}

// finishStream records the end of the stream and collects every byte past it,
// in order: first the remainder of the chunk the engine stopped in, then all
// chunks that were never handed over.
func (d *Decompressor) finishStream() {
	d.streamDone = true
	d.needsInput = false
	d.unused = append(d.unused, d.src.takeRest()...)
	for _, chunk := range d.pending {
		d.unused = append(d.unused, chunk...)
		d.bufferPool.Put(chunk)
	}
	d.pending = nil
}

// failWith latches the error and discards all carry-over, a failed stream
// cannot be resumed.
func (d *Decompressor) failWith(err error) error {
	d.err = err
	for _, chunk := range d.pending {
		d.bufferPool.Put(chunk)
	}
	d.pending = nil
	d.carryOut = nil
	return err
}
