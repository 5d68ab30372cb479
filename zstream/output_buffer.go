package zstream

import (
	pool "github.com/libp2p/go-buffer-pool"
)

// outputBuffer is an owned, growable byte region assembling engine output
// when the final size is not known up front. Capacity doubles on demand up to
// an optional hard maximum. All bookkeeping is done by offset, so growing
// never invalidates positions callers hold on to.
type outputBuffer struct {
	bufferPool *pool.BufferPool
	buf        []byte
	occupied   int
	hardMax    int // < 0 means unbounded
}

// newOutputBuffer allocates exactly initialSize bytes, bounded by hardMax.
func newOutputBuffer(bufferPool *pool.BufferPool, initialSize, hardMax int) *outputBuffer {
	if hardMax >= 0 && initialSize > hardMax {
		initialSize = hardMax
	}
	var buf []byte
	if initialSize > 0 {
		buf = bufferPool.Get(initialSize)
	}
	return &outputBuffer{bufferPool: bufferPool, buf: buf, hardMax: hardMax}
}

// ensure makes room for more output. While there is free capacity it does
// nothing. Once the buffer is exactly full the capacity doubles, clamped to
// the hard maximum, preserving all occupied bytes. The false return is the
// limit-reached outcome: capacity sits at the hard maximum and every byte of
// it is occupied, so the caller has to stop producing output. That is a
// control signal, not an error.
func (o *outputBuffer) ensure() bool {
	if o.occupied < len(o.buf) {
		return true
	}
	if o.hardMax >= 0 && len(o.buf) >= o.hardMax {
		return false
	}

	newCap := len(o.buf) * 2
	if newCap == 0 {
		newCap = 64
	}
	if o.hardMax >= 0 && newCap > o.hardMax {
		newCap = o.hardMax
	}

	grown := o.bufferPool.Get(newCap)
	copy(grown, o.buf[:o.occupied])
	if o.buf != nil {
		o.bufferPool.Put(o.buf)
	}
	o.buf = grown
	return true
}

// writableTail returns the free space at the end of the buffer.
func (o *outputBuffer) writableTail() []byte {
	return o.buf[o.occupied:]
}

// advance marks n more bytes as occupied after the caller wrote them into the
// writable tail.
func (o *outputBuffer) advance(n int) {
	o.occupied += n
}

// stepBudget bounds the next production step to stepMax bytes and to
// whatever room remains below the hard maximum.
func (o *outputBuffer) stepBudget(stepMax int) int {
	if o.hardMax < 0 {
		return stepMax
	}
	if remaining := o.hardMax - o.occupied; remaining < stepMax {
		return remaining
	}
	return stepMax
}

// take detaches the occupied bytes and hands their ownership to the caller.
// The buffer must not be used afterwards.
func (o *outputBuffer) take() []byte {
	buf := o.buf[:o.occupied]
	o.buf = nil
	o.occupied = 0
	if buf == nil {
		return []byte{}
	}
	return buf
}

// discard releases the allocation back to the pool, used on error paths where
// partial output must not surface.
func (o *outputBuffer) discard() {
	if o.buf != nil {
		o.bufferPool.Put(o.buf)
		o.buf = nil
	}
	o.occupied = 0
}
