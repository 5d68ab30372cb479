package parallel

import "io"

// rollingWindowSize is both the span of the rolling checksum and the
// modulus of the cut test, mirroring the splitting rule of rsyncable gzip
// tools.
const rollingWindowSize = 4096

// RsyncableWriter places block boundaries where a rolling checksum over the
// last 4096 payload bytes hits zero instead of at fixed offsets. Boundaries
// then depend only on nearby content: a localized edit disturbs the blocks
// around it and re-synchronizes at the next cut, keeping the rest of the
// compressed file byte identical for delta transfers.
//
// Blocks are framed as independent members, so the cuts also stop the
// compressor from referencing across a boundary.
type RsyncableWriter struct {
	*Writer

	window [rollingWindowSize]byte
	sum    int
	idx    int
}

// NewRsyncableWriter creates a Writer whose blocks are cut by content. The
// member framing is fixed to MultiMember, every other option applies as in
// NewWriter; BlockSizeBytes remains the upper bound for a block when the
// content never produces a cut.
func NewRsyncableWriter(dst io.Writer, writerOptions ...WriterOption) (*RsyncableWriter, error) {
	writerOptions = append(writerOptions, WriterLayout(MultiMember))
	w, err := NewWriter(dst, writerOptions...)
	if err != nil {
		return nil, err
	}
	return &RsyncableWriter{Writer: w}, nil
}

func (rw *RsyncableWriter) Write(data []byte) (int, error) {
	written := 0
	for {
		cut := rw.scan(data)
		if cut < 0 {
			break
		}
		n, err := rw.Writer.Write(data[:cut])
		written += n
		if err != nil {
			return written, err
		}
		if err := rw.CutBlock(); err != nil {
			return written, err
		}
		rw.sum, rw.idx = 0, 0
		data = data[cut:]
	}
	n, err := rw.Writer.Write(data)
	return written + n, err
}

// scan feeds data into the rolling checksum and returns the length of the
// prefix ending at the first cut, or -1 when no cut fires. The first
// rollingWindowSize bytes after a cut only prime the window.
func (rw *RsyncableWriter) scan(data []byte) int {
	for i, b := range data {
		slot := rw.idx % rollingWindowSize
		if rw.idx >= rollingWindowSize {
			rw.sum -= int(rw.window[slot])
		}
		rw.window[slot] = b
		rw.sum += int(b)
		rw.idx++
		if rw.idx >= rollingWindowSize && rw.sum%rollingWindowSize == 0 {
			return i + 1
		}
	}
	return -1
}
