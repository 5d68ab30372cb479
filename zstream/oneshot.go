package zstream

import (
	"bytes"
	"fmt"
	"io"

	"github.com/thomasjungblut/go-gzstream/engine"
)

type CompressOptions struct {
	format engine.Format
	level  int
	dict   []byte
}

type CompressOption func(*CompressOptions)

// CompressFormat selects the wrapper format of the produced stream, by
// default FormatZlib.
func CompressFormat(f engine.Format) CompressOption {
	return func(args *CompressOptions) {
		args.format = f
	}
}

// CompressLevel sets the compression level, by default the engine's
// DefaultCompression.
func CompressLevel(level int) CompressOption {
	return func(args *CompressOptions) {
		args.level = level
	}
}

// CompressDict seeds the stream with a preset dictionary. The decompressing
// side needs the same dictionary. Only expressible in the raw and zlib
// formats.
func CompressDict(dict []byte) CompressOption {
	return func(args *CompressOptions) {
		args.dict = dict
	}
}

// Compress compresses data into one complete stream in one shot.
func Compress(data []byte, options ...CompressOption) ([]byte, error) {
	opts := &CompressOptions{format: engine.FormatZlib, level: engine.DefaultCompression}
	for _, option := range options {
		option(opts)
	}

	var buf bytes.Buffer
	w, err := engine.NewStreamWriter(opts.format, &buf, opts.level, opts.dict)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing %d bytes failed with %w", len(data), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finishing the compressed stream failed with %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates one complete stream in one shot. The input must hold
// the whole stream, a truncated one fails with io.ErrUnexpectedEOF. Bytes
// trailing the stream end are ignored.
func Decompress(data []byte, options ...DecompressorOption) ([]byte, error) {
	d, err := NewDecompressor(options...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()

	out, err := d.Decompress(data, -1)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, fmt.Errorf("compressed stream of %d bytes ended unexpectedly: %w", len(data), io.ErrUnexpectedEOF)
	}
	return out, nil
}
