package gzfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
	"golang.org/x/exp/mmap"

	"github.com/thomasjungblut/go-gzstream/engine"
)

// FileReader couples a container Reader with the file it reads from, so
// closing one closes both.
type FileReader struct {
	*Reader
	file io.Closer
}

func (r *FileReader) Close() error {
	err := r.Reader.Close()
	if r.file != nil {
		if closeErr := r.file.Close(); err == nil {
			err = closeErr
		}
		r.file = nil
	}
	return err
}

type FileReaderOptions struct {
	path            string
	bufferSizeBytes int
	useDirectIO     bool
	useMmap         bool
	readerOptions   []ReaderOption
}

type FileReaderOption func(*FileReaderOptions)

// ReaderPath sets the path of the container file to read.
func ReaderPath(p string) FileReaderOption {
	return func(args *FileReaderOptions) {
		args.path = p
	}
}

// ReaderBufferSizeBytes sets the read buffer size, both for the source
// window and for the aligned block when direct IO is enabled.
func ReaderBufferSizeBytes(p int) FileReaderOption {
	return func(args *FileReaderOptions) {
		args.bufferSizeBytes = p
	}
}

// DirectIOReader reads the file with O_DIRECT, bypassing the OS page cache.
// The file is then consumed in aligned whole blocks, which rules out
// seeking on the resulting reader.
func DirectIOReader() FileReaderOption {
	return func(args *FileReaderOptions) {
		args.useDirectIO = true
	}
}

// MemoryMappedReader maps the file into memory instead of issuing read
// calls, which makes restart heavy seeking cheap on the source side.
func MemoryMappedReader() FileReaderOption {
	return func(args *FileReaderOptions) {
		args.useMmap = true
	}
}

// WithReaderOptions forwards options to the underlying container Reader.
func WithReaderOptions(options ...ReaderOption) FileReaderOption {
	return func(args *FileReaderOptions) {
		args.readerOptions = append(args.readerOptions, options...)
	}
}

// NewFileReader opens a container file for reading with the given options,
// a path must be supplied.
func NewFileReader(fileReaderOptions ...FileReaderOption) (*FileReader, error) {
	opts := &FileReaderOptions{
		bufferSizeBytes: defaultWindowSize,
	}
	for _, option := range fileReaderOptions {
		option(opts)
	}
	if opts.path == "" {
		return nil, errors.New("NewFileReader: a path must be supplied")
	}
	if opts.useDirectIO && opts.useMmap {
		return nil, errors.New("NewFileReader: direct IO and memory mapping are mutually exclusive")
	}

	var raw io.Reader
	var file io.Closer
	switch {
	case opts.useMmap:
		mapped, err := mmap.Open(opts.path)
		if err != nil {
			return nil, fmt.Errorf("memory mapping file at '%s' failed with %w", opts.path, err)
		}
		raw = io.NewSectionReader(mapped, 0, int64(mapped.Len()))
		file = mapped
	case opts.useDirectIO:
		directFile, err := directio.OpenFile(opts.path, os.O_RDONLY, 0666)
		if err != nil {
			return nil, fmt.Errorf("opening file at '%s' with direct IO failed with %w", opts.path, err)
		}
		raw = &alignedReader{file: directFile, block: directio.AlignedBlock(blockAligned(opts.bufferSizeBytes))}
		file = directFile
	default:
		plainFile, err := os.Open(opts.path)
		if err != nil {
			return nil, fmt.Errorf("opening file at '%s' failed with %w", opts.path, err)
		}
		raw = plainFile
		file = plainFile
	}

	readerOptions := append([]ReaderOption{ReadBufferSizeBytes(opts.bufferSizeBytes)}, opts.readerOptions...)
	reader, err := NewReader(raw, readerOptions...)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &FileReader{Reader: reader, file: file}, nil
}

// FileWriter couples a container Writer with the file it writes to. Close
// ends the current member, flushes and closes the file. NextMember ends the
// current member and starts another one in the same file.
type FileWriter struct {
	*Writer
	flushFile func() error
	closeFile func() error
}

// NextMember ends the current member and starts a fresh one right after it.
func (w *FileWriter) NextMember() error {
	if err := w.Writer.Close(); err != nil {
		return err
	}
	w.Writer.Reset(w.dst)
	return nil
}

func (w *FileWriter) Flush() error {
	if err := w.Writer.Flush(); err != nil {
		return err
	}
	if w.flushFile != nil {
		return w.flushFile()
	}
	return nil
}

func (w *FileWriter) Close() error {
	if err := w.Writer.Close(); err != nil {
		_ = w.closeFile()
		return err
	}
	if w.flushFile != nil {
		if err := w.flushFile(); err != nil {
			_ = w.closeFile()
			return err
		}
	}
	return w.closeFile()
}

type FileWriterOptions struct {
	path            string
	level           int
	bufferSizeBytes int
	useDirectIO     bool
	header          Header
}

type FileWriterOption func(*FileWriterOptions)

// WriterPath sets the path of the container file to write. An existing file
// is truncated.
func WriterPath(p string) FileWriterOption {
	return func(args *FileWriterOptions) {
		args.path = p
	}
}

// CompressionLevel sets the deflate level for all members of the file.
func CompressionLevel(p int) FileWriterOption {
	return func(args *FileWriterOptions) {
		args.level = p
	}
}

// WriterBufferSizeBytes sets the write buffer size, by default it uses the
// source window default.
func WriterBufferSizeBytes(p int) FileWriterOption {
	return func(args *FileWriterOptions) {
		args.bufferSizeBytes = p
	}
}

// DirectIOWriter writes the file with O_DIRECT. The final partial block is
// zero padded on disk and the file truncated back to its logical size on
// Close.
func DirectIOWriter() FileWriterOption {
	return func(args *FileWriterOptions) {
		args.useDirectIO = true
	}
}

// WithHeader seeds the member header fields, they apply to every member the
// writer emits unless changed in between.
func WithHeader(h Header) FileWriterOption {
	return func(args *FileWriterOptions) {
		args.header = h
	}
}

// NewFileWriter creates a container file writer with the given options, a
// path must be supplied.
func NewFileWriter(fileWriterOptions ...FileWriterOption) (*FileWriter, error) {
	opts := &FileWriterOptions{
		level:           engine.DefaultCompression,
		bufferSizeBytes: defaultWindowSize,
		header:          Header{OS: osUnknown},
	}
	for _, option := range fileWriterOptions {
		option(opts)
	}
	if opts.path == "" {
		return nil, errors.New("NewFileWriter: a path must be supplied")
	}

	if opts.useDirectIO {
		directFile, err := directio.OpenFile(opts.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return nil, fmt.Errorf("opening file at '%s' with direct IO failed with %w", opts.path, err)
		}
		aligned := &alignedWriter{file: directFile, block: directio.AlignedBlock(blockAligned(opts.bufferSizeBytes))}
		writer, err := NewWriterLevel(aligned, opts.level)
		if err != nil {
			_ = directFile.Close()
			return nil, err
		}
		writer.Header = opts.header
		return &FileWriter{Writer: writer, closeFile: aligned.close}, nil
	}

	plainFile, err := os.OpenFile(opts.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening file at '%s' failed with %w", opts.path, err)
	}
	buffered := bufio.NewWriterSize(plainFile, opts.bufferSizeBytes)
	writer, err := NewWriterLevel(buffered, opts.level)
	if err != nil {
		_ = plainFile.Close()
		return nil, err
	}
	writer.Header = opts.header
	return &FileWriter{
		Writer:    writer,
		flushFile: buffered.Flush,
		closeFile: func() error {
			if err := plainFile.Sync(); err != nil {
				_ = plainFile.Close()
				return err
			}
			return plainFile.Close()
		},
	}, nil
}

// alignedReader serves reads out of an O_DIRECT aligned block. The file is
// only ever read one whole block at a time, so every read call the kernel
// sees is aligned.
type alignedReader struct {
	file  *os.File
	block []byte
	have  int
	off   int
	err   error
}

func (a *alignedReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for a.off == a.have {
		if err := a.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, a.block[a.off:a.have])
	a.off += n
	return n, nil
}

func (a *alignedReader) fill() error {
	if a.err != nil {
		return a.err
	}
	for {
		n, err := a.file.Read(a.block)
		if n > 0 {
			a.have, a.off = n, 0
			if err != nil {
				a.err = err
			}
			return nil
		}
		if err != nil {
			a.err = err
			return err
		}
	}
}

// alignedWriter batches writes into an O_DIRECT aligned block and only ever
// writes whole blocks. close zero pads the final block and truncates the
// file back to the logical size, so the on disk result is byte identical to
// a buffered write.
type alignedWriter struct {
	file    *os.File
	block   []byte
	fill    int
	written int64
}

func (a *alignedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := copy(a.block[a.fill:], p)
		a.fill += n
		p = p[n:]
		total += n
		if a.fill == len(a.block) {
			if _, err := a.file.Write(a.block); err != nil {
				return total, err
			}
			a.written += int64(len(a.block))
			a.fill = 0
		}
	}
	return total, nil
}

func (a *alignedWriter) close() error {
	logical := a.written + int64(a.fill)
	if a.fill > 0 {
		for i := a.fill; i < len(a.block); i++ {
			a.block[i] = 0
		}
		if _, err := a.file.Write(a.block); err != nil {
			_ = a.file.Close()
			return err
		}
		a.fill = 0
	}
	if err := a.file.Truncate(logical); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// blockAligned rounds n up to a whole multiple of the direct IO block size.
func blockAligned(n int) int {
	if n < directio.BlockSize {
		return directio.BlockSize
	}
	if rem := n % directio.BlockSize; rem != 0 {
		n += directio.BlockSize - rem
	}
	return n
}

// IsDirectIOAvailable probes whether the OS and filesystem accept the
// direct IO flags by opening a throwaway temp file with them. It returns
// (false, nil) when the filesystem rejects O_DIRECT.
func IsDirectIOAvailable() (bool, error) {
	tmpFile, err := os.CreateTemp("", "gzstream-directio-probe")
	if err != nil {
		return false, err
	}
	name := tmpFile.Name()
	defer func() {
		_ = os.Remove(name)
	}()
	if err := tmpFile.Close(); err != nil {
		return false, err
	}

	probe, err := directio.OpenFile(name, os.O_WRONLY, 0666)
	if err != nil {
		return false, nil
	}
	return true, probe.Close()
}
