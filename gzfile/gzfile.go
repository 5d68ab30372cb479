// Package gzfile reads and writes multi-member gzip containers as laid out
// in RFC 1952. A container is one or more members back to back, each member
// a header, a raw deflate body and an eight byte trailer, optionally
// followed by zero padding. Reader decodes all members as one logical
// stream the way the gzip tool does, Writer emits members that can be
// concatenated into such a container by hand or through repeated Reset.
package gzfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/thomasjungblut/go-gzstream/engine"
)

var (
	// BadContainer signals a structural violation inside a member: wrong magic
	// bytes, an unsupported compression method, a header checksum mismatch or
	// a trailer checksum/length mismatch. The wrapping error names the field
	// and the expected and actual values.
	BadContainer = errors.New("bad gzip container")

	// TruncatedContainer signals a source that ended in the middle of a
	// member. A source ending between members or inside trailing padding is a
	// clean end of the container and reported as io.EOF instead.
	TruncatedContainer = errors.New("truncated gzip container")
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagText      = 1 << 0
	flagHeaderCrc = 1 << 1
	flagExtra     = 1 << 2
	flagName      = 1 << 3
	flagComment   = 1 << 4

	osUnknown = 255

	headerFixedSize = 10
	trailerSize     = 8
)

// Compress compresses data into a single member container at the default
// compression level.
func Compress(data []byte) ([]byte, error) {
	return CompressWithLevel(data, engine.DefaultCompression)
}

// CompressWithLevel compresses data into a single member container at the
// given compression level.
func CompressWithLevel(data []byte, level int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, engine.DeflateBound(len(data))+headerFixedSize+trailerSize))
	writer, err := NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decodes a whole container, concatenating the payloads of all
// of its members.
func Decompress(data []byte) ([]byte, error) {
	reader, err := NewReader(bytes.NewReader(data))
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("container of %d bytes ended before the first member: %w", len(data), io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return out, nil
}
