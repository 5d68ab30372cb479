package gzindex

import (
	"errors"
	"fmt"
	"io"

	"github.com/thomasjungblut/go-gzstream/gzfile"
)

// Builder collects member boundaries in container order. Its Add method has
// the member callback shape of both the container reader and the parallel
// writer, so an index can be built during a scan or while the container is
// being written, without a second pass.
type Builder struct {
	entries []Entry
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add records the boundary of one member.
func (b *Builder) Add(m gzfile.Member) {
	b.entries = append(b.entries, Entry{
		UncompressedOff: m.UncompressedStart,
		CompressedOff:   m.CompressedStart,
	})
}

// Build validates the collected boundaries and returns the finished index.
// The builder can keep collecting afterwards, the index does not alias it.
func (b *Builder) Build() (*Index, error) {
	for i := 1; i < len(b.entries); i++ {
		prev, cur := b.entries[i-1], b.entries[i]
		// empty members share an uncompressed offset, compressed offsets
		// must strictly grow
		if cur.CompressedOff <= prev.CompressedOff || cur.UncompressedOff < prev.UncompressedOff {
			return nil, fmt.Errorf("member %d at offsets (%d, %d) is not past its predecessor at (%d, %d): %w",
				i, cur.UncompressedOff, cur.CompressedOff, prev.UncompressedOff, prev.CompressedOff, BadIndex)
		}
	}
	return &Index{entries: append([]Entry(nil), b.entries...)}, nil
}

// IndexContainer decodes a whole container once and returns the index of
// its member boundaries.
func IndexContainer(r io.Reader) (index *Index, err error) {
	builder := NewBuilder()
	reader, err := gzfile.NewReader(r, gzfile.WithMemberFunc(builder.Add))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return nil, err
	}
	return builder.Build()
}
