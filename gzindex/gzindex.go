// Package gzindex builds, stores and queries seek indexes for multi member
// gzip containers. An index maps member boundaries as pairs of uncompressed
// and compressed offsets, which lets a reader restart decoding at the
// member covering a target instead of at the top of the container.
//
// The on disk format is a magic header, a version and flags byte, the entry
// count and the delta encoded entry pairs, closed by a checksum over the
// whole blob. The entry block can optionally be snappy compressed.
package gzindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"golang.org/x/exp/slices"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/gzfile"
)

// BadIndex signals an index blob that is structurally broken: wrong magic
// bytes, an unknown version or flags, a checksum mismatch, or entries that
// do not decode. The wrapping error names the violated field.
var BadIndex = errors.New("bad seek index")

var indexMagic = []byte("GZXI")

const (
	indexVersion = 1

	// flagSnappyEntries marks a snappy compressed entry block
	flagSnappyEntries = 1

	indexHeaderSize = 6
	indexCrcSize    = 4
)

// Entry is one member boundary: the member starts at CompressedOff in the
// container and its payload starts at UncompressedOff in the logical
// stream.
type Entry struct {
	UncompressedOff int64
	CompressedOff   int64
}

// Index is an immutable, ordered set of member boundaries. It satisfies the
// seek index contract of the container reader.
type Index struct {
	entries []Entry
}

var _ gzfile.SeekIndex = (*Index)(nil)

// Locate returns the boundary of the member covering uncompressedOff, or
// ok=false when the index is empty or the target lies before the first
// entry.
func (x *Index) Locate(uncompressedOff int64) (int64, int64, bool) {
	idx, found := slices.BinarySearchFunc(x.entries, uncompressedOff, func(entry Entry, target int64) int {
		switch {
		case entry.UncompressedOff < target:
			return -1
		case entry.UncompressedOff > target:
			return 1
		default:
			return 0
		}
	})
	if !found {
		// not a boundary itself, the covering member starts one entry earlier
		idx--
	}
	if idx < 0 {
		return 0, 0, false
	}
	entry := x.entries[idx]
	return entry.CompressedOff, entry.UncompressedOff, true
}

// Entries returns the boundaries in container order. Callers must not
// modify the returned slice.
func (x *Index) Entries() []Entry {
	return x.entries
}

// SaveOptions are the configurable options for saving an index.
type SaveOptions struct {
	snappyEntries bool
}

type SaveOption func(*SaveOptions)

// SnappyEntries compresses the entry block with snappy, which pays off for
// indexes with thousands of regularly spaced members.
func SnappyEntries() SaveOption {
	return func(args *SaveOptions) {
		args.snappyEntries = true
	}
}

// Save writes the index blob to w.
func (x *Index) Save(w io.Writer, saveOptions ...SaveOption) error {
	opts := &SaveOptions{}
	for _, saveOption := range saveOptions {
		saveOption(opts)
	}

	entries := make([]byte, 0, 10*len(x.entries))
	var prev Entry
	for _, entry := range x.entries {
		entries = binary.AppendUvarint(entries, uint64(entry.UncompressedOff-prev.UncompressedOff))
		entries = binary.AppendUvarint(entries, uint64(entry.CompressedOff-prev.CompressedOff))
		prev = entry
	}

	flags := byte(0)
	if opts.snappyEntries {
		flags = flagSnappyEntries
		entries = snappy.Encode(nil, entries)
	}

	blob := make([]byte, 0, indexHeaderSize+binary.MaxVarintLen64+len(entries)+indexCrcSize)
	blob = append(blob, indexMagic...)
	blob = append(blob, indexVersion, flags)
	blob = binary.AppendUvarint(blob, uint64(len(x.entries)))
	blob = append(blob, entries...)
	blob = binary.LittleEndian.AppendUint32(blob, checksum.Crc32(0, blob))

	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("writing the seek index failed with %w", err)
	}
	return nil
}

// SaveFile writes the index blob to a file at path, replacing what is
// there.
func (x *Index) SaveFile(path string, saveOptions ...SaveOption) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index file at '%s' failed with %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	return x.Save(file, saveOptions...)
}

// Load reads and validates an index blob from r.
func Load(r io.Reader) (*Index, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading the seek index failed with %w", err)
	}
	return parse(blob)
}

// LoadFile reads and validates the index blob in the file at path.
func LoadFile(path string) (index *Index, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file at '%s' failed with %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	return Load(file)
}

func parse(blob []byte) (*Index, error) {
	if len(blob) < indexHeaderSize+1+indexCrcSize {
		return nil, fmt.Errorf("index of %d bytes is too short: %w", len(blob), BadIndex)
	}
	payload := blob[:len(blob)-indexCrcSize]
	stored := binary.LittleEndian.Uint32(blob[len(blob)-indexCrcSize:])
	if computed := checksum.Crc32(0, payload); computed != stored {
		return nil, fmt.Errorf("index checksum mismatch, stored %#08x but computed %#08x: %w", stored, computed, BadIndex)
	}
	if !bytes.Equal(payload[:4], indexMagic) {
		return nil, fmt.Errorf("wrong magic bytes %q: %w", payload[:4], BadIndex)
	}
	if payload[4] != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d: %w", payload[4], BadIndex)
	}
	flags := payload[5]
	if flags != 0 && flags != flagSnappyEntries {
		return nil, fmt.Errorf("unknown index flags %#02x: %w", flags, BadIndex)
	}

	rest := payload[indexHeaderSize:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("corrupt entry count: %w", BadIndex)
	}
	rest = rest[n:]

	if flags == flagSnappyEntries {
		decoded, err := snappy.Decode(nil, rest)
		if err != nil {
			return nil, fmt.Errorf("corrupt snappy entry block (%v): %w", err, BadIndex)
		}
		rest = decoded
	}
	// every entry takes at least two bytes
	if count*2 > uint64(len(rest)) {
		return nil, fmt.Errorf("entry count %d does not fit %d payload bytes: %w", count, len(rest), BadIndex)
	}

	entries := make([]Entry, 0, count)
	var prev Entry
	for i := uint64(0); i < count; i++ {
		deltaU, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("entry %d is corrupt: %w", i, BadIndex)
		}
		rest = rest[n:]
		deltaC, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("entry %d is corrupt: %w", i, BadIndex)
		}
		rest = rest[n:]
		prev = Entry{
			UncompressedOff: prev.UncompressedOff + int64(deltaU),
			CompressedOff:   prev.CompressedOff + int64(deltaC),
		}
		entries = append(entries, prev)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d entries: %w", len(rest), count, BadIndex)
	}
	return &Index{entries: entries}, nil
}
