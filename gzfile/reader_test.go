package gzfile

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
)

func writeMember(t *testing.T, payload []byte, mutate func(*Writer)) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := NewWriter(buf)
	if mutate != nil {
		mutate(writer)
	}
	_, err := writer.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	random := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, err := random.Read(b)
	require.NoError(t, err)
	return b
}

func TestReaderDecodesStdlibOutput(t *testing.T) {
	payload := []byte("written by the standard library")
	buf := &bytes.Buffer{}
	stdWriter := gzip.NewWriter(buf)
	stdWriter.Name = "std.bin"
	stdWriter.Comment = "interop"
	stdWriter.ModTime = time.Unix(1234567890, 0)
	_, err := stdWriter.Write(payload)
	require.NoError(t, err)
	require.NoError(t, stdWriter.Close())

	reader, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "std.bin", reader.Header.Name)
	assert.Equal(t, "interop", reader.Header.Comment)
	assert.Equal(t, int64(1234567890), reader.Header.ModTime.Unix())

	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
	assert.Equal(t, int64(len(payload)), reader.Offset())
}

func TestReaderValidatesHeaderChecksum(t *testing.T) {
	member := writeMember(t, []byte("guarded"), func(w *Writer) {
		w.Header.Name = "data.bin"
		w.Header.HeaderCrc = true
	})

	reader, err := NewReader(bytes.NewReader(member))
	require.NoError(t, err)
	assert.True(t, reader.Header.HeaderCrc)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("guarded"), decoded)

	// flipping a name byte breaks the digest over the header bytes
	member[headerFixedSize] ^= 0x01
	_, err = NewReader(bytes.NewReader(member))
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "header checksum mismatch")
}

func TestReaderMultiMemberConcatenation(t *testing.T) {
	first := writeMember(t, []byte("hello "), nil)
	second := writeMember(t, []byte("world"), nil)
	container := append(append([]byte{}, first...), second...)

	decoded, err := Decompress(container)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), decoded)

	// each member still decodes on its own
	firstAlone, err := Decompress(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello "), firstAlone)
	secondAlone, err := Decompress(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), secondAlone)
}

func TestReaderPaddingBetweenMembers(t *testing.T) {
	container := append([]byte{}, writeMember(t, []byte("hello "), nil)...)
	container = append(container, make([]byte, 37)...)
	container = append(container, writeMember(t, []byte("world"), nil)...)

	decoded, err := Decompress(container)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), decoded)
}

func TestReaderTrailingPaddingIsCleanEnd(t *testing.T) {
	container := append(writeMember(t, []byte("data"), nil), make([]byte, 512)...)
	decoded, err := Decompress(container)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), decoded)
}

func TestReaderEmptyMemberInChain(t *testing.T) {
	container := append([]byte{}, writeMember(t, nil, nil)...)
	container = append(container, writeMember(t, []byte("world"), nil)...)

	decoded, err := Decompress(container)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), decoded)
}

func TestReaderEmptySource(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReaderWrongMagic(t *testing.T) {
	member := writeMember(t, []byte("x"), nil)
	member[0] ^= 0xff
	_, err := NewReader(bytes.NewReader(member))
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "wrong magic bytes")
}

func TestReaderUnsupportedMethod(t *testing.T) {
	member := writeMember(t, []byte("x"), nil)
	member[2] = 7
	_, err := NewReader(bytes.NewReader(member))
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "unsupported compression method 7")
}

func TestReaderTruncatedHeader(t *testing.T) {
	member := writeMember(t, []byte("x"), nil)
	_, err := NewReader(bytes.NewReader(member[:4]))
	require.ErrorIs(t, err, TruncatedContainer)
	assert.Contains(t, err.Error(), "member header")
}

func TestReaderTruncatedBody(t *testing.T) {
	member := writeMember(t, []byte("a body long enough to lose bytes from"), nil)
	truncated := member[:len(member)-trailerSize-2]

	reader, err := NewReader(bytes.NewReader(truncated))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.ErrorIs(t, err, TruncatedContainer)
	assert.Contains(t, err.Error(), "body")
}

func TestReaderTruncatedTrailer(t *testing.T) {
	member := writeMember(t, []byte("almost whole"), nil)
	truncated := member[:len(member)-3]

	reader, err := NewReader(bytes.NewReader(truncated))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.ErrorIs(t, err, TruncatedContainer)
	assert.Contains(t, err.Error(), "trailer")
}

func TestReaderTruncatedSecondMember(t *testing.T) {
	first := writeMember(t, []byte("hello "), nil)
	second := writeMember(t, []byte("world"), nil)
	container := append(append([]byte{}, first...), second[:5]...)

	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	assert.Equal(t, []byte("hello "), decoded)
	require.ErrorIs(t, err, TruncatedContainer)
}

func TestReaderShortTrailingGarbage(t *testing.T) {
	// three stray bytes cannot be told apart from a truncated next member
	container := append(writeMember(t, []byte("data"), nil), 1, 2, 3)
	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.ErrorIs(t, err, TruncatedContainer)
}

func TestReaderLongTrailingGarbage(t *testing.T) {
	container := append(writeMember(t, []byte("data"), nil), bytes.Repeat([]byte{0xaa}, 12)...)
	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "wrong magic bytes")
}

func TestReaderTrailerChecksumMismatch(t *testing.T) {
	member := writeMember(t, []byte("checksummed payload"), nil)
	member[len(member)-trailerSize] ^= 0xff

	_, err := Decompress(member)
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "payload checksum mismatch")
}

func TestReaderTrailerLengthMismatch(t *testing.T) {
	member := writeMember(t, []byte("measured payload"), nil)
	member[len(member)-4] ^= 0xff

	_, err := Decompress(member)
	require.ErrorIs(t, err, BadContainer)
	assert.Contains(t, err.Error(), "payload length mismatch")
}

func TestReaderCorruptBodyNeverDecodesSilently(t *testing.T) {
	member := writeMember(t, randomBytes(t, 42, 10000), nil)
	member[len(member)-trailerSize-500] ^= 0xff

	reader, err := NewReader(bytes.NewReader(member))
	require.NoError(t, err)
	_, err = io.ReadAll(reader)
	require.Error(t, err)
	if !errors.Is(err, BadContainer) && !errors.Is(err, TruncatedContainer) {
		var engineErr *engine.Error
		assert.ErrorAs(t, err, &engineErr)
	}
}

func TestReaderErrorIsSticky(t *testing.T) {
	member := writeMember(t, []byte("latch"), nil)
	member[len(member)-trailerSize] ^= 0xff

	reader, err := NewReader(bytes.NewReader(member))
	require.NoError(t, err)
	_, firstErr := io.ReadAll(reader)
	require.Error(t, firstErr)

	n, secondErr := reader.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, firstErr, secondErr)
}

func TestReaderMultistreamDisabled(t *testing.T) {
	first := writeMember(t, []byte("hello "), nil)
	second := writeMember(t, []byte("world"), nil)
	container := append(append([]byte{}, first...), second...)

	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)
	reader.Multistream(false)

	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello "), decoded)
	assert.Equal(t, int64(len(first)), reader.CompressedOffset())

	// the rest of the container picks up exactly at the reported offset
	rest, err := Decompress(container[reader.CompressedOffset():])
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), rest)
}

func TestReaderMemberFunc(t *testing.T) {
	first := writeMember(t, []byte("hello "), func(w *Writer) { w.Header.Name = "a.bin" })
	padding := make([]byte, 16)
	second := writeMember(t, []byte("world"), func(w *Writer) { w.Header.Name = "b.bin" })
	container := append(append(append([]byte{}, first...), padding...), second...)

	var members []Member
	reader, err := NewReader(bytes.NewReader(container), WithMemberFunc(func(m Member) {
		members = append(members, m)
	}))
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, reader)
	require.NoError(t, err)

	require.Len(t, members, 2)
	assert.Equal(t, "a.bin", members[0].Header.Name)
	assert.Equal(t, int64(0), members[0].CompressedStart)
	assert.Equal(t, int64(len(first)), members[0].CompressedSize)
	assert.Equal(t, int64(0), members[0].UncompressedStart)
	assert.Equal(t, int64(6), members[0].UncompressedSize)
	assert.Equal(t, checksum.Crc32(0, []byte("hello ")), members[0].Crc32)

	assert.Equal(t, "b.bin", members[1].Header.Name)
	assert.Equal(t, int64(len(first)+len(padding)), members[1].CompressedStart)
	assert.Equal(t, int64(len(second)), members[1].CompressedSize)
	assert.Equal(t, int64(6), members[1].UncompressedStart)
	assert.Equal(t, int64(5), members[1].UncompressedSize)
}

func TestReaderLargeMultiMemberRoundTrip(t *testing.T) {
	var container []byte
	var want []byte
	for seed := int64(1); seed <= 4; seed++ {
		payload := randomBytes(t, seed, 50000)
		want = append(want, payload...)
		container = append(container, writeMember(t, payload, nil)...)
	}

	// a stingy source exercises fields straddling refill boundaries
	reader, err := NewReader(&chunkReader{data: container, chunk: 997})
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(len(container)), reader.CompressedOffset())
}

func TestReaderReset(t *testing.T) {
	reader, err := NewReader(bytes.NewReader(writeMember(t, []byte("first"), nil)))
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), decoded)

	require.NoError(t, reader.Reset(bytes.NewReader(writeMember(t, []byte("second"), nil))))
	decoded, err = io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), decoded)
}

func TestReaderAfterCloseFails(t *testing.T) {
	reader, err := NewReader(bytes.NewReader(writeMember(t, []byte("x"), nil)))
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())

	_, err = reader.Read(make([]byte, 1))
	assert.Contains(t, err.Error(), "closed already")
}

type recordingSeeker struct {
	*bytes.Reader
	seeks []int64
}

func (r *recordingSeeker) Seek(offset int64, whence int) (int64, error) {
	r.seeks = append(r.seeks, offset)
	return r.Reader.Seek(offset, whence)
}

type memberIndex struct {
	members []Member
}

func (ix *memberIndex) Locate(off int64) (int64, int64, bool) {
	found := false
	var compressed, uncompressed int64
	for _, m := range ix.members {
		if m.UncompressedStart <= off {
			compressed, uncompressed, found = m.CompressedStart, m.UncompressedStart, true
		}
	}
	return compressed, uncompressed, found
}

func seekFixture(t *testing.T) (container []byte, full []byte, members []Member) {
	t.Helper()
	for seed := int64(10); seed < 13; seed++ {
		payload := randomBytes(t, seed, 5000)
		full = append(full, payload...)
		container = append(container, writeMember(t, payload, nil)...)
	}
	scan, err := NewReader(bytes.NewReader(container), WithMemberFunc(func(m Member) {
		members = append(members, m)
	}))
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, scan)
	require.NoError(t, err)
	require.Len(t, members, 3)
	return container, full, members
}

func TestReaderSeekForward(t *testing.T) {
	container, full, _ := seekFixture(t)
	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)

	head := make([]byte, 10)
	_, err = io.ReadFull(reader, head)
	require.NoError(t, err)

	pos, err := reader.Seek(490, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(500), pos)

	got := make([]byte, 100)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, full[500:600], got)
}

func TestReaderSeekBackwardRestartsFromTheTop(t *testing.T) {
	container, full, _ := seekFixture(t)
	seeker := &recordingSeeker{Reader: bytes.NewReader(container)}
	reader, err := NewReader(seeker)
	require.NoError(t, err)

	_, err = io.CopyN(io.Discard, reader, 9000)
	require.NoError(t, err)

	pos, err := reader.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pos)
	// without an index the restart goes back to offset zero
	assert.Equal(t, int64(0), seeker.seeks[len(seeker.seeks)-1])

	got := make([]byte, 100)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, full[1000:1100], got)
}

func TestReaderSeekWithIndexRestartsAtMemberBoundary(t *testing.T) {
	container, full, members := seekFixture(t)
	seeker := &recordingSeeker{Reader: bytes.NewReader(container)}
	reader, err := NewReader(seeker, WithSeekIndex(&memberIndex{members: members}))
	require.NoError(t, err)

	_, err = io.CopyN(io.Discard, reader, 14000)
	require.NoError(t, err)

	target := int64(11000)
	pos, err := reader.Seek(target, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, target, pos)
	// the index pointed the restart at the third member, not at zero
	assert.Equal(t, members[2].CompressedStart, seeker.seeks[len(seeker.seeks)-1])

	got := make([]byte, 500)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, full[target:target+500], got)
}

func TestReaderSeekEnd(t *testing.T) {
	container, full, _ := seekFixture(t)
	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)

	total, err := reader.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(full)), total)

	pos, err := reader.Seek(-2500, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(full))-2500, pos)

	got := make([]byte, 100)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, full[pos:pos+100], got)
}

func TestReaderSeekValidation(t *testing.T) {
	container, _, _ := seekFixture(t)
	reader, err := NewReader(bytes.NewReader(container))
	require.NoError(t, err)

	_, err = reader.Seek(-1, io.SeekStart)
	assert.Contains(t, err.Error(), "negative offset")
	_, err = reader.Seek(0, 17)
	assert.Contains(t, err.Error(), "unknown seek whence")

	plain, err := NewReader(struct{ io.Reader }{bytes.NewReader(container)})
	require.NoError(t, err)
	_, err = plain.Seek(0, io.SeekStart)
	assert.Contains(t, err.Error(), "io.Seeker")
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte("short"), randomBytes(t, 3, 100000)} {
		compressed, err := Compress(payload)
		require.NoError(t, err)
		decoded, err := Decompress(compressed)
		require.NoError(t, err)
		if len(payload) == 0 {
			assert.Empty(t, decoded)
		} else {
			assert.Equal(t, payload, decoded)
		}
	}
}

func TestDecompressEmptyInput(t *testing.T) {
	_, err := Decompress(nil)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompressWithLevelValidation(t *testing.T) {
	_, err := CompressWithLevel([]byte("x"), 42)
	require.Error(t, err)
}
