package checksum

import (
	"hash/adler32"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrc32MatchesStdlibFromFreshSeed(t *testing.T) {
	data := []byte("123456789")
	assert.Equal(t, uint32(0xCBF43926), Crc32(0, data))
	assert.Equal(t, crc32.ChecksumIEEE(data), Crc32(0, data))
}

func TestCrc32SeededUpdateEqualsOneShot(t *testing.T) {
	data := randomBytes(t, 1337, 100*1024)
	split := 33333
	seeded := Crc32(Crc32(0, data[:split]), data[split:])
	assert.Equal(t, crc32.ChecksumIEEE(data), seeded)
}

func TestAdler32MatchesStdlibFromFreshSeed(t *testing.T) {
	data := []byte("123456789")
	assert.Equal(t, uint32(0x091E01DE), Adler32(1, data))
	assert.Equal(t, uint32(adler32.Checksum(data)), Adler32(1, data))
}

func TestAdler32SeededUpdateEqualsOneShot(t *testing.T) {
	data := randomBytes(t, 42, 100*1024)
	for _, split := range []int{0, 1, adlerNMax - 1, adlerNMax, adlerNMax + 1, 50000, len(data)} {
		seeded := Adler32(Adler32(1, data[:split]), data[split:])
		assert.Equal(t, uint32(adler32.Checksum(data)), seeded, "split at %d", split)
	}
}

func TestAdler32EmptyInputKeepsSeed(t *testing.T) {
	assert.Equal(t, uint32(1), Adler32(1, nil))
	assert.Equal(t, uint32(0xdeadbeef), Adler32(0xdeadbeef, []byte{}))
}

func TestCombineCrc32Law(t *testing.T) {
	rnd := rand.New(rand.NewSource(4711))
	for i := 0; i < 100; i++ {
		a := make([]byte, rnd.Intn(8192))
		b := make([]byte, rnd.Intn(8192))
		rnd.Read(a)
		rnd.Read(b)

		combined := CombineCrc32(Crc32(0, a), Crc32(0, b), int64(len(b)))
		expected := Crc32(0, append(append([]byte{}, a...), b...))
		assert.Equal(t, expected, combined, "lenA=%d lenB=%d", len(a), len(b))
	}
}

func TestCombineCrc32EmptyRanges(t *testing.T) {
	a := []byte("hello ")
	b := []byte("world")

	assert.Equal(t, Crc32(0, a), CombineCrc32(Crc32(0, a), Crc32(0, nil), 0))
	assert.Equal(t, Crc32(0, b), CombineCrc32(Crc32(0, nil), Crc32(0, b), int64(len(b))))
	assert.Equal(t, Crc32(0, []byte("hello world")), CombineCrc32(Crc32(0, a), Crc32(0, b), int64(len(b))))
}

func TestCombineCrc32ManyParts(t *testing.T) {
	data := randomBytes(t, 815, 256*1024)
	parts := [][]byte{data[:7], data[7:4096], data[4096:65536], data[65536:65537], data[65537:]}

	crc := Crc32(0, parts[0])
	for _, p := range parts[1:] {
		crc = CombineCrc32(crc, Crc32(0, p), int64(len(p)))
	}
	assert.Equal(t, crc32.ChecksumIEEE(data), crc)
}

func TestCombineCrc32IsOrderSensitive(t *testing.T) {
	a := []byte("hello ")
	b := []byte("world")

	ab := CombineCrc32(Crc32(0, a), Crc32(0, b), int64(len(b)))
	ba := CombineCrc32(Crc32(0, b), Crc32(0, a), int64(len(a)))
	assert.NotEqual(t, ab, ba)
}

func TestCombineAdler32Law(t *testing.T) {
	rnd := rand.New(rand.NewSource(4712))
	for i := 0; i < 100; i++ {
		a := make([]byte, rnd.Intn(8192))
		b := make([]byte, rnd.Intn(8192))
		rnd.Read(a)
		rnd.Read(b)

		combined := CombineAdler32(Adler32(1, a), Adler32(1, b), int64(len(b)))
		expected := uint32(adler32.Checksum(append(append([]byte{}, a...), b...)))
		assert.Equal(t, expected, combined, "lenA=%d lenB=%d", len(a), len(b))
	}
}

func TestCombineAdler32EmptySecondRange(t *testing.T) {
	a := []byte("hello ")
	assert.Equal(t, Adler32(1, a), CombineAdler32(Adler32(1, a), 1, 0))
}

func TestCombineAdler32NegativeLength(t *testing.T) {
	assert.Equal(t, uint32(0xffffffff), CombineAdler32(1, 1, -1))
}

func TestCombineAdler32LargeSecondRange(t *testing.T) {
	// second range longer than the adler modulus to exercise the remainder path
	data := randomBytes(t, 7, 300000)
	split := 100
	combined := CombineAdler32(Adler32(1, data[:split]), Adler32(1, data[split:]), int64(len(data)-split))
	assert.Equal(t, uint32(adler32.Checksum(data)), combined)
}

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	rnd.Read(data)
	return data
}
