package checksum

import (
	"hash/crc32"
)

// largest prime smaller than 2^16, the adler32 modulus per RFC 1950
const adlerBase = 65521

// max bytes that can be summed before s1/s2 must be reduced mod adlerBase
const adlerNMax = 5552

// Crc32 updates the given IEEE crc32 checksum with p and returns the new checksum.
// A seed of zero starts a fresh checksum.
func Crc32(seed uint32, p []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, p)
}

// Adler32 updates the given adler32 checksum with p and returns the new checksum.
// A seed of one starts a fresh checksum (RFC 1950). The standard library only
// hashes from the fresh seed, so the rolling update is done here.
func Adler32(seed uint32, p []byte) uint32 {
	s1 := seed & 0xffff
	s2 := (seed >> 16) & 0xffff

	for len(p) > 0 {
		n := adlerNMax
		if n > len(p) {
			n = len(p)
		}
		for _, b := range p[:n] {
			s1 += uint32(b)
			s2 += s1
		}
		s1 %= adlerBase
		s2 %= adlerBase
		p = p[n:]
	}

	return s2<<16 | s1
}
