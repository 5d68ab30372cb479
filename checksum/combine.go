package checksum

// gf2MatrixTimes multiplies the 32x32 bit matrix with the vector over GF(2).
func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for i := 0; i < 32; i++ {
		square[i] = gf2MatrixTimes(mat, mat[i])
	}
}

// CombineCrc32 returns the crc32 of the concatenation of two byte ranges A and B,
// given only the crc32 of A, the crc32 of B and the length of B. It runs in
// O(log lenB) by squaring the zero-append operator over the crc polynomial ring,
// so independent workers can checksum disjoint chunks and merge the results
// without re-reading any bytes.
//
// lenB must be the exact byte length that went into crcB: a wrong length yields
// a wrong (but structurally valid looking) combined checksum that no runtime
// check can catch.
func CombineCrc32(crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}

	var even, odd [32]uint32

	// operator for a single zero bit appended to A
	odd[0] = 0xedb88320 // reflected crc32 polynomial
	row := uint32(1)
	for i := 1; i < 32; i++ {
		odd[i] = row
		row <<= 1
	}

	// two zero bits, then four
	gf2MatrixSquare(&even, &odd)
	gf2MatrixSquare(&odd, &even)

	// apply lenB zero bytes to crcA, one squaring per bit of lenB
	crc := crcA
	for {
		gf2MatrixSquare(&even, &odd)
		if lenB&1 != 0 {
			crc = gf2MatrixTimes(&even, crc)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if lenB&1 != 0 {
			crc = gf2MatrixTimes(&odd, crc)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}
	}

	return crc ^ crcB
}

// CombineAdler32 returns the adler32 of the concatenation of two byte ranges A
// and B, given only the adler32 of A, the adler32 of B and the length of B, in
// constant time through modular recombination of the two running sums.
//
// The same caller obligation as in CombineCrc32 applies to lenB. A negative
// lenB returns an invalid checksum of all ones.
func CombineAdler32(adlerA, adlerB uint32, lenB int64) uint32 {
	if lenB < 0 {
		return 0xffffffff
	}

	rem := uint64(lenB % adlerBase)
	sum1 := uint64(adlerA & 0xffff)
	sum2 := rem * sum1
	sum2 %= adlerBase
	sum1 += uint64(adlerB&0xffff) + adlerBase - 1
	sum2 += uint64((adlerA>>16)&0xffff) + uint64((adlerB>>16)&0xffff) + adlerBase - rem
	if sum1 >= adlerBase {
		sum1 -= adlerBase
	}
	if sum1 >= adlerBase {
		sum1 -= adlerBase
	}
	if sum2 >= adlerBase<<1 {
		sum2 -= adlerBase << 1
	}
	if sum2 >= adlerBase {
		sum2 -= adlerBase
	}

	return uint32(sum1 | sum2<<16)
}
