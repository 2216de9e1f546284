package ecc

import (
	"fmt"
	"math/bits"
)

// Hamming parity is the classic NAND line/column scheme. Every bit address in
// a sector has 12 bits (9 for the byte, 3 for the bit within the byte). For
// each address bit there is a pair of parity bits: one over all data bits whose
// address has that bit set, one over the rest. A single flipped data bit flips
// exactly one bit of every pair, and the flipped halves spell its address.

const hammingParityBytes = 3
const hammingAddressBits = 12

func hammingParity(sector []byte) uint32 {
	var parity uint32
	var columns byte

	for i, value := range sector {
		columns ^= value
		if bits.OnesCount8(value)&1 == 0 {
			continue
		}
		for b := 0; b < 9; b++ {
			pair := uint(2 * (b + 3))
			if (i>>b)&1 == 1 {
				parity ^= 1 << (pair + 1)
			} else {
				parity ^= 1 << pair
			}
		}
	}

	for k := 0; k < 8; k++ {
		if (columns>>(7-k))&1 == 0 {
			continue
		}
		for a := 0; a < 3; a++ {
			pair := uint(2 * a)
			if (k>>a)&1 == 1 {
				parity ^= 1 << (pair + 1)
			} else {
				parity ^= 1 << pair
			}
		}
	}
	return parity
}

func hammingEncode(sector []byte) []byte {
	p := hammingParity(sector)
	return []byte{byte(p >> 16), byte(p >> 8), byte(p)}
}

func hammingDecode(sector []byte, stored []byte) (int, error) {
	storedParity := uint32(stored[0])<<16 | uint32(stored[1])<<8 | uint32(stored[2])
	syndrome := storedParity ^ hammingParity(sector)

	if syndrome == 0 {
		return 0, nil
	}
	if bits.OnesCount32(syndrome) == 1 {
		// The data is intact; one of the parity bits flipped.
		return 1, nil
	}

	address := 0
	for a := 0; a < hammingAddressBits; a++ {
		switch (syndrome >> (2 * a)) & 3 {
		case 1:
		case 2:
			address |= 1 << a
		default:
			return 0, fmt.Errorf("syndrome %06x indicates multiple bit errors", syndrome)
		}
	}

	byteIndex := address >> 3
	if byteIndex >= len(sector) {
		return 0, fmt.Errorf(
			"syndrome points at byte %d of a %d-byte sector", byteIndex, len(sector))
	}
	sector[byteIndex] ^= 0x80 >> (address & 7)
	return 1, nil
}
