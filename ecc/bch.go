package ecc

import (
	"fmt"
	"sync"
)

// bchCode is a binary BCH code over GF(2^13) shortened to the sector length.
// The codeword is the data bits followed by the parity bits; the first data
// bit is the highest-degree coefficient.
type bchCode struct {
	t int
	// r is the number of parity bits, the degree of the generator.
	r int
	// generator holds the coefficients of g(x) below x^r, bit j = x^j.
	generator []uint64
}

var bchCodes sync.Map

func bchCodeFor(t int) *bchCode {
	if code, ok := bchCodes.Load(t); ok {
		return code.(*bchCode)
	}
	code, _ := bchCodes.LoadOrStore(t, newBCHCode(t))
	return code.(*bchCode)
}

func newBCHCode(t int) *bchCode {
	// g(x) is the product of the distinct minimal polynomials of alpha^1 through
	// alpha^2t. Each minimal polynomial is the product of (x + alpha^j) over a
	// cyclotomic coset, so its coefficients end up in GF(2).
	generator := []byte{1}
	seen := make([]bool, gfOrder)
	for i := 1; i <= 2*t; i++ {
		if seen[i] {
			continue
		}
		minimal := []uint16{1}
		for j := i; !seen[j]; j = (j * 2) % gfOrder {
			seen[j] = true
			minimal = polyMulLinear(minimal, gfExp[j])
		}

		binary := make([]byte, len(minimal))
		for k, coefficient := range minimal {
			if coefficient > 1 {
				panic(fmt.Sprintf("minimal polynomial of alpha^%d is not binary", i))
			}
			binary[k] = byte(coefficient)
		}
		generator = gf2PolyMul(generator, binary)
	}

	r := len(generator) - 1
	code := &bchCode{
		t:         t,
		r:         r,
		generator: make([]uint64, (r+63)/64),
	}
	for j := 0; j < r; j++ {
		if generator[j] == 1 {
			code.generator[j/64] |= 1 << (j % 64)
		}
	}
	return code
}

// polyMulLinear returns p(x) * (x + root), coefficients in increasing degree.
func polyMulLinear(p []uint16, root uint16) []uint16 {
	result := make([]uint16, len(p)+1)
	for k, coefficient := range p {
		result[k+1] ^= coefficient
		result[k] ^= gfMul(coefficient, root)
	}
	return result
}

func gf2PolyMul(a, b []byte) []byte {
	result := make([]byte, len(a)+len(b)-1)
	for i, x := range a {
		if x == 0 {
			continue
		}
		for j, y := range b {
			result[i+j] ^= y
		}
	}
	return result
}

func (c *bchCode) parityBytes() int {
	return (c.r + 7) / 8
}

// remainder divides data(x) * x^r by g(x) one bit at a time.
func (c *bchCode) remainder(data []byte) []uint64 {
	words := len(c.generator)
	reg := make([]uint64, words)
	topWord := (c.r - 1) / 64
	topBit := uint((c.r - 1) % 64)
	topMask := ^uint64(0)
	if topBit < 63 {
		topMask = (uint64(1) << (topBit + 1)) - 1
	}

	for _, value := range data {
		for k := 7; k >= 0; k-- {
			feedback := uint64(value>>k)&1 ^ (reg[topWord]>>topBit)&1
			for w := words - 1; w > 0; w-- {
				reg[w] = reg[w]<<1 | reg[w-1]>>63
			}
			reg[0] <<= 1
			reg[topWord] &= topMask
			if feedback == 1 {
				for w := range reg {
					reg[w] ^= c.generator[w]
				}
			}
		}
	}
	return reg
}

// packParity lays the remainder out MSB first: the first parity bit is the
// coefficient of x^(r-1).
func (c *bchCode) packParity(reg []uint64) []byte {
	parity := make([]byte, c.parityBytes())
	for i := 0; i < c.r; i++ {
		j := c.r - 1 - i
		if (reg[j/64]>>(j%64))&1 == 1 {
			parity[i/8] |= 0x80 >> (i % 8)
		}
	}
	return parity
}

func (c *bchCode) encode(sector []byte) []byte {
	return c.packParity(c.remainder(sector))
}

func (c *bchCode) paritiesMatch(computed, stored []byte) bool {
	padBits := len(computed)*8 - c.r
	last := len(computed) - 1
	for i := 0; i < last; i++ {
		if computed[i] != stored[i] {
			return false
		}
	}
	mask := byte(0xFF << padBits)
	return computed[last]&mask == stored[last]&mask
}

func (c *bchCode) decode(sector []byte, parity []byte) (int, error) {
	if c.paritiesMatch(c.encode(sector), parity) {
		return 0, nil
	}

	dataBits := len(sector) * 8
	n := dataBits + c.r
	bitAt := func(s int) bool {
		if s < dataBits {
			return sector[s/8]&(0x80>>(s%8)) != 0
		}
		i := s - dataBits
		return parity[i/8]&(0x80>>(i%8)) != 0
	}

	syndromes := make([]uint16, 2*c.t)
	for s := 0; s < n; s++ {
		if !bitAt(s) {
			continue
		}
		degree := n - 1 - s
		exponent := 0
		for j := range syndromes {
			exponent += degree
			if exponent >= gfOrder {
				exponent -= gfOrder
			}
			syndromes[j] ^= gfExp[exponent]
		}
	}

	locator := berlekampMassey(syndromes)
	degree := len(locator) - 1
	if degree > c.t {
		return 0, fmt.Errorf("error locator has degree %d, more than %d correctable", degree, c.t)
	}

	// Chien search over the shortened length only. A root outside it means the
	// pattern can't belong to this codeword.
	positions := make([]int, 0, degree)
	for e := 0; e < n; e++ {
		var sum uint16
		for i, coefficient := range locator {
			if coefficient != 0 {
				sum ^= gfMul(coefficient, gfAlphaPow(-e*i))
			}
		}
		if sum == 0 {
			positions = append(positions, n-1-e)
		}
	}
	if len(positions) != degree {
		return 0, fmt.Errorf(
			"found %d error locations for a degree %d locator", len(positions), degree)
	}

	for _, s := range positions {
		if s < dataBits {
			sector[s/8] ^= 0x80 >> (s % 8)
		}
	}
	return len(positions), nil
}

// berlekampMassey returns the error locator polynomial for the syndromes
// S_1..S_2t, coefficients in increasing degree, trimmed of leading zeros.
func berlekampMassey(syndromes []uint16) []uint16 {
	current := []uint16{1}
	previous := []uint16{1}
	length := 0
	shift := 1
	lastDiscrepancy := uint16(1)

	for step := range syndromes {
		discrepancy := syndromes[step]
		for i := 1; i <= length && i < len(current); i++ {
			discrepancy ^= gfMul(current[i], syndromes[step-i])
		}

		if discrepancy == 0 {
			shift++
			continue
		}

		scale := gfDiv(discrepancy, lastDiscrepancy)
		next := make([]uint16, max(len(current), len(previous)+shift))
		copy(next, current)
		for i, coefficient := range previous {
			next[i+shift] ^= gfMul(scale, coefficient)
		}

		if 2*length <= step {
			previous = current
			length = step + 1 - length
			lastDiscrepancy = discrepancy
			shift = 1
		} else {
			shift++
		}
		current = next
	}

	for len(current) > 1 && current[len(current)-1] == 0 {
		current = current[:len(current)-1]
	}
	if len(current)-1 != length {
		// A locator whose degree disagrees with the register length can't be
		// trusted. Pad it so the caller sees a degree above t or a root count
		// mismatch.
		padded := make([]uint16, length+1)
		copy(padded, current)
		return padded
	}
	return current
}
