package ecc

// Arithmetic over GF(2^13), generated by x^13 + x^4 + x^3 + x + 1.

const (
	gfBits      = 13
	gfSize      = 1 << gfBits
	gfOrder     = gfSize - 1
	gfPrimitive = 0x201B
)

var gfExp [2 * gfOrder]uint16
var gfLog [gfSize]uint16

func init() {
	x := 1
	for i := 0; i < gfOrder; i++ {
		gfExp[i] = uint16(x)
		gfLog[x] = uint16(i)
		x <<= 1
		if x&gfSize != 0 {
			x ^= gfPrimitive
		}
	}
	for i := gfOrder; i < len(gfExp); i++ {
		gfExp[i] = gfExp[i-gfOrder]
	}
}

func gfMul(a, b uint16) uint16 {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

// gfDiv panics if b is zero.
func gfDiv(a, b uint16) uint16 {
	if b == 0 {
		panic("division by zero in GF(2^13)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+gfOrder-int(gfLog[b])]
}

// gfAlphaPow returns alpha^e for any integer e.
func gfAlphaPow(e int) uint16 {
	e %= gfOrder
	if e < 0 {
		e += gfOrder
	}
	return gfExp[e]
}
