package ecc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGalois__Inverses(t *testing.T) {
	for a := uint16(1); a < gfSize; a += 37 {
		assert.EqualValuesf(t, 1, gfMul(a, gfDiv(1, a)), "a=%d", a)
	}
	assert.EqualValues(t, 0, gfMul(0, 1234))
	assert.EqualValues(t, 1, gfAlphaPow(gfOrder))
	assert.EqualValues(t, gfAlphaPow(gfOrder-1), gfAlphaPow(-1))
}

func TestGalois__FieldIsComplete(t *testing.T) {
	seen := make(map[uint16]bool, gfOrder)
	for i := 0; i < gfOrder; i++ {
		seen[gfExp[i]] = true
	}
	assert.Len(t, seen, gfOrder, "primitive polynomial does not generate the whole field")
}

func TestBCH__GeneratorDegree(t *testing.T) {
	for _, strength := range []int{4, 8, 16} {
		assert.Equalf(t, 13*strength, bchCodeFor(strength).r, "t=%d", strength)
	}
}
