package ecc_test

import (
	"math/rand"
	"testing"

	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// flipBit flips a bit counted from the most significant bit of the first byte.
func flipBit(buffer []byte, position int) {
	buffer[position/8] ^= 0x80 >> (position % 8)
}

// flipCodewordBit treats data followed by parity as one bit string.
func flipCodewordBit(cw *ecc.Codeword, position int) {
	if position < len(cw.Data)*8 {
		flipBit(cw.Data, position)
	} else {
		flipBit(cw.Parity, position-len(cw.Data)*8)
	}
}

func encodeCopy(t *testing.T, scheme ecc.Scheme, original []byte) ecc.Codeword {
	data := make([]byte, len(original))
	copy(data, original)
	cw, err := ecc.Encode(scheme, data)
	require.NoError(t, err)
	return cw
}

func TestParityLength(t *testing.T) {
	assert.Equal(t, 3, ecc.ParityLength(ecc.Hamming, 512))
	assert.Equal(t, 6, ecc.ParityLength(ecc.Hamming, 513))
	assert.Equal(t, 7, ecc.ParityLength(ecc.BCH(4), 512))
	assert.Equal(t, 13, ecc.ParityLength(ecc.BCH(8), 512))
	assert.Equal(t, 26, ecc.ParityLength(ecc.BCH(16), 512))
	assert.Equal(t, 52, ecc.ParityLength(ecc.BCH(8), 2048))
	assert.Equal(t, 0, ecc.ParityLength(ecc.BCH(8), 0))
}

func TestEncode__ParityLengthMatches(t *testing.T) {
	schemes := []ecc.Scheme{ecc.Hamming, ecc.BCH(4), ecc.BCH(8), ecc.BCH(16)}
	for _, scheme := range schemes {
		for _, size := range []int{1, 100, 512, 1000, 2048} {
			cw, err := ecc.Encode(scheme, randomBytes(int64(size), size))
			require.NoError(t, err)
			assert.Lenf(t, cw.Parity, ecc.ParityLength(scheme, size), "%s, %d bytes", scheme, size)
		}
	}
}

func TestDecode__NoErrors(t *testing.T) {
	schemes := []ecc.Scheme{ecc.Hamming, ecc.BCH(4), ecc.BCH(8), ecc.BCH(16)}
	original := randomBytes(1, 2048)

	for _, scheme := range schemes {
		cw := encodeCopy(t, scheme, original)
		data, corrected, err := ecc.Decode(cw)
		require.NoErrorf(t, err, "clean %s codeword failed to decode", scheme)
		assert.Equal(t, 0, corrected)
		assert.Equal(t, original, data)
	}
}

func TestDecode__EmptyData(t *testing.T) {
	cw, err := ecc.Encode(ecc.BCH(8), nil)
	require.NoError(t, err)
	assert.Empty(t, cw.Parity)

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, 0, corrected)
}

func TestDecode__DoesNotModifyInput(t *testing.T) {
	original := randomBytes(2, 512)
	cw := encodeCopy(t, ecc.Hamming, original)
	flipBit(cw.Data, 77)

	_, _, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.NotEqual(t, original, cw.Data, "decode wrote its correction back into the input")
}

func TestDecode__WrongParityLength(t *testing.T) {
	cw := encodeCopy(t, ecc.BCH(8), randomBytes(3, 512))
	cw.Parity = cw.Parity[:5]
	_, _, err := ecc.Decode(cw)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestEncode__UnsupportedStrength(t *testing.T) {
	_, err := ecc.Encode(ecc.BCH(5), []byte{1, 2, 3})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

////////////////////////////////////////////////////////////////////////////////
// Hamming

func TestHamming__EverySingleBitError(t *testing.T) {
	original := randomBytes(10, 512)
	for position := 0; position < 512*8; position++ {
		cw := encodeCopy(t, ecc.Hamming, original)
		flipBit(cw.Data, position)

		data, corrected, err := ecc.Decode(cw)
		require.NoErrorf(t, err, "failed to correct bit %d", position)
		require.Equalf(t, 1, corrected, "bit %d", position)
		require.Equalf(t, original, data, "bit %d not corrected", position)
	}
}

func TestHamming__ParityBitError(t *testing.T) {
	original := randomBytes(11, 512)
	for position := 0; position < 24; position++ {
		cw := encodeCopy(t, ecc.Hamming, original)
		flipBit(cw.Parity, position)

		data, corrected, err := ecc.Decode(cw)
		require.NoError(t, err)
		assert.Equal(t, 1, corrected)
		assert.Equal(t, original, data)
	}
}

func TestHamming__DoubleBitErrorIsUncorrectable(t *testing.T) {
	original := randomBytes(12, 512)
	pairs := [][2]int{{0, 1}, {5, 3000}, {4095, 0}, {100, 108}, {2048, 2049}}

	for _, pair := range pairs {
		cw := encodeCopy(t, ecc.Hamming, original)
		flipBit(cw.Data, pair[0])
		flipBit(cw.Data, pair[1])

		_, _, err := ecc.Decode(cw)
		assert.ErrorIsf(t, err, errors.ErrUncorrectable, "bits %v", pair)
	}
}

func TestHamming__DataAndParityErrorIsUncorrectable(t *testing.T) {
	cw := encodeCopy(t, ecc.Hamming, randomBytes(13, 512))
	flipBit(cw.Data, 999)
	flipBit(cw.Parity, 3)

	_, _, err := ecc.Decode(cw)
	assert.ErrorIs(t, err, errors.ErrUncorrectable)
}

func TestHamming__ShortSector(t *testing.T) {
	original := randomBytes(14, 100)
	cw := encodeCopy(t, ecc.Hamming, original)
	flipBit(cw.Data, 799)

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)
	assert.Equal(t, original, data)
}

func TestHamming__OneErrorPerSector(t *testing.T) {
	original := randomBytes(15, 1500)
	cw := encodeCopy(t, ecc.Hamming, original)
	flipBit(cw.Data, 10)
	flipBit(cw.Data, 512*8+700)
	flipBit(cw.Data, 1024*8+3)

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Equal(t, 3, corrected)
	assert.Equal(t, original, data)
}

////////////////////////////////////////////////////////////////////////////////
// BCH

func distinctPositions(rng *rand.Rand, count, limit int) []int {
	chosen := make(map[int]bool, count)
	positions := make([]int, 0, count)
	for len(positions) < count {
		p := rng.Intn(limit)
		if !chosen[p] {
			chosen[p] = true
			positions = append(positions, p)
		}
	}
	return positions
}

func TestBCH__CorrectsUpToStrength(t *testing.T) {
	for _, strength := range []int{4, 8, 16} {
		scheme := ecc.BCH(strength)
		original := randomBytes(int64(100+strength), 512)
		parityBits := strength * 13
		rng := rand.New(rand.NewSource(int64(strength)))

		for _, errorCount := range []int{1, strength / 2, strength} {
			cw := encodeCopy(t, scheme, original)
			for _, p := range distinctPositions(rng, errorCount, 512*8+parityBits) {
				flipCodewordBit(&cw, p)
			}

			data, corrected, err := ecc.Decode(cw)
			require.NoErrorf(t, err, "%s with %d errors", scheme, errorCount)
			assert.Equalf(t, errorCount, corrected, "%s with %d errors", scheme, errorCount)
			assert.Equalf(t, original, data, "%s with %d errors", scheme, errorCount)
		}
	}
}

func TestBCH__FirstAndLastDataBits(t *testing.T) {
	original := randomBytes(20, 512)
	cw := encodeCopy(t, ecc.BCH(4), original)
	flipBit(cw.Data, 0)
	flipBit(cw.Data, 4095)

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
	assert.Equal(t, original, data)
}

func TestBCH__MoreThanStrengthIsUncorrectable(t *testing.T) {
	for _, strength := range []int{4, 8, 16} {
		scheme := ecc.BCH(strength)
		cw := encodeCopy(t, scheme, randomBytes(int64(200+strength), 512))
		rng := rand.New(rand.NewSource(int64(300 + strength)))
		for _, p := range distinctPositions(rng, strength+1, 512*8) {
			flipBit(cw.Data, p)
		}

		_, _, err := ecc.Decode(cw)
		assert.ErrorIsf(t, err, errors.ErrUncorrectable, "%s with %d errors", scheme, strength+1)
	}
}

func TestBCH__MultipleSectors(t *testing.T) {
	original := randomBytes(21, 2048)
	cw := encodeCopy(t, ecc.BCH(8), original)

	rng := rand.New(rand.NewSource(22))
	for _, p := range distinctPositions(rng, 3, 4096) {
		flipBit(cw.Data, p)
	}
	for _, p := range distinctPositions(rng, 8, 4096) {
		flipBit(cw.Data, 3*4096+p)
	}

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Equal(t, 11, corrected)
	assert.Equal(t, original, data)
}

func TestBCH__ShortFinalSector(t *testing.T) {
	original := randomBytes(23, 700)
	cw := encodeCopy(t, ecc.BCH(4), original)
	flipBit(cw.Data, 512*8+1)
	flipBit(cw.Data, 700*8-1)

	data, corrected, err := ecc.Decode(cw)
	require.NoError(t, err)
	assert.Equal(t, 2, corrected)
	assert.Equal(t, original, data)
}

////////////////////////////////////////////////////////////////////////////////
// Schemes

func TestParseScheme(t *testing.T) {
	scheme, err := ecc.ParseScheme("BCH8")
	require.NoError(t, err)
	assert.Equal(t, ecc.BCH(8), scheme)

	scheme, err = ecc.ParseScheme("hamming")
	require.NoError(t, err)
	assert.Equal(t, ecc.Hamming, scheme)

	_, err = ecc.ParseScheme("bch7")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	_, err = ecc.ParseScheme("reed-solomon")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestSchemeTag__RoundTrip(t *testing.T) {
	for _, scheme := range []ecc.Scheme{ecc.Hamming, ecc.BCH(4), ecc.BCH(8), ecc.BCH(16)} {
		back, err := ecc.SchemeFromTag(scheme.Tag())
		require.NoError(t, err)
		assert.Equal(t, scheme, back)
	}
	_, err := ecc.SchemeFromTag(0xFF)
	assert.Error(t, err)
}

func TestSchemeFromTag__OnlyOneHammingTag(t *testing.T) {
	accepted := 0
	for tag := 0; tag < 256; tag++ {
		if _, err := ecc.SchemeFromTag(byte(tag)); err == nil {
			accepted++
		}
	}
	assert.Equal(t, len(ecc.Schemes()), accepted)

	_, err := ecc.SchemeFromTag(ecc.Scheme{Kind: ecc.KindHamming, Strength: 10}.Tag())
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestDecode__BCHBeyondStrengthNeverPassesAsOriginal(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := randomBytes(9, ecc.SectorSize)
	cw, err := ecc.Encode(ecc.BCH(4), data)
	require.NoError(t, err)

	for trial := 0; trial < 200; trial++ {
		damaged := append([]byte(nil), data...)
		for _, bit := range rng.Perm(len(damaged) * 8)[:5] {
			damaged[bit/8] ^= 0x80 >> (bit % 8)
		}

		decoded, corrected, err := ecc.Decode(ecc.Codeword{Data: damaged, Parity: cw.Parity, Scheme: cw.Scheme})
		if err != nil {
			assert.ErrorIs(t, err, errors.ErrUncorrectable)
			continue
		}
		// A miscorrection lands on some other codeword.
		assert.LessOrEqual(t, corrected, 4)
		assert.NotEqual(t, data, decoded)
	}
}
