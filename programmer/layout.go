package programmer

import (
	"bytes"
	"context"
	"fmt"
	"math/bits"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
)

// Spare area layout of pages written by this package.
const (
	spareMarkerOffset = 0
	spareTagOffset    = 1
	spareCheckOffset  = 2
	spareParityOffset = 3
)

// layoutCheck is stored after the scheme tag, XORed with it, so that a spare
// area filled in by other firmware is not mistaken for one of ours.
const layoutCheck = 0xA5

// spareScheme finds the scheme whose tag and check byte are within one bit of
// the ones in `spare`. Headers of different schemes are at least four bits
// apart, so at most one can match.
func spareScheme(spare []byte) (ecc.Scheme, bool) {
	if len(spare) < spareParityOffset {
		return ecc.Scheme{}, false
	}
	for _, scheme := range ecc.Schemes() {
		tag := scheme.Tag()
		distance := bits.OnesCount8(spare[spareTagOffset]^tag) +
			bits.OnesCount8(spare[spareCheckOffset]^tag^layoutCheck)
		if distance <= 1 {
			return scheme, true
		}
	}
	return ecc.Scheme{}, false
}

// EncodeRawPage builds the raw page for `data`: the data area padded with 0xFF,
// then a spare area holding the good-block marker (left erased) and, when the
// parity fits, the scheme tag, its check byte and the parity.
func EncodeRawPage(g nandkit.Geometry, scheme ecc.Scheme, data []byte) ([]byte, ecc.Codeword, error) {
	if len(data) > int(g.PageSize) {
		return nil, ecc.Codeword{}, errors.Errorf(
			errors.EINVAL,
			"%d bytes of data don't fit in a %d-byte page",
			len(data),
			g.PageSize,
		)
	}

	raw := bytes.Repeat([]byte{nandkit.ErasedByte}, int(g.RawPageSize()))
	copy(raw, data)

	cw, err := ecc.Encode(scheme, raw[:g.PageSize])
	if err != nil {
		return nil, ecc.Codeword{}, err
	}

	spare := raw[g.PageSize:]
	if len(spare)-spareParityOffset >= len(cw.Parity) {
		spare[spareTagOffset] = scheme.Tag()
		spare[spareCheckOffset] = scheme.Tag() ^ layoutCheck
		copy(spare[spareParityOffset:], cw.Parity)
	}
	return raw, cw, nil
}

// DecodeRawPage returns the data area of a raw page, corrected with the parity
// stored in its spare area when there is any. Pages whose spare area wasn't
// laid out by [EncodeRawPage], erased pages included, are returned as they are.
func DecodeRawPage(g nandkit.Geometry, raw []byte) ([]byte, int, error) {
	if len(raw) < int(g.PageSize) {
		return nil, 0, errors.Errorf(
			errors.EPROTO, "raw page is %d bytes, expected at least %d", len(raw), g.PageSize)
	}
	data := raw[:g.PageSize]
	spare := raw[g.PageSize:]

	if nandkit.IsErased(raw) {
		return append([]byte(nil), data...), 0, nil
	}
	scheme, ok := spareScheme(spare)
	if !ok {
		return append([]byte(nil), data...), 0, nil
	}
	parityLength := ecc.ParityLength(scheme, len(data))
	if len(spare)-spareParityOffset < parityLength {
		return append([]byte(nil), data...), 0, nil
	}

	return ecc.Decode(ecc.Codeword{
		Data:   data,
		Parity: spare[spareParityOffset : spareParityOffset+parityLength],
		Scheme: scheme,
	})
}

// CorrectedReader returns a [nandkit.BlockReader] that runs every page through
// [DecodeRawPage]. `onCorrected` is called with the number of bits fixed in a
// block whenever that number is nonzero; it may be nil.
func CorrectedReader(
	t nandkit.Transport,
	g nandkit.Geometry,
	onCorrected func(block nandkit.BlockID, bits int),
) nandkit.BlockReader {
	return func(ctx context.Context, block nandkit.BlockID) ([]byte, error) {
		if err := g.CheckBlock(block); err != nil {
			return nil, err
		}

		data := make([]byte, 0, g.BlockSize())
		total := 0
		for page := uint32(0); page < g.PagesPerBlock; page++ {
			addr := nandkit.PageAddress{Block: block, Page: page}
			raw, err := t.ReadPage(ctx, addr)
			if err != nil {
				return nil, err
			}
			pageData, corrected, err := DecodeRawPage(g, raw)
			if err != nil {
				return nil, fmt.Errorf("page %s: %w", addr, err)
			}
			total += corrected
			data = append(data, pageData...)
		}

		if total > 0 && onCorrected != nil {
			onCorrected(block, total)
		}
		return data, nil
	}
}
