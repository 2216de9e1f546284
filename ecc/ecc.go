// Package ecc computes and checks the per-page error-correcting parity stored
// in the spare area of NAND pages.
//
// Data is processed in sectors of [SectorSize] bytes, each sector forming one
// codeword unit with its own parity. Bit positions inside a sector are counted
// from the most significant bit of its first byte.
package ecc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dargueta/nandkit/errors"
)

// SectorSize is the number of data bytes covered by one unit of parity. The
// last sector of a buffer may be shorter.
const SectorSize = 512

type Kind uint8

const (
	KindHamming Kind = iota + 1
	KindBCH
)

// Scheme selects an ECC algorithm and, for BCH, its correction strength in bits
// per sector.
type Scheme struct {
	Kind     Kind
	Strength uint8
}

// Hamming corrects one bit and detects two bits per sector.
var Hamming = Scheme{Kind: KindHamming, Strength: 1}

// Schemes lists every supported scheme.
func Schemes() []Scheme {
	return []Scheme{Hamming, BCH(4), BCH(8), BCH(16)}
}

// BCH returns the BCH scheme correcting up to `strength` bits per sector.
// Supported strengths are 4, 8 and 16; see [Scheme.Validate].
func BCH(strength int) Scheme {
	return Scheme{Kind: KindBCH, Strength: uint8(strength)}
}

func (s Scheme) Validate() error {
	switch s.Kind {
	case KindHamming:
		if s.Strength == 1 {
			return nil
		}
		return errors.Errorf(
			errors.EINVAL, "unsupported Hamming strength %d, expected 1", s.Strength)
	case KindBCH:
		switch s.Strength {
		case 4, 8, 16:
			return nil
		}
		return errors.Errorf(
			errors.EINVAL, "unsupported BCH strength %d, expected 4, 8 or 16", s.Strength)
	}
	return errors.Errorf(errors.EINVAL, "unknown ECC scheme kind %d", s.Kind)
}

func (s Scheme) String() string {
	switch s.Kind {
	case KindHamming:
		return "hamming"
	case KindBCH:
		return fmt.Sprintf("bch%d", s.Strength)
	}
	return fmt.Sprintf("unknown(%d)", s.Kind)
}

// Tag packs the scheme into a single byte for spare areas and wire payloads.
func (s Scheme) Tag() byte {
	return byte(s.Kind)<<5 | (s.Strength & 0x1f)
}

// SchemeFromTag is the inverse of [Scheme.Tag].
func SchemeFromTag(tag byte) (Scheme, error) {
	scheme := Scheme{Kind: Kind(tag >> 5), Strength: tag & 0x1f}
	if err := scheme.Validate(); err != nil {
		return Scheme{}, err
	}
	return scheme, nil
}

// ParseScheme accepts "hamming", "bch4", "bch8" and "bch16".
func ParseScheme(name string) (Scheme, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "hamming" {
		return Hamming, nil
	}
	if strings.HasPrefix(name, "bch") {
		strength, err := strconv.Atoi(name[3:])
		if err == nil {
			scheme := BCH(strength)
			return scheme, scheme.Validate()
		}
	}
	return Scheme{}, errors.Errorf(errors.EINVAL, "unrecognized ECC scheme %q", name)
}

// SectorParityLength gives the number of parity bytes for one sector.
func (s Scheme) SectorParityLength() int {
	switch s.Kind {
	case KindHamming:
		return hammingParityBytes
	case KindBCH:
		return (int(s.Strength)*gfBits + 7) / 8
	}
	return 0
}

// ParityLength gives the number of parity bytes [Encode] produces for
// `dataLength` bytes of data.
func ParityLength(s Scheme, dataLength int) int {
	sectors := (dataLength + SectorSize - 1) / SectorSize
	return sectors * s.SectorParityLength()
}

// Codeword is a data buffer together with the parity computed over it.
type Codeword struct {
	Data   []byte
	Parity []byte
	Scheme Scheme
}

// Encode computes the parity for `data`. The data slice is referenced, not
// copied.
func Encode(scheme Scheme, data []byte) (Codeword, error) {
	if err := scheme.Validate(); err != nil {
		return Codeword{}, err
	}

	sectorParity := scheme.SectorParityLength()
	parity := make([]byte, 0, ParityLength(scheme, len(data)))
	for start := 0; start < len(data); start += SectorSize {
		sector := data[start:min(start+SectorSize, len(data))]
		var p []byte
		switch scheme.Kind {
		case KindHamming:
			p = hammingEncode(sector)
		case KindBCH:
			p = bchCodeFor(int(scheme.Strength)).encode(sector)
		}
		if len(p) != sectorParity {
			panic(fmt.Sprintf("%s parity for one sector is %d bytes, expected %d", scheme, len(p), sectorParity))
		}
		parity = append(parity, p...)
	}

	return Codeword{Data: data, Parity: parity, Scheme: scheme}, nil
}

// Decode checks the codeword and returns corrected data together with the
// number of bit errors fixed, parity bits included. The input is not modified.
//
// If any sector has more errors than the scheme can correct, the error is
// [errors.ErrUncorrectable] and the returned data must not be trusted. Such a
// sector is not always caught: a BCH decoder can land on a different valid
// codeword and report it as corrected. With BCH-4 this shows up for a few
// five-error patterns in a thousand; stronger codes make it rarer still.
func Decode(cw Codeword) ([]byte, int, error) {
	if err := cw.Scheme.Validate(); err != nil {
		return nil, 0, err
	}
	expected := ParityLength(cw.Scheme, len(cw.Data))
	if len(cw.Parity) != expected {
		return nil, 0, errors.Errorf(
			errors.EINVAL,
			"%s parity for %d data bytes must be %d bytes, got %d",
			cw.Scheme,
			len(cw.Data),
			expected,
			len(cw.Parity),
		)
	}

	data := make([]byte, len(cw.Data))
	copy(data, cw.Data)

	sectorParity := cw.Scheme.SectorParityLength()
	totalCorrected := 0
	for i, start := 0, 0; start < len(data); i, start = i+1, start+SectorSize {
		sector := data[start:min(start+SectorSize, len(data))]
		parity := cw.Parity[i*sectorParity : (i+1)*sectorParity]

		var corrected int
		var err error
		switch cw.Scheme.Kind {
		case KindHamming:
			corrected, err = hammingDecode(sector, parity)
		case KindBCH:
			corrected, err = bchCodeFor(int(cw.Scheme.Strength)).decode(sector, parity)
		}
		if err != nil {
			return data, totalCorrected, errors.ErrUncorrectable.WithMessage(
				fmt.Sprintf("%s sector %d: %s", cw.Scheme, i, err.Error()))
		}
		totalCorrected += corrected
	}
	return data, totalCorrected, nil
}
