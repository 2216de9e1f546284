package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/dargueta/nandkit/errors"
	"github.com/hungys/go-lz4"
)

type Algorithm string

const (
	None Algorithm = "none"
	// RLE8 is run-length encoding followed by gzip.
	RLE8 Algorithm = "rle8"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// ParseAlgorithm accepts the algorithm names, case-insensitively. An empty
// string means [None].
func ParseAlgorithm(name string) (Algorithm, error) {
	switch algorithm := Algorithm(strings.ToLower(strings.TrimSpace(name))); algorithm {
	case "":
		return None, nil
	case None, RLE8, Zstd, LZ4:
		return algorithm, nil
	}
	return "", errors.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("unsupported compression algorithm %q (lz4, zstd, rle8, none)", name))
}

// Compress compresses `data` in one go.
func Compress(algorithm Algorithm, data []byte) ([]byte, error) {
	switch algorithm {
	case None, "":
		return append([]byte(nil), data...), nil

	case RLE8:
		var buffer bytes.Buffer
		if _, err := CompressImage(bytes.NewReader(data), &buffer); err != nil {
			return nil, err
		}
		return buffer.Bytes(), nil

	case Zstd:
		return zstd.CompressLevel(nil, data, zstd.DefaultCompression)

	case LZ4:
		// LZ4 blocks don't record their decompressed size, so it goes first.
		output := make([]byte, 4+lz4.CompressBound(len(data)))
		binary.LittleEndian.PutUint32(output, uint32(len(data)))
		if len(data) == 0 {
			return output[:4], nil
		}
		n, err := lz4.CompressDefault(data, output[4:])
		if err != nil {
			return nil, err
		}
		return output[:4+n], nil
	}
	return nil, errors.ErrNotSupported.WithMessage(fmt.Sprintf("compression %q", algorithm))
}

// Decompress reverses [Compress].
func Decompress(algorithm Algorithm, data []byte) ([]byte, error) {
	switch algorithm {
	case None, "":
		return append([]byte(nil), data...), nil

	case RLE8:
		return DecompressImageToBytes(bytes.NewReader(data))

	case Zstd:
		return zstd.Decompress(nil, data)

	case LZ4:
		if len(data) < 4 {
			return nil, fmt.Errorf("lz4 data is %d bytes, too short for a header", len(data))
		}
		size := int(binary.LittleEndian.Uint32(data))
		output := make([]byte, size)
		if size == 0 {
			return output, nil
		}
		n, err := lz4.DecompressSafe(data[4:], output)
		if err != nil {
			return nil, err
		}
		if n != size {
			return nil, fmt.Errorf("lz4 data decompressed to %d bytes, expected %d", n, size)
		}
		return output, nil
	}
	return nil, errors.ErrNotSupported.WithMessage(fmt.Sprintf("compression %q", algorithm))
}

// CompressImage streams a dump through RLE8 and gzip and returns the number of
// bytes written to `output`.
func CompressImage(input io.Reader, output io.Writer) (int64, error) {
	counter := &countingWriter{w: output}
	gzWriter, err := gzip.NewWriterLevel(counter, gzip.BestCompression)
	if err != nil {
		return 0, err
	}

	if _, err := CompressRLE8(input, gzWriter); err != nil {
		gzWriter.Close()
		return counter.n, err
	}
	err = gzWriter.Close()
	return counter.n, err
}

// DecompressImage reverses [CompressImage] and returns the size of the
// original dump.
func DecompressImage(input io.Reader, output io.Writer) (int64, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return 0, err
	}
	defer gzReader.Close()
	return DecompressRLE8(gzReader, output)
}

// DecompressImageToBytes is [DecompressImage] into memory.
func DecompressImageToBytes(input io.Reader) ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := DecompressImage(input, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
