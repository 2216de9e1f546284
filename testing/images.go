// Package testing holds helpers shared by the nandkit test suites.
package testing

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/utilities/compression"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// RandomBytes returns `size` random bytes. It is guaranteed to either return a
// valid slice or fail the test and abort.
func RandomBytes(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to generate %d random bytes", size)
	return data
}

// RandomImage returns a random image covering the data area of every block of
// a chip with geometry `g`.
func RandomImage(t *testing.T, g nandkit.Geometry) []byte {
	return RandomBytes(t, int(g.Capacity()))
}

// LoadCompressedImage takes an image compressed with
// [compression.CompressImage] and returns a stream over the uncompressed data.
//
//   - Writes to the stream do not affect `compressedImage`.
//   - The size of the stream is fixed to `expectedSize`. Attempting to write
//     past the end triggers an error.
func LoadCompressedImage(t *testing.T, compressedImage []byte, expectedSize int) io.ReadWriteSeeker {
	require.Greater(t, len(compressedImage), 0, "compressed image is empty")

	imageBytes, err := compression.DecompressImageToBytes(bytes.NewReader(compressedImage))
	require.NoError(t, err)
	require.Equal(t, expectedSize, len(imageBytes), "uncompressed image is wrong size")
	return bytesextra.NewReadWriteSeeker(imageBytes)
}
