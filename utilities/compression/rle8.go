package compression

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const maxRLE8Run = 257

// CompressRLE8 encodes everything from `input` to `output` and returns the
// number of bytes written. The count is only meaningful if there's no error.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	sink := bufio.NewWriter(output)
	written := int64(0)

	flushRun := func(b byte, length int) error {
		for length >= 2 {
			extra := min(length, maxRLE8Run) - 2
			if _, err := sink.Write([]byte{b, b, byte(extra)}); err != nil {
				return err
			}
			written += 3
			length -= extra + 2
		}
		if length == 1 {
			if err := sink.WriteByte(b); err != nil {
				return err
			}
			written++
		}
		return nil
	}

	current, err := source.ReadByte()
	if errors.Is(err, io.EOF) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	length := 1

	for {
		next, err := source.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return written, err
			}
			if err := flushRun(current, length); err != nil {
				return written, err
			}
			return written, sink.Flush()
		}

		if next == current {
			length++
			continue
		}
		if err := flushRun(current, length); err != nil {
			return written, err
		}
		current = next
		length = 1
	}
}

// DecompressRLE8 reverses [CompressRLE8] and returns the number of bytes
// written to `output`.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	sink := bufio.NewWriter(output)
	written := int64(0)
	previous := -1

	for {
		b, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return written, sink.Flush()
		} else if err != nil {
			return written, fmt.Errorf("error reading input: %w", err)
		}

		if int(b) != previous {
			if err := sink.WriteByte(b); err != nil {
				return written, fmt.Errorf("failed to write to output: %w", err)
			}
			written++
			previous = int(b)
			continue
		}

		// Second byte of a run; the repeat count follows. The first byte of
		// the pair was already written.
		extra, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return written, fmt.Errorf(
				"missing repeat count after two %02x bytes: %w", b, err)
		}
		for i := 0; i < int(extra)+1; i++ {
			if err := sink.WriteByte(b); err != nil {
				return written, fmt.Errorf("failed to write to output: %w", err)
			}
		}
		written += int64(extra) + 1
		previous = -1
	}
}
