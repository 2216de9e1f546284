package programmer

import (
	"context"
	"fmt"
	"io"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
)

// FullChipJob writes an image to the whole chip, one block per step. Bad
// blocks, whether already in the table or found along the way, are skipped and
// reported; only a transport failure stops the job.
//
// If the table keeps a spare reserve, the image covers the logical blocks only
// and each one goes wherever [bbt.Table.Translate] sends it. A block that fails
// is retried on the spare the table hands out for it before being skipped.
type FullChipJob struct {
	programmer *Programmer
	image      nandkit.BlockReader
	total      nandkit.BlockID
	next       nandkit.BlockID
	progress   *job.Progress

	correctedBits int
}

// FullChipProgram prepares a job that programs every good block of the chip
// with the matching block of `image`. Run it with [job.Run] or [job.Start].
func (p *Programmer) FullChipProgram(image nandkit.BlockReader) *FullChipJob {
	total := p.table.LogicalBlocks()
	return &FullChipJob{
		programmer: p,
		image:      image,
		total:      total,
		progress:   job.NewProgress(total),
	}
}

func (j *FullChipJob) Progress() *job.Progress {
	return j.progress
}

// CorrectedBits is the total number of bits corrected while verifying.
func (j *FullChipJob) CorrectedBits() int {
	return j.correctedBits
}

func (j *FullChipJob) Step(ctx context.Context) (bool, error) {
	p := j.programmer
	if j.next >= j.total {
		return true, nil
	}

	block := j.next
	j.progress.Begin(block)

	target, err := p.table.Translate(block)
	if err != nil {
		p.log.Debug().Uint32("block", block).Msg("skipping bad block")
		j.progress.Skip(block, nil)
		j.next++
		return j.next >= j.total, nil
	}

	data, err := j.image(ctx, block)
	if err != nil {
		return false, p.fail(fmt.Errorf("reading block %d of the image: %w", block, err))
	}
	if len(data) != int(p.geometry.BlockSize()) {
		return false, p.fail(errors.Errorf(
			errors.EINVAL,
			"image block %d is %d bytes, expected %d",
			block,
			len(data),
			p.geometry.BlockSize(),
		))
	}

	pages := make([][]byte, p.geometry.PagesPerBlock)
	for i := range pages {
		start := i * int(p.geometry.PageSize)
		pages[i] = data[start : start+int(p.geometry.PageSize)]
	}

	for attempt := 0; ; attempt++ {
		reports, err := p.ProgramBlock(ctx, target, pages)
		if err == nil {
			for _, report := range reports {
				j.correctedBits += report.CorrectedBits
			}
			j.progress.Complete(block)
			break
		}
		if !errors.IsRecoverable(err) {
			return false, err
		}

		spare, translateErr := p.table.Translate(block)
		if translateErr != nil || spare == target || attempt >= p.options.retryCount {
			p.log.Warn().Uint32("block", block).Err(err).Msg("skipping block that failed")
			j.progress.Skip(block, err)
			break
		}
		p.log.Info().
			Uint32("block", block).
			Uint32("from", target).
			Uint32("to", spare).
			Err(err).
			Msg("moving block to a spare")
		target = spare
	}

	j.next++
	return j.next >= j.total, nil
}

// ImageFromReaderAt reads image blocks from `r`, which holds `size` bytes of
// data areas back to back. Anything past `size` reads as erased, so short
// images leave the end of the chip blank.
func ImageFromReaderAt(g nandkit.Geometry, r io.ReaderAt, size int64) nandkit.BlockReader {
	return func(ctx context.Context, block nandkit.BlockID) ([]byte, error) {
		if err := g.CheckBlock(block); err != nil {
			return nil, err
		}

		data := make([]byte, g.BlockSize())
		for i := range data {
			data[i] = nandkit.ErasedByte
		}

		offset := int64(block) * int64(g.BlockSize())
		if offset >= size {
			return data, nil
		}
		want := min(int64(len(data)), size-offset)
		n, err := r.ReadAt(data[:want], offset)
		if int64(n) < want {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return data, nil
	}
}
