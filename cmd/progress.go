package main

import (
	"context"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/protocol"
)

const progressInterval = 200 * time.Millisecond

// progressBar draws block progress on stdout when it's a terminal and
// swallows it otherwise.
type progressBar struct {
	progress *mpb.Progress
	bar      *mpb.Bar
}

func newProgressBar(c *cli.Context, title string, total uint32) *progressBar {
	var progress *mpb.Progress
	if !c.Bool("quiet") && isatty.IsTerminal(os.Stdout.Fd()) {
		progress = mpb.New(mpb.WithWidth(64))
	} else {
		progress = mpb.New(mpb.WithWidth(64), mpb.WithOutput(nil))
	}
	bar := progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(title, decor.WCSyncWidth),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Percentage(decor.WC{W: 5}), "done"),
		),
	)
	return &progressBar{progress: progress, bar: bar}
}

func (p *progressBar) update(total, completed uint32) {
	p.bar.SetTotal(int64(total), false)
	p.bar.SetCurrent(int64(completed))
}

// finish stops the bar. A job that ended early leaves it where it stopped.
func (p *progressBar) finish(completed bool) {
	if completed {
		p.bar.SetTotal(-1, true)
	} else {
		p.bar.Abort(false)
	}
	p.progress.Wait()
}

// runJob runs a local job to the end with a progress bar. Interrupting the
// command aborts the job at the next block boundary.
func runJob(c *cli.Context, title string, stepper job.Stepper) job.Result {
	first := stepper.Progress().Snapshot()
	bar := newProgressBar(c, title, first.TotalUnits)

	done := make(chan job.Result, 1)
	go func() {
		done <- job.Run(c.Context, stepper, nil)
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case result := <-done:
			snapshot := stepper.Progress().Snapshot()
			bar.update(snapshot.TotalUnits, snapshot.CompletedUnits)
			bar.finish(result.Status != job.Failed)
			return result
		case <-ticker.C:
			snapshot := stepper.Progress().Snapshot()
			bar.update(snapshot.TotalUnits, snapshot.CompletedUnits)
		}
	}
}

// waitRemoteJob follows a job running on the executor. Interrupting the
// command asks the executor to abort it.
func waitRemoteJob(
	c *cli.Context,
	client *protocol.Client,
	title string,
	kind protocol.JobKind,
	id uint16,
) (protocol.JobStatus, error) {
	bar := newProgressBar(c, title, 0)

	final, err := client.WaitJob(c.Context, kind, id, progressInterval, func(status protocol.JobStatus) {
		bar.update(status.TotalUnits, status.CompletedUnits)
	})
	if c.Context.Err() != nil {
		// The command's context is gone; give the abort its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if abortErr := client.AbortJob(ctx, kind, id); abortErr == nil {
			final, err = client.WaitJob(ctx, kind, id, progressInterval, nil)
		}
	}
	bar.finish(err == nil)
	return final, err
}
