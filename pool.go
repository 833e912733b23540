package main

import (
	"context"
	"runtime"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// #############################################################################

func NewWorkerPool(nJobs uint64, opts PoolOptions, label string) *WorkerPool {
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = NewProgressBar(int(nJobs), "cyan", label)
	}
	return &WorkerPool{
		make(InputChannel, nJobs),
		make(OutputChannel, nJobs),
		nJobs,
		opts,
		bar,
	}
}

func StartWorker(ctx context.Context, fn WorkerFunc, wctx WorkerCtx, InChan InputChannel, OutChan OutputChannel, bar *progressbar.ProgressBar) error {
	for job := range InChan {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := fn(wctx, job.data)
		if err != nil {
			return err
		}
		OutChan <- WorkerOutput{job.id, res}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return nil
}

// Run closes the input channel, drains it with the configured number of
// workers and returns the outputs indexed by job id. The first job error
// cancels the remaining jobs.
func (p *WorkerPool) Run(ctx context.Context, fn WorkerFunc, wctx WorkerCtx) ([]WorkerOutput, error) {
	l := p.opts.Workers
	if l <= 0 {
		l = runtime.NumCPU()
	}

	close(p.InChan)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < l; i++ {
		g.Go(func() error {
			return StartWorker(gctx, fn, wctx, p.InChan, p.OutChan, p.bar)
		})
	}
	err := g.Wait()
	close(p.OutChan)
	if p.bar != nil {
		_ = p.bar.Finish()
	}
	if err != nil {
		return nil, err
	}

	out := make([]WorkerOutput, p.nJobs)
	for res := range p.OutChan {
		Assert(res.id < p.nJobs)
		out[res.id] = res
	}
	return out, nil
}

// #############################################################################
