package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"camrelay/internal/lifecycle"
	"camrelay/internal/services"
	"camrelay/internal/stage"
)

type stageRunner interface {
	Name() string
	Start(ctx context.Context) error
	Stop(drainTimeout time.Duration) stage.StopResult
}

// stageComponent adapts a stage to lifecycle.Component. The drain timeout is
// the configured drain limit or the remainder of the shutdown budget,
// whichever is shorter.
type stageComponent struct {
	stage    stageRunner
	drain    time.Duration
	onResult func(stage.StopResult)
}

func (c stageComponent) Name() string { return c.stage.Name() }

func (c stageComponent) Start(ctx context.Context) error { return c.stage.Start(ctx) }

func (c stageComponent) Stop(ctx context.Context) error {
	timeout := c.drain
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	result := c.stage.Stop(timeout)
	if c.onResult != nil {
		c.onResult(result)
	}
	if !result.Clean {
		return services.Wrap(services.ErrShutdownTimeout, "workflow", "stop stage",
			fmt.Sprintf("%s still busy with %d queued item(s)", result.Name, result.Pending), nil)
	}
	return nil
}

// resources closes the pipeline's collaborators once every stage has stopped.
type resources struct {
	closers []io.Closer
}

func (resources) Name() string { return "pipeline-resources" }

func (resources) Start(context.Context) error { return nil }

func (r resources) Stop(context.Context) error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register adds the stages, the capture sources created so far and a closer
// for the collaborators to reg. Stages start writer first so every handoff
// target is running before anything feeds it; they drain capture first.
func (p *Pipeline) Register(reg *lifecycle.Registry) error {
	drain := p.opts.Stages.DrainTimeoutDuration()
	stages := []struct {
		runner stageRunner
		rank   int
	}{
		{p.writer, 1},
		{p.uploader, 2},
		{p.capture, 0},
	}
	for _, s := range stages {
		c := stageComponent{stage: s.runner, drain: drain, onResult: p.recordStop}
		if err := reg.Register(c, lifecycle.KindStage, lifecycle.WithDrainRank(s.rank)); err != nil {
			return err
		}
	}

	p.mu.Lock()
	sources := make([]lifecycle.Component, 0, len(p.sources))
	for _, src := range p.sources {
		sources = append(sources, src)
	}
	p.mu.Unlock()
	for _, src := range sources {
		if err := reg.Register(src, lifecycle.KindSource); err != nil {
			return err
		}
	}

	var closers []io.Closer
	for _, collaborator := range []any{p.opts.Detector, p.opts.Writer, p.opts.Uploader} {
		if c, ok := collaborator.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	return reg.Register(resources{closers: closers}, lifecycle.KindAux)
}
