// Package runner wires a stored pipeline definition into a supervised run:
// event source in front, stage chain behind, task record around the whole.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
	"github.com/openchainlab/eventpipe/internal/pipeline/source"
	"github.com/openchainlab/eventpipe/internal/pipeline/stages"
	"github.com/openchainlab/eventpipe/internal/store"
	"github.com/openchainlab/eventpipe/internal/task"
)

// Deps bundles the shared infrastructure one Runner serves to every
// pipeline it starts.
type Deps struct {
	Readers    map[model.Chain]chain.Reader
	Producer   broker.Producer
	Cursors    store.CursorRepository
	AuditSinks []stages.AuditSink
	Manager    *task.Manager
	RetryCfg   retry.Config
	Logger     *slog.Logger

	// Consumers builds a broker consumer for one topic. Only pipelines with
	// a consumer-mode source need it.
	Consumers func(topic string) (broker.Consumer, error)
}

type Runner struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		deps:   deps,
		logger: logger.With("component", "runner"),
	}
}

// Run executes one pipeline definition under task supervision. For realtime
// sources it blocks until the context is cancelled; cancellation counts as
// a clean stop, not a failure.
func (r *Runner) Run(ctx context.Context, def *model.PipelineDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	reader, ok := r.deps.Readers[def.Chain]
	if !ok {
		return fmt.Errorf("pipeline %q: no reader for chain %q", def.Name, def.Chain)
	}

	built, err := stages.BuildAll(def, stages.Deps{
		Chain:        def.Chain,
		PipelineID:   def.ID,
		PipelineName: def.Name,
		Reader:       reader,
		Producer:     r.deps.Producer,
		AuditSinks:   r.deps.AuditSinks,
		RetryConfig:  r.deps.RetryCfg,
		Logger:       r.logger,
	})
	if err != nil {
		return err
	}

	var runSource func(ctx context.Context, handler source.Handler) error
	if def.Source.Mode == "consumer" {
		if r.deps.Consumers == nil {
			return fmt.Errorf("pipeline %q: no consumer factory configured", def.Name)
		}
		consumer, err := r.deps.Consumers(def.Source.Topic)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		src := source.NewMessageSource(def.Chain, def.Name, consumer, r.logger)
		runSource = func(ctx context.Context, handler source.Handler) error {
			defer func() {
				if err := src.Close(); err != nil {
					r.logger.Warn("consumer close", "pipeline", def.Name, "error", err)
				}
			}()
			return src.Run(ctx, handler)
		}
	} else {
		mon, err := source.NewMonitor(def.Chain, def.ID, def.Name, def.Source, reader, r.deps.Cursors, r.deps.RetryCfg, r.logger)
		if err != nil {
			return fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		runSource = mon.Run
	}

	return r.deps.Manager.Supervise(ctx, def.ID, def.Name, "", func(ctx context.Context) error {
		exec := pipeline.NewExecutor(def.Chain, def.Name, built, r.logger)
		if err := exec.Initialize(ctx); err != nil {
			return err
		}
		defer func() {
			if err := exec.Cleanup(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("pipeline cleanup", "pipeline", def.Name, "error", err)
			}
		}()

		err := runSource(ctx, func(ctx context.Context, ev *model.EventRecord) error {
			_, procErr := exec.ProcessEvent(ctx, ev)
			return procErr
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// RunAll starts every definition and blocks until all finish. Errors are
// joined; one failing pipeline does not stop its siblings.
func (r *Runner) RunAll(ctx context.Context, defs []*model.PipelineDefinition) error {
	errCh := make(chan error, len(defs))
	for _, def := range defs {
		def := def
		go func() {
			if err := r.Run(ctx, def); err != nil {
				r.logger.Error("pipeline stopped with error", "pipeline", def.Name, "error", err)
				errCh <- fmt.Errorf("pipeline %q: %w", def.Name, err)
				return
			}
			errCh <- nil
		}()
	}

	var errs []error
	for range defs {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
