package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
)

// Executor drives one pipeline's stage chain. It is not safe for concurrent
// ProcessEvent calls; each pipeline run owns one Executor.
type Executor struct {
	chain       model.Chain
	pipeline    string
	stages      []Stage
	logger      *slog.Logger
	initialized int
}

func NewExecutor(chain model.Chain, pipelineName string, stages []Stage, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		chain:    chain,
		pipeline: pipelineName,
		stages:   stages,
		logger:   logger.With("component", "executor", "pipeline", pipelineName),
	}
}

// Initialize prepares every stage in order. If any stage fails, the stages
// already initialized are cleaned up before returning.
func (e *Executor) Initialize(ctx context.Context) error {
	for i, st := range e.stages {
		if err := st.Initialize(ctx); err != nil {
			e.initialized = i
			if cleanupErr := e.Cleanup(ctx); cleanupErr != nil {
				e.logger.Warn("cleanup after failed init", "error", cleanupErr)
			}
			return fmt.Errorf("initialize stage %q: %w", st.Name(), err)
		}
	}
	e.initialized = len(e.stages)
	return nil
}

// ProcessEvent runs the event through the stage chain and returns the final
// context. Stage outputs merge without overwriting earlier keys, except the
// mapping stage whose output replaces the context wholesale. A failing stage
// is logged and skipped; the chain continues with the context as it stood
// before that stage, so one bad stage never drops the event on the floor.
func (e *Executor) ProcessEvent(ctx context.Context, ev *model.EventRecord) (map[string]any, error) {
	pctx := ev.AsContext()

	for _, st := range e.stages {
		start := time.Now()
		out, err := st.Execute(ctx, pctx)
		metrics.PipelineStageLatency.WithLabelValues(e.chain.String(), e.pipeline, st.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PipelineEventsFailed.WithLabelValues(e.chain.String(), e.pipeline).Inc()
			e.logger.Error("stage failed, continuing",
				"stage", st.Name(),
				"event_name", ev.EventName,
				"block", ev.BlockNumber,
				"log_index", ev.LogIndex,
				"error", err,
			)
			continue
		}
		if out == nil {
			continue
		}
		if st.Kind() == model.StageMap {
			pctx = out
		} else {
			MergeAbsent(pctx, out)
		}
	}

	metrics.PipelineEventsProcessed.WithLabelValues(e.chain.String(), e.pipeline).Inc()
	return pctx, nil
}

// Cleanup releases every initialized stage in reverse order, collecting all
// errors rather than stopping at the first.
func (e *Executor) Cleanup(ctx context.Context) error {
	var errs []error
	for i := e.initialized - 1; i >= 0; i-- {
		if err := e.stages[i].Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup stage %q: %w", e.stages[i].Name(), err))
		}
	}
	e.initialized = 0
	return errors.Join(errs...)
}
