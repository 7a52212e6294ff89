package stages

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
)

// Deps carries the shared infrastructure stages draw on.
type Deps struct {
	Chain        model.Chain
	PipelineID   uuid.UUID
	PipelineName string
	Reader       chain.Reader
	Producer     broker.Producer
	AuditSinks   []AuditSink
	RetryConfig  retry.Config
	Logger       *slog.Logger
}

// Build decodes one stage envelope into a runnable stage.
func Build(spec model.StageSpec, deps Deps) (pipeline.Stage, error) {
	name := spec.Name
	if name == "" {
		name = string(spec.Kind)
	}

	switch spec.Kind {
	case model.StageContractCall:
		var cfg model.ContractCallConfig
		if err := json.Unmarshal(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("stage %q: decode contract call config: %w", name, err)
		}
		if deps.Reader == nil {
			return nil, fmt.Errorf("stage %q: no chain reader available", name)
		}
		return NewContractCallStage(name, deps.Chain, deps.PipelineID, deps.PipelineName,
			deps.Reader, cfg, deps.RetryConfig, deps.AuditSinks, deps.Logger), nil

	case model.StageMap:
		var cfg model.MapConfig
		if err := json.Unmarshal(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("stage %q: decode mapper config: %w", name, err)
		}
		return NewMapStage(name, cfg, deps.Logger), nil

	case model.StagePublish:
		var cfg model.PublishConfig
		if err := json.Unmarshal(spec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("stage %q: decode publish config: %w", name, err)
		}
		if deps.Producer == nil {
			return nil, fmt.Errorf("stage %q: no producer available", name)
		}
		return NewPublishStage(name, deps.Chain, deps.PipelineName, deps.Producer, cfg, deps.Logger), nil

	default:
		return nil, fmt.Errorf("stage %q: unknown type %q", name, spec.Kind)
	}
}

// BuildAll builds the full stage chain for a pipeline definition.
func BuildAll(def *model.PipelineDefinition, deps Deps) ([]pipeline.Stage, error) {
	built := make([]pipeline.Stage, 0, len(def.Stages))
	for i, spec := range def.Stages {
		st, err := Build(spec, deps)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q stage %d: %w", def.Name, i, err)
		}
		built = append(built, st)
	}
	return built, nil
}
