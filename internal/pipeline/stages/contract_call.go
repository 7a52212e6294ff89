package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openchainlab/eventpipe/internal/abi"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
	"github.com/openchainlab/eventpipe/internal/pipeline/resolve"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
)

// AuditSink receives contract call audit records. Writes are best effort.
type AuditSink interface {
	Record(ctx context.Context, rec *model.CallAudit) error
}

type boundCall struct {
	spec     model.CallSpec
	contract *abi.Contract
	// argNames are the ABI input names, parallel to spec.Params.
	argNames []string
}

// ContractCallStage invokes configured contract methods for matching events
// and merges the normalized results into the pipeline context.
type ContractCallStage struct {
	name       string
	chain      model.Chain
	pipelineID uuid.UUID
	pipeline   string
	reader     chain.Reader
	cfg        model.ContractCallConfig
	retryCfg   retry.Config
	audits     []AuditSink
	logger     *slog.Logger

	calls []boundCall
}

func NewContractCallStage(
	name string,
	chainName model.Chain,
	pipelineID uuid.UUID,
	pipelineName string,
	reader chain.Reader,
	cfg model.ContractCallConfig,
	retryCfg retry.Config,
	audits []AuditSink,
	logger *slog.Logger,
) *ContractCallStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContractCallStage{
		name:       name,
		chain:      chainName,
		pipelineID: pipelineID,
		pipeline:   pipelineName,
		reader:     reader,
		cfg:        cfg,
		retryCfg:   retryCfg,
		audits:     audits,
		logger:     logger.With("component", "contract_call_stage", "stage", name),
	}
}

func (s *ContractCallStage) Name() string          { return s.name }
func (s *ContractCallStage) Kind() model.StageKind { return model.StageContractCall }

// Initialize parses every ABI and binds method parameters so config errors
// surface before the first event.
func (s *ContractCallStage) Initialize(_ context.Context) error {
	if len(s.cfg.Specs) == 0 {
		return fmt.Errorf("no method calls configured")
	}

	s.calls = make([]boundCall, 0, len(s.cfg.Specs))
	for i, spec := range s.cfg.Specs {
		contract, err := abi.Parse(spec.ABI)
		if err != nil {
			return fmt.Errorf("method call %d: %w", i, err)
		}
		if !contract.HasMethod(spec.MethodName) {
			return fmt.Errorf("method call %d: abi has no method %q", i, spec.MethodName)
		}
		if spec.ContractAddress == "" && spec.AddressParam == "" {
			return fmt.Errorf("method call %d (%s): neither contract_address nor address_param set", i, spec.MethodName)
		}
		if spec.ContractAddress != "" && !common.IsHexAddress(spec.ContractAddress) {
			return fmt.Errorf("method call %d: invalid contract address %q", i, spec.ContractAddress)
		}

		names, err := contract.MethodInputNames(spec.MethodName)
		if err != nil {
			return fmt.Errorf("method call %d: %w", i, err)
		}
		if len(spec.Params) != len(names) {
			return fmt.Errorf("method call %d (%s): %d params for %d method inputs",
				i, spec.MethodName, len(spec.Params), len(names))
		}

		s.calls = append(s.calls, boundCall{
			spec:     spec,
			contract: contract,
			argNames: names,
		})
	}
	return nil
}

// Execute runs every matching call. A failed call stores a record carrying
// success=false and the error message under the result key instead of
// failing the event; later calls still run.
func (s *ContractCallStage) Execute(ctx context.Context, pctx map[string]any) (map[string]any, error) {
	eventName, _ := resolve.String(pctx, "event_name")

	out := make(map[string]any)
	for _, call := range s.calls {
		if !call.spec.Matches(eventName) {
			continue
		}
		key := call.spec.OutputKey
		if key == "" {
			key = call.spec.MethodName
		}
		result, err := s.invoke(ctx, call, pctx)
		if err != nil {
			s.logger.Warn("contract call failed",
				"method", call.spec.MethodName,
				"event_name", eventName,
				"error", err,
			)
			out[key] = map[string]any{"success": false, "error": err.Error()}
			continue
		}
		out[key] = result
	}
	return out, nil
}

func (s *ContractCallStage) Cleanup(_ context.Context) error {
	return nil
}

func (s *ContractCallStage) invoke(ctx context.Context, call boundCall, pctx map[string]any) (any, error) {
	address, err := s.targetAddress(call, pctx)
	if err != nil {
		return nil, err
	}

	args := s.resolveArgs(call, pctx)

	labels := []string{s.chain.String(), s.pipeline, call.spec.MethodName}
	start := time.Now()

	var result any
	err = retry.Do(ctx, s.retryCfg, "contract_call", func(ctx context.Context) error {
		var callErr error
		result, callErr = call.contract.Call(ctx, s.reader, address, call.spec.MethodName, args, nil)
		return callErr
	})
	elapsed := time.Since(start)

	metrics.ContractCallsTotal.WithLabelValues(labels...).Inc()
	metrics.ContractCallLatency.WithLabelValues(labels...).Observe(elapsed.Seconds())
	if err != nil {
		metrics.ContractCallErrors.WithLabelValues(labels...).Inc()
	}

	s.audit(ctx, call, address, args, result, err, elapsed)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveArgs builds the argument list in ABI order. String params are
// context references (dotted paths reach into nested maps); anything else is
// passed through as a literal. An unresolvable reference becomes nil so the
// call itself reports the bad argument.
func (s *ContractCallStage) resolveArgs(call boundCall, pctx map[string]any) []any {
	args := make([]any, len(call.spec.Params))
	for i, param := range call.spec.Params {
		ref, ok := param.(string)
		if !ok {
			args[i] = param
			continue
		}
		v, found := resolve.Lookup(pctx, ref)
		if !found {
			s.logger.Warn("call argument not found in context",
				"method", call.spec.MethodName,
				"argument", call.argNames[i],
				"path", ref,
			)
			args[i] = nil
			continue
		}
		args[i] = v
	}
	return args
}

func (s *ContractCallStage) targetAddress(call boundCall, pctx map[string]any) (common.Address, error) {
	if call.spec.AddressParam != "" {
		raw, ok := resolve.String(pctx, call.spec.AddressParam)
		if !ok {
			return common.Address{}, fmt.Errorf("address param %q not found in context", call.spec.AddressParam)
		}
		if !common.IsHexAddress(raw) {
			return common.Address{}, fmt.Errorf("address param %q holds invalid address %q", call.spec.AddressParam, raw)
		}
		return common.HexToAddress(raw), nil
	}
	return common.HexToAddress(call.spec.ContractAddress), nil
}

// audit writes the attempt to every sink. Sink failures are logged and
// swallowed; auditing never fails the call.
func (s *ContractCallStage) audit(ctx context.Context, call boundCall, address common.Address, args []any, result any, callErr error, elapsed time.Duration) {
	if len(s.audits) == 0 {
		return
	}

	rec := &model.CallAudit{
		ID:              uuid.New(),
		PipelineID:      s.pipelineID,
		Chain:           s.chain,
		ContractAddress: address.Hex(),
		MethodName:      call.spec.MethodName,
		Success:         callErr == nil,
		DurationMs:      elapsed.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	if callErr != nil {
		msg := callErr.Error()
		rec.ErrorMessage = &msg
	}
	if params, err := json.Marshal(args); err == nil {
		rec.Params = params
	}
	if callErr == nil {
		if payload, err := json.Marshal(result); err == nil {
			rec.Result = payload
		}
	}

	for _, sink := range s.audits {
		if err := sink.Record(ctx, rec); err != nil {
			s.logger.Warn("audit record failed",
				"method", call.spec.MethodName,
				"error", err,
			)
		}
	}
}
