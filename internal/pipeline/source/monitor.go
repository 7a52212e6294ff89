// Package source feeds pipelines with decoded contract events, either by
// polling chain head in realtime or by walking a fixed historical range.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	abipkg "github.com/openchainlab/eventpipe/internal/abi"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
	"github.com/openchainlab/eventpipe/internal/store"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 1000

	// errorBackoff paces retries after an RPC failure so a flapping node is
	// not hammered every tick.
	errorBackoff = 5 * time.Second
	// batchPause keeps historical scans from saturating the RPC endpoint.
	batchPause = 100 * time.Millisecond
)

// Handler receives each decoded event in block order.
type Handler func(ctx context.Context, ev *model.EventRecord) error

// Monitor polls one chain for logs emitted by the configured contracts and
// decodes them against the pipeline's ABI.
type Monitor struct {
	chainName  model.Chain
	pipelineID uuid.UUID
	pipeline   string
	spec       model.SourceSpec
	reader     chain.Reader
	cursors    store.CursorRepository
	retryCfg   retry.Config
	logger     *slog.Logger

	contract    *abipkg.Contract
	addresses   []common.Address
	topics      [][]common.Hash
	addrFilters map[string]struct{}
}

func NewMonitor(
	chainName model.Chain,
	pipelineID uuid.UUID,
	pipelineName string,
	spec model.SourceSpec,
	reader chain.Reader,
	cursors store.CursorRepository,
	retryCfg retry.Config,
	logger *slog.Logger,
) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	contract, err := abipkg.Parse(spec.ABI)
	if err != nil {
		return nil, fmt.Errorf("source abi: %w", err)
	}

	m := &Monitor{
		chainName:  chainName,
		pipelineID: pipelineID,
		pipeline:   pipelineName,
		spec:       spec,
		reader:     reader,
		cursors:    cursors,
		retryCfg:   retryCfg,
		logger:     logger.With("component", "event_source", "chain", chainName.String(), "pipeline", pipelineName),
		contract:   contract,
	}

	m.addresses = filterAddresses(spec.Addresses, m.logger)
	if len(m.addresses) == 0 {
		return nil, fmt.Errorf("source has no valid contract addresses")
	}

	if len(spec.AddressFilters) > 0 {
		m.addrFilters = make(map[string]struct{}, len(spec.AddressFilters))
		for _, a := range spec.AddressFilters {
			m.addrFilters[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
	}

	if len(spec.Events) > 0 {
		ids := make([]common.Hash, 0, len(spec.Events))
		for _, name := range spec.Events {
			id, err := contract.EventID(name)
			if err != nil {
				return nil, fmt.Errorf("source event filter: %w", err)
			}
			ids = append(ids, id)
		}
		m.topics = [][]common.Hash{ids}
	}

	return m, nil
}

// filterAddresses keeps only well-formed 42 character hex addresses,
// logging what it drops. A misconfigured entry should not block the rest.
func filterAddresses(raw []string, logger *slog.Logger) []common.Address {
	out := make([]common.Address, 0, len(raw))
	for _, a := range raw {
		trimmed := strings.TrimSpace(a)
		if len(trimmed) != 42 || !common.IsHexAddress(trimmed) {
			logger.Warn("skipping invalid contract address", "address", a)
			continue
		}
		out = append(out, common.HexToAddress(trimmed))
	}
	return out
}

// Run blocks until the context ends (realtime) or the range completes
// (historical).
func (m *Monitor) Run(ctx context.Context, handler Handler) error {
	switch m.spec.Mode {
	case "historical":
		return m.runHistorical(ctx, handler)
	case "realtime":
		return m.runRealtime(ctx, handler)
	default:
		return fmt.Errorf("unknown source mode %q", m.spec.Mode)
	}
}

func (m *Monitor) runHistorical(ctx context.Context, handler Handler) error {
	batch := m.batchSize()
	m.logger.Info("historical scan starting",
		"from_block", m.spec.FromBlock,
		"to_block", m.spec.ToBlock,
		"batch_size", batch,
	)

	for start := m.spec.FromBlock; start <= m.spec.ToBlock; start += batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + batch - 1
		if end > m.spec.ToBlock {
			end = m.spec.ToBlock
		}
		if err := m.pollRange(ctx, start, end, handler); err != nil {
			return fmt.Errorf("historical range [%d, %d]: %w", start, end, err)
		}
		if end < m.spec.ToBlock {
			if err := sleepCtx(ctx, batchPause); err != nil {
				return err
			}
		}
	}

	m.logger.Info("historical scan complete", "to_block", m.spec.ToBlock)
	return nil
}

func (m *Monitor) runRealtime(ctx context.Context, handler Handler) error {
	next, err := m.startingBlock(ctx)
	if err != nil {
		return err
	}
	m.logger.Info("realtime polling starting", "next_block", next)

	interval := m.spec.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := m.batchSize()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := m.reader.HeadBlock(ctx)
		if err != nil {
			metrics.SourceErrors.WithLabelValues(m.chainName.String(), m.pipeline).Inc()
			m.logger.Warn("head block", "error", err)
			if err := sleepCtx(ctx, errorBackoff); err != nil {
				return err
			}
			continue
		}
		if head < next {
			continue
		}

		end := head
		if end > next+batch-1 {
			end = next + batch - 1
		}
		if err := m.pollRange(ctx, next, end, handler); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			metrics.SourceErrors.WithLabelValues(m.chainName.String(), m.pipeline).Inc()
			m.logger.Error("poll range", "from", next, "to", end, "error", err)
			if err := sleepCtx(ctx, errorBackoff); err != nil {
				return err
			}
			continue
		}

		next = end + 1
		if err := m.cursors.Upsert(ctx, m.pipelineID, end); err != nil {
			// Cursor loss replays at most one window after restart.
			m.logger.Warn("cursor upsert", "block", end, "error", err)
		}
		metrics.SourceCursorBlock.WithLabelValues(m.chainName.String(), m.pipeline).Set(float64(end))
	}
}

// startingBlock resumes from the stored cursor, falls back to the configured
// start block, and only then to the current head.
func (m *Monitor) startingBlock(ctx context.Context) (uint64, error) {
	block, ok, err := m.cursors.Get(ctx, m.pipelineID)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		return block + 1, nil
	}
	if m.spec.FromBlock > 0 {
		return m.spec.FromBlock, nil
	}
	head, err := m.reader.HeadBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("initial head block: %w", err)
	}
	return head, nil
}

func (m *Monitor) pollRange(ctx context.Context, from, to uint64, handler Handler) error {
	start := time.Now()
	labels := []string{m.chainName.String(), m.pipeline}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: m.addresses,
		Topics:    m.topics,
	}

	var logs []types.Log
	err := retry.Do(ctx, m.retryCfg, "source.filter_logs", func(ctx context.Context) error {
		var qErr error
		logs, qErr = m.reader.FilterLogs(ctx, query)
		return qErr
	})
	if err != nil {
		return err
	}

	metrics.SourceBlocksScanned.WithLabelValues(labels...).Add(float64(to - from + 1))

	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := m.decode(ctx, lg, blockTimes)
		if err != nil {
			if errors.Is(err, abipkg.ErrUnknownTopic) {
				metrics.SourceLogsSkipped.WithLabelValues(labels...).Inc()
				continue
			}
			m.logger.Warn("decode log",
				"block", lg.BlockNumber,
				"tx", lg.TxHash.Hex(),
				"error", err,
			)
			metrics.SourceLogsSkipped.WithLabelValues(labels...).Inc()
			continue
		}
		if !m.matchesAddressFilters(ev) {
			metrics.SourceLogsSkipped.WithLabelValues(labels...).Inc()
			continue
		}
		metrics.SourceEventsDecoded.WithLabelValues(labels...).Inc()
		if err := handler(ctx, ev); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// The cursor still advances past this event: one bad event must
			// not wedge the pipeline on the same block forever.
			m.logger.Error("handle event",
				"event_name", ev.EventName,
				"block", ev.BlockNumber,
				"log_index", ev.LogIndex,
				"error", err,
			)
		}
	}

	metrics.SourcePollLatency.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	return nil
}

func (m *Monitor) decode(ctx context.Context, lg types.Log, blockTimes map[uint64]time.Time) (*model.EventRecord, error) {
	name, args, err := m.contract.DecodeLog(lg)
	if err != nil {
		return nil, err
	}

	blockTime, ok := blockTimes[lg.BlockNumber]
	if !ok {
		if ts, err := m.reader.BlockTime(ctx, lg.BlockNumber); err == nil {
			blockTime = time.Unix(int64(ts), 0).UTC()
		} else {
			m.logger.Debug("block time unavailable", "block", lg.BlockNumber, "error", err)
		}
		blockTimes[lg.BlockNumber] = blockTime
	}

	return &model.EventRecord{
		Chain:           m.chainName,
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		EventName:       name,
		Args:            args,
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash.Hex(),
		LogIndex:        lg.Index,
		BlockTime:       blockTime,
	}, nil
}

// matchesAddressFilters keeps an event when any decoded argument that looks
// like an address matches the configured filter list. No filters means every
// event passes.
func (m *Monitor) matchesAddressFilters(ev *model.EventRecord) bool {
	if len(m.addrFilters) == 0 {
		return true
	}
	for _, v := range ev.Args {
		s, ok := v.(string)
		if !ok || len(s) != 42 {
			continue
		}
		if _, hit := m.addrFilters[strings.ToLower(s)]; hit {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Monitor) batchSize() uint64 {
	if m.spec.BatchSize == 0 {
		return defaultBatchSize
	}
	return m.spec.BatchSize
}
