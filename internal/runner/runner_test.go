package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
	"github.com/openchainlab/eventpipe/internal/task"
)

const transferABI = `[
	{"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

type fakeReader struct {
	logs []types.Log
}

func (f *fakeReader) HeadBlock(context.Context) (uint64, error) { return 0, nil }

func (f *fakeReader) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

func (f *fakeReader) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeReader) BlockTime(context.Context, uint64) (uint64, error) { return 1700000000, nil }

func (f *fakeReader) Close() {}

type fakeProducer struct {
	mu       sync.Mutex
	messages []*broker.Message
}

func (p *fakeProducer) Publish(_ context.Context, msg *broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakeProducer) PublishAsync(ctx context.Context, msg *broker.Message) error {
	return p.Publish(ctx, msg)
}

func (p *fakeProducer) Flush(time.Duration) int { return 0 }
func (p *fakeProducer) Close()                  {}

type memCursors struct {
	mu     sync.Mutex
	blocks map[uuid.UUID]uint64
}

func (m *memCursors) Get(_ context.Context, id uuid.UUID) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	return b, ok, nil
}

func (m *memCursors) Upsert(_ context.Context, id uuid.UUID, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = block
	return nil
}

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.TaskRecord
}

func (r *memTaskRepo) Create(_ context.Context, t *model.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *t
	r.tasks[t.ID] = &copied
	return nil
}

func (r *memTaskRepo) GetByID(_ context.Context, id uuid.UUID) (*model.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, nil
}

func (r *memTaskRepo) Heartbeat(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && t.Status == model.TaskStatusRunning {
		stamped := at
		t.LastHeartbeat = &stamped
		return true, nil
	}
	return false, nil
}

func (r *memTaskRepo) Finish(_ context.Context, id uuid.UUID, status model.TaskStatus, errMsg *string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok && t.Status == model.TaskStatusRunning {
		t.Status = status
		t.ErrorMessage = errMsg
		finished := at
		t.FinishedAt = &finished
		return true, nil
	}
	return false, nil
}

func (r *memTaskRepo) ListRunning(context.Context) ([]*model.TaskRecord, error) { return nil, nil }

func (r *memTaskRepo) FailStale(context.Context, time.Time, string) ([]*model.TaskRecord, error) {
	return nil, nil
}

func (r *memTaskRepo) Stats(context.Context) (*model.TaskStats, error) { return nil, nil }

func (r *memTaskRepo) statuses() []model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.TaskStatus
	for _, t := range r.tasks {
		out = append(out, t.Status)
	}
	return out
}

func transferLog(contract common.Address) types.Log {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(2500).Bytes(), 32),
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xbbbb"),
	}
}

func TestRunner_HistoricalEndToEnd(t *testing.T) {
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	reader := &fakeReader{logs: []types.Log{transferLog(contract)}}
	producer := &fakeProducer{}
	taskRepo := &memTaskRepo{tasks: make(map[uuid.UUID]*model.TaskRecord)}

	def := &model.PipelineDefinition{
		ID:    uuid.New(),
		Name:  "transfers",
		Chain: model.ChainEthereum,
		Source: model.SourceSpec{
			Mode:      "historical",
			Addresses: []string{contract.Hex()},
			ABI:       transferABI,
			FromBlock: 100,
			ToBlock:   100,
			BatchSize: 10,
		},
		Stages: []model.StageSpec{
			{
				Name:   "shape",
				Kind:   model.StageMap,
				Config: json.RawMessage(`{"mappers":[{"event_name":"Transfer","rules":[{"source_key":"from","target_key":"sender"},{"source_key":"value","target_key":"amount"}]}]}`),
			},
			{
				Name:   "ship",
				Kind:   model.StagePublish,
				Config: json.RawMessage(`{"topic":"out","mode":"sync"}`),
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(Deps{
		Readers:  map[model.Chain]chain.Reader{model.ChainEthereum: reader},
		Producer: producer,
		Cursors:  &memCursors{blocks: make(map[uuid.UUID]uint64)},
		Manager:  task.NewManager(taskRepo, logger),
		RetryCfg: retry.Config{MaxAttempts: 1},
		Logger:   logger,
	})

	require.NoError(t, r.Run(context.Background(), def))

	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, "out", msg.Topic)

	var env struct {
		Source string         `json:"source"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, "transfers", env.Source)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", env.Data["sender"])
	assert.Equal(t, float64(2500), env.Data["amount"])
	assert.NotContains(t, env.Data, "event_name", "map stage output replaces the context")

	assert.Equal(t, []model.TaskStatus{model.TaskStatusSucceeded}, taskRepo.statuses())
}

type fakeConsumer struct {
	messages []*broker.Message
	closed   bool
}

func (c *fakeConsumer) Run(ctx context.Context, handler broker.Handler) error {
	for _, m := range c.messages {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func TestRunner_ConsumerModeEndToEnd(t *testing.T) {
	payload, err := json.Marshal(&model.EventRecord{
		Chain:           model.ChainEthereum,
		ContractAddress: "0x4444444444444444444444444444444444444444",
		EventName:       "Transfer",
		Args:            map[string]any{"from": "0x1111111111111111111111111111111111111111", "value": float64(2500)},
		BlockNumber:     100,
		TxHash:          "0xbbbb",
	})
	require.NoError(t, err)

	consumer := &fakeConsumer{messages: []*broker.Message{{Topic: "raw-events", Value: payload}}}
	producer := &fakeProducer{}
	taskRepo := &memTaskRepo{tasks: make(map[uuid.UUID]*model.TaskRecord)}

	def := &model.PipelineDefinition{
		ID:    uuid.New(),
		Name:  "replay",
		Chain: model.ChainEthereum,
		Source: model.SourceSpec{
			Mode:  "consumer",
			Topic: "raw-events",
		},
		Stages: []model.StageSpec{
			{
				Name:   "shape",
				Kind:   model.StageMap,
				Config: json.RawMessage(`{"mappers":[{"event_name":"Transfer","rules":[{"source_key":"from","target_key":"sender"}]}]}`),
			},
			{
				Name:   "ship",
				Kind:   model.StagePublish,
				Config: json.RawMessage(`{"topic":"out","mode":"sync"}`),
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(Deps{
		Readers:  map[model.Chain]chain.Reader{model.ChainEthereum: &fakeReader{}},
		Producer: producer,
		Cursors:  &memCursors{blocks: make(map[uuid.UUID]uint64)},
		Manager:  task.NewManager(taskRepo, logger),
		RetryCfg: retry.Config{MaxAttempts: 1},
		Logger:   logger,
		Consumers: func(topic string) (broker.Consumer, error) {
			assert.Equal(t, "raw-events", topic)
			return consumer, nil
		},
	})

	require.NoError(t, r.Run(context.Background(), def))

	require.Len(t, producer.messages, 1)
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(producer.messages[0].Value, &env))
	assert.Equal(t, "0x1111111111111111111111111111111111111111", env.Data["sender"])
	assert.True(t, consumer.closed, "consumer closes with the run")
	assert.Equal(t, []model.TaskStatus{model.TaskStatusSucceeded}, taskRepo.statuses())
}

func TestRunner_ConsumerModeRequiresFactory(t *testing.T) {
	def := &model.PipelineDefinition{
		ID:     uuid.New(),
		Name:   "replay",
		Chain:  model.ChainEthereum,
		Source: model.SourceSpec{Mode: "consumer", Topic: "raw-events"},
		Stages: []model.StageSpec{{
			Name:   "ship",
			Kind:   model.StagePublish,
			Config: json.RawMessage(`{"topic":"out"}`),
		}},
	}

	r := New(Deps{
		Readers: map[model.Chain]chain.Reader{model.ChainEthereum: &fakeReader{}},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	err := r.Run(context.Background(), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no consumer factory")
}

func TestRunner_MissingReader(t *testing.T) {
	def := &model.PipelineDefinition{
		ID:    uuid.New(),
		Name:  "p",
		Chain: model.ChainBase,
		Source: model.SourceSpec{
			Mode:      "realtime",
			Addresses: []string{"0x4444444444444444444444444444444444444444"},
			ABI:       transferABI,
		},
	}

	r := New(Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	err := r.Run(context.Background(), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reader for chain")
}
