package stages

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
)

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

type stubReader struct {
	output []byte
	err    error
	calls  int
	lastTo *common.Address
}

func (s *stubReader) HeadBlock(context.Context) (uint64, error) { return 0, nil }

func (s *stubReader) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (s *stubReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.calls++
	s.lastTo = msg.To
	return s.output, s.err
}

func (s *stubReader) BlockTime(context.Context, uint64) (uint64, error) { return 0, nil }

func (s *stubReader) Close() {}

type captureAudit struct {
	records []*model.CallAudit
	err     error
}

func (c *captureAudit) Record(_ context.Context, rec *model.CallAudit) error {
	c.records = append(c.records, rec)
	return c.err
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}
}

func transferContext() map[string]any {
	return map[string]any{
		"event_name":       "Transfer",
		"from":             "0x3333333333333333333333333333333333333333",
		"contract_address": "0x4444444444444444444444444444444444444444",
	}
}

func TestContractCallStage_MatchingEvent(t *testing.T) {
	reader := &stubReader{output: common.LeftPadBytes(big.NewInt(500).Bytes(), 32)}
	audit := &captureAudit{}

	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Transfer",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "balanceOf",
		ABI:             erc20ABI,
		Params:          []any{"from"},
		OutputKey:       "sender_balance",
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), []AuditSink{audit}, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err)

	assert.Equal(t, int64(500), out["sender_balance"])
	assert.Equal(t, 1, reader.calls)

	require.Len(t, audit.records, 1)
	assert.True(t, audit.records[0].Success)
	assert.Equal(t, "balanceOf", audit.records[0].MethodName)
	assert.GreaterOrEqual(t, audit.records[0].DurationMs, int64(0))
}

func TestContractCallStage_EventFilter(t *testing.T) {
	reader := &stubReader{output: common.LeftPadBytes(big.NewInt(1).Bytes(), 32)}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Approval",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "balanceOf",
		ABI:             erc20ABI,
		Params:          []any{"from"},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), nil, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, reader.calls, "non-matching spec must not call")
}

func TestContractCallStage_AddressParam(t *testing.T) {
	reader := &stubReader{output: common.LeftPadBytes(big.NewInt(18).Bytes(), 32)}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		AddressParam: "contract_address",
		MethodName:   "decimals",
		ABI:          erc20ABI,
		Params:       []any{},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), nil, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err)

	assert.Equal(t, uint8(18), out["decimals"], "default result key is the method name")
	require.NotNil(t, reader.lastTo)
	assert.Equal(t, common.HexToAddress("0x4444444444444444444444444444444444444444"), *reader.lastTo)
}

func TestContractCallStage_NestedAndLiteralParams(t *testing.T) {
	const stakingABI = `[
		{"type":"function","name":"stakeOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"epoch","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	reader := &stubReader{output: common.LeftPadBytes(big.NewInt(42).Bytes(), 32)}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Staked",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "stakeOf",
		ABI:             stakingABI,
		// First argument reaches into the nested args map; the second is a
		// non-string literal passed through untouched.
		Params: []any{"args.owner", int64(7)},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), nil, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), map[string]any{
		"event_name": "Staked",
		"args":       map[string]any{"owner": "0x3333333333333333333333333333333333333333"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["stakeOf"])
	assert.Equal(t, 1, reader.calls)
}

func TestContractCallStage_MissingParam(t *testing.T) {
	reader := &stubReader{}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Transfer",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "balanceOf",
		ABI:             erc20ABI,
		Params:          []any{"args.missing"},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), nil, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err, "an unresolvable argument must not fail the event")

	failure, ok := out["balanceOf"].(map[string]any)
	require.True(t, ok, "failed call stores a failure record")
	assert.Equal(t, false, failure["success"])
	assert.NotEmpty(t, failure["error"])
	assert.Zero(t, reader.calls, "nil argument fails packing before the RPC")
}

func TestContractCallStage_CallFailureAudited(t *testing.T) {
	reader := &stubReader{err: errors.New("execution reverted")}
	audit := &captureAudit{}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Transfer",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "balanceOf",
		ABI:             erc20ABI,
		Params:          []any{"from"},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), []AuditSink{audit}, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err, "a reverted call must not fail the event")

	failure, ok := out["balanceOf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, failure["success"])
	assert.Contains(t, failure["error"], "execution reverted")

	require.Len(t, audit.records, 1)
	assert.False(t, audit.records[0].Success)
	require.NotNil(t, audit.records[0].ErrorMessage)
	assert.Contains(t, *audit.records[0].ErrorMessage, "execution reverted")
}

func TestContractCallStage_AuditFailureDoesNotFailCall(t *testing.T) {
	reader := &stubReader{output: common.LeftPadBytes(big.NewInt(7).Bytes(), 32)}
	audit := &captureAudit{err: errors.New("audit store down")}
	cfg := model.ContractCallConfig{Specs: []model.CallSpec{{
		EventName:       "Transfer",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		MethodName:      "balanceOf",
		ABI:             erc20ABI,
		Params:          []any{"from"},
	}}}

	stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
		reader, cfg, fastRetry(), []AuditSink{audit}, nil)
	require.NoError(t, stage.Initialize(context.Background()))

	out, err := stage.Execute(context.Background(), transferContext())
	require.NoError(t, err)
	assert.Equal(t, int64(7), out["balanceOf"])
}

func TestContractCallStage_InitializeValidation(t *testing.T) {
	tests := []struct {
		name string
		spec model.CallSpec
		want string
	}{
		{
			name: "bad abi",
			spec: model.CallSpec{ContractAddress: "0x1111111111111111111111111111111111111111", MethodName: "balanceOf", ABI: "{"},
			want: "parse abi",
		},
		{
			name: "unknown method",
			spec: model.CallSpec{ContractAddress: "0x1111111111111111111111111111111111111111", MethodName: "totalSupply", ABI: erc20ABI},
			want: "no method",
		},
		{
			name: "no address",
			spec: model.CallSpec{MethodName: "decimals", ABI: erc20ABI},
			want: "neither contract_address nor address_param",
		},
		{
			name: "arity mismatch",
			spec: model.CallSpec{ContractAddress: "0x1111111111111111111111111111111111111111", MethodName: "balanceOf", ABI: erc20ABI},
			want: "0 params for 1 method inputs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := NewContractCallStage("calls", model.ChainEthereum, uuid.New(), "p1",
				&stubReader{}, model.ContractCallConfig{Specs: []model.CallSpec{tt.spec}}, fastRetry(), nil, nil)
			err := stage.Initialize(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
