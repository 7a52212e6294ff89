package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRPCError struct {
	code int
	msg  string
}

func (e *fakeRPCError) Error() string  { return e.msg }
func (e *fakeRPCError) ErrorCode() int { return e.code }

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("rpc timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("invalid params")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{
			name:          "context deadline transient",
			err:           context.DeadlineExceeded,
			expectedClass: ClassTransient,
		},
		{
			name:          "jsonrpc internal transient",
			err:           &fakeRPCError{code: -32603, msg: "internal error"},
			expectedClass: ClassTransient,
		},
		{
			name:          "jsonrpc invalid params terminal",
			err:           &fakeRPCError{code: -32602, msg: "invalid params"},
			expectedClass: ClassTerminal,
		},
		{
			name:          "execution reverted terminal",
			err:           errors.New("execution reverted: ERC20: transfer to the zero address"),
			expectedClass: ClassTerminal,
		},
		{
			name:          "rate limit transient",
			err:           errors.New("http status 429: rate limit exceeded"),
			expectedClass: ClassTransient,
		},
		{
			name:          "broker queue full transient",
			err:           errors.New("Local: Queue full"),
			expectedClass: ClassTransient,
		},
		{
			name:          "unknown defaults terminal",
			err:           errors.New("unexpected failure"),
			expectedClass: ClassTerminal,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			decision := Classify(tc.err)
			assert.Equal(t, tc.expectedClass, decision.Class)
		})
	}
}

func TestDo_StopsOnTerminal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, BackoffInitial: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return errors.New("invalid params")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "terminal_failure")
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}, "test", func(context.Context) error {
		calls++
		return errors.New("rpc timed out")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "transient_recovery_exhausted")
}

func TestConfig_DelayCapsAtMax(t *testing.T) {
	cfg := Config{BackoffInitial: 100 * time.Millisecond, BackoffMax: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 200*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 500*time.Millisecond, cfg.delay(4))
	assert.Equal(t, 500*time.Millisecond, cfg.delay(10))
}
