// Package evm adapts a go-ethereum JSON-RPC endpoint to the chain.Reader
// interface, with per-endpoint rate limiting and call timeouts.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/metrics"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
	defaultRateLimit   = 20
	defaultRateBurst   = 40
)

// Client wraps an ethclient connection for one chain.
type Client struct {
	chain       model.Chain
	eth         *ethclient.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Client)

func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, chain model.Chain, rpcURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}

	c := &Client{
		chain:       chain,
		eth:         eth,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateBurst),
		callTimeout: defaultCallTimeout,
		logger:      logger.With("component", "evm_client", "chain", chain.String()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	number, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("head block: %w", err)
	}
	return number, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	logs, err := c.eth.FilterLogs(callCtx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%v, %v]: %w", q.FromBlock, q.ToBlock, err)
	}
	return logs, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.eth.CallContract(callCtx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("call contract %s: %w", msg.To, err)
	}
	return out, nil
}

func (c *Client) BlockTime(ctx context.Context, number uint64) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	header, err := c.eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", number, err)
	}
	return header.Time, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter.Allow() {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(c.chain.String()).Inc()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc rate limiter: %w", err)
	}
	return nil
}
