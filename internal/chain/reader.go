// Package chain defines the narrow view of a blockchain node that the
// pipeline needs. Concrete adapters live in subpackages.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the read-only node surface used by event sources and the
// contract call stage.
type Reader interface {
	// HeadBlock returns the latest block number the node knows about.
	HeadBlock(ctx context.Context) (uint64, error)

	// FilterLogs returns logs matching the query. The range in the query
	// is inclusive on both ends.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// CallContract executes a read-only call at the given block, or at the
	// head when blockNumber is nil.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// BlockTime returns the timestamp of the given block.
	BlockTime(ctx context.Context, number uint64) (uint64, error)

	Close()
}
