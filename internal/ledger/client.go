// Package ledger abstracts the handful of chain reads and the single
// write the purchase flow needs.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the ledger surface consumed by the builder and the watcher.
// TransactionReceipt must return ethereum.NotFound while the transaction
// is unmined so the poller can distinguish "not yet" from a dead RPC.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, contract common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// HealthChecker is implemented by clients that can report liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
