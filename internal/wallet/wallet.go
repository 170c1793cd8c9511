// Package wallet mediates between the purchase flow and the user's
// signing agent: the external component that holds keys and approves
// transactions.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SigningAgent is the external signer. Implementations map their own
// failure modes onto the sentinel errors below.
type SigningAgent interface {
	// RequestAccount asks the agent for its active account, prompting the
	// user if necessary.
	RequestAccount(ctx context.Context) (common.Address, error)
	// ChainID reports which network the agent is currently on.
	ChainID(ctx context.Context) (*big.Int, error)
	// SwitchChain asks the agent to move to the given network.
	SwitchChain(ctx context.Context, chainID *big.Int) error
	// SignTx returns the signed transaction without submitting it.
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

var (
	// ErrUnavailable means no signing agent is present at all.
	ErrUnavailable = errors.New("signing agent unavailable")
	// ErrRejected means the user declined the prompt.
	ErrRejected = errors.New("request rejected by user")
	// ErrWrongNetwork means the agent could not move to the required network.
	ErrWrongNetwork = errors.New("agent is on the wrong network")
)
