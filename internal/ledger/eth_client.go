package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient backs the Client interface with a JSON-RPC node.
type EthClient struct {
	c *ethclient.Client
}

func Dial(ctx context.Context, rpcURL string) (*EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &EthClient{c: cli}, nil
}

func (e *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return e.c.ChainID(ctx)
}

func (e *EthClient) CodeAt(ctx context.Context, contract common.Address) ([]byte, error) {
	return e.c.CodeAt(ctx, contract, nil)
}

func (e *EthClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return e.c.BalanceAt(ctx, account, nil)
}

func (e *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return e.c.PendingNonceAt(ctx, account)
}

func (e *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return e.c.SuggestGasPrice(ctx)
}

func (e *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return e.c.SendTransaction(ctx, tx)
}

func (e *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return e.c.TransactionReceipt(ctx, txHash)
}

func (e *EthClient) Ping(ctx context.Context) error {
	_, err := e.c.BlockNumber(ctx)
	return err
}

func (e *EthClient) Close() {
	e.c.Close()
}
