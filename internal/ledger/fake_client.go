package ledger

import (
	"context"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is a scripted in-memory ledger for tests and for running the
// service without a chain endpoint.
type FakeClient struct {
	mu sync.Mutex

	Chain    *big.Int
	Code     map[common.Address][]byte
	Balances map[common.Address]*big.Int
	GasPrice *big.Int
	Nonce    uint64
	SendErr  error

	// ReceiptAfter delays a receipt until the nth TransactionReceipt call
	// for that hash; zero means immediately available once set.
	Receipts     map[common.Hash]*types.Receipt
	ReceiptAfter map[common.Hash]int

	Sent         []*types.Transaction
	receiptPolls map[common.Hash]int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Chain:        big.NewInt(1337),
		Code:         make(map[common.Address][]byte),
		Balances:     make(map[common.Address]*big.Int),
		GasPrice:     big.NewInt(1_000_000_000),
		Receipts:     make(map[common.Hash]*types.Receipt),
		ReceiptAfter: make(map[common.Hash]int),
		receiptPolls: make(map[common.Hash]int),
	}
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Chain), nil
}

func (f *FakeClient) CodeAt(_ context.Context, contract common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Code[contract], nil
}

func (f *FakeClient) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *FakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Nonce, nil
}

func (f *FakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, tx)
	f.Nonce++
	return nil
}

func (f *FakeClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls[txHash]++
	rec, ok := f.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if after := f.ReceiptAfter[txHash]; f.receiptPolls[txHash] < after {
		return nil, ethereum.NotFound
	}
	return rec, nil
}

func (f *FakeClient) Ping(context.Context) error {
	return nil
}

// MineAll records a successful receipt for every transaction sent so far.
func (f *FakeClient) MineAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tx := range f.Sent {
		if _, ok := f.Receipts[tx.Hash()]; ok {
			continue
		}
		f.Receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      tx.Hash(),
			BlockNumber: big.NewInt(int64(100 + i)),
		}
	}
}

// SentCount reports how many transactions were submitted.
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
