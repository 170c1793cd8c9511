// Package watch submits the signed escrow transaction and observes the
// ledger for its inclusion, bounded by attempt count and wall clock.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowline/internal/ledger"
	"escrowline/internal/money"
	"escrowline/internal/poll"
	"escrowline/internal/session"
	"escrowline/internal/txbuild"
)

// ErrTimedOut means no receipt was observed within the poll budget. It
// does not mean the payment failed: the transaction may still confirm
// after local observation gives up.
var ErrTimedOut = errors.New("no receipt within the poll budget")

// Signer signs a transaction without submitting it.
type Signer interface {
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

type Watcher struct {
	chain       ledger.Client
	interval    time.Duration
	maxAttempts int
	log         *slog.Logger
}

func NewWatcher(chain ledger.Client, interval time.Duration, maxAttempts int, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{chain: chain, interval: interval, maxAttempts: maxAttempts, log: log}
}

// Submit funds-checks, signs, and sends the plan from the given account.
// A success return means the transaction is on the wire: the caller must
// treat it as the irreversible commit point.
func (w *Watcher) Submit(ctx context.Context, signer Signer, from common.Address, plan txbuild.Plan) (common.Hash, error) {
	gasPrice, err := w.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	if err := w.checkFunds(ctx, from, plan, gasPrice); err != nil {
		return common.Hash{}, err
	}

	nonce, err := w.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &plan.To,
		Value:    plan.Value,
		Gas:      plan.GasLimit,
		GasPrice: gasPrice,
		Data:     plan.Data,
	})

	signed, err := signer.SignTx(ctx, tx)
	if err != nil {
		return common.Hash{}, err
	}

	if err := w.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	hash := signed.Hash()
	w.log.Info("transaction submitted", "txHash", hash.Hex(), "to", plan.To.Hex())
	return hash, nil
}

func (w *Watcher) checkFunds(ctx context.Context, from common.Address, plan txbuild.Plan, gasPrice *big.Int) error {
	balance, err := w.chain.BalanceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(plan.GasLimit))
	cost.Add(cost, plan.Value)

	if balance.Cmp(cost) < 0 {
		shortfall := new(big.Int).Sub(cost, balance)
		return session.E(session.KindInsufficientFunds,
			fmt.Errorf("short %s: balance %s, required %s",
				money.FormatWei(shortfall), money.FormatWei(balance), money.FormatWei(cost)))
	}
	return nil
}

// AwaitReceipt polls for a mined receipt every interval, up to the
// configured number of attempts. ErrTimedOut means observation gave up,
// not that the payment failed; the caller must surface the hash for
// manual lookup rather than retry.
func (w *Watcher) AwaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, confirmed, err := poll.Until(ctx, w.interval, w.maxAttempts,
		func(ctx context.Context) (*types.Receipt, bool, error) {
			rec, err := w.chain.TransactionReceipt(ctx, txHash)
			if errors.Is(err, ethereum.NotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, fmt.Errorf("poll receipt: %w", err)
			}
			return rec, true, nil
		})
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, ErrTimedOut
	}
	return receipt, nil
}
