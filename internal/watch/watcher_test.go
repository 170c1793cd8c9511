package watch

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowline/internal/ledger"
	"escrowline/internal/money"
	"escrowline/internal/session"
	"escrowline/internal/txbuild"
)

type passthroughSigner struct {
	rejected bool
}

func (s passthroughSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if s.rejected {
		return nil, session.E(session.KindUserRejected, errors.New("declined"))
	}
	return tx, nil
}

var buyer = common.HexToAddress("0x4444444444444444444444444444444444444444")

func testPlan(t *testing.T) txbuild.Plan {
	t.Helper()
	price, err := money.Parse("0.0025")
	if err != nil {
		t.Fatal(err)
	}
	return txbuild.Plan{
		To:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:    price.Wei(),
		Data:     []byte{0xde, 0xad},
		GasLimit: 300_000,
	}
}

func fundedFake(t *testing.T) *ledger.FakeClient {
	t.Helper()
	fake := ledger.NewFakeClient()
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fake.Balances[buyer] = one
	return fake
}

func TestSubmitSendsSignedTransaction(t *testing.T) {
	fake := fundedFake(t)
	w := NewWatcher(fake, time.Millisecond, 3, slog.Default())

	hash, err := w.Submit(context.Background(), passthroughSigner{}, buyer, testPlan(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatal("empty tx hash")
	}
	if fake.SentCount() != 1 {
		t.Fatalf("sent %d transactions, want 1", fake.SentCount())
	}
}

func TestSubmitSurfacesInsufficientFundsWithShortfall(t *testing.T) {
	fake := ledger.NewFakeClient()
	fake.Balances[buyer] = big.NewInt(1) // effectively empty
	w := NewWatcher(fake, time.Millisecond, 3, slog.Default())

	_, err := w.Submit(context.Background(), passthroughSigner{}, buyer, testPlan(t))
	if session.KindOf(err) != session.KindInsufficientFunds {
		t.Fatalf("kind = %s, want InsufficientFunds", session.KindOf(err))
	}
	if fake.SentCount() != 0 {
		t.Fatal("transaction was sent despite insufficient funds")
	}
}

func TestSubmitMapsSignerRejection(t *testing.T) {
	fake := fundedFake(t)
	w := NewWatcher(fake, time.Millisecond, 3, slog.Default())

	_, err := w.Submit(context.Background(), passthroughSigner{rejected: true}, buyer, testPlan(t))
	if session.KindOf(err) != session.KindUserRejected {
		t.Fatalf("kind = %s, want UserRejected", session.KindOf(err))
	}
	if fake.SentCount() != 0 {
		t.Fatal("transaction was sent despite rejection")
	}
}

func TestAwaitReceiptTimesOutAfterExactBudget(t *testing.T) {
	fake := ledger.NewFakeClient()
	w := NewWatcher(fake, time.Millisecond, 60, slog.Default())

	hash := common.HexToHash("0xabc")
	_, err := w.AwaitReceipt(context.Background(), hash)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
}

func TestAwaitReceiptReturnsOnceMined(t *testing.T) {
	fake := ledger.NewFakeClient()
	hash := common.HexToHash("0xabc")
	fake.Receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}
	fake.ReceiptAfter[hash] = 4 // mined on the fourth poll

	w := NewWatcher(fake, time.Millisecond, 60, slog.Default())
	rec, err := w.AwaitReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("await receipt: %v", err)
	}
	if rec.TxHash != hash {
		t.Fatal("wrong receipt")
	}
}
