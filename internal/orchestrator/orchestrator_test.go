package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowline/internal/archive"
	"escrowline/internal/backend"
	"escrowline/internal/clock"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/money"
	"escrowline/internal/party"
	"escrowline/internal/reservation"
	"escrowline/internal/session"
	"escrowline/internal/txbuild"
	"escrowline/internal/watch"
	"escrowline/internal/wallet"
)

var (
	contractAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	buyerAddr    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	sellerAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// scriptedAgent lets tests reject prompts or block signing mid-flight.
type scriptedAgent struct {
	mu          sync.Mutex
	rejectSigns int
	signGate    chan struct{}
}

func (a *scriptedAgent) RequestAccount(context.Context) (common.Address, error) {
	return buyerAddr, nil
}

func (a *scriptedAgent) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (a *scriptedAgent) SwitchChain(context.Context, *big.Int) error {
	return nil
}

func (a *scriptedAgent) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if a.signGate != nil {
		<-a.signGate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejectSigns > 0 {
		a.rejectSigns--
		return nil, wallet.ErrRejected
	}
	return tx, nil
}

type scriptedVerifier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (v *scriptedVerifier) VerifyEscrow(context.Context, backend.VerifyRequest) (backend.VerifyResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return backend.VerifyResponse{}, v.err
	}
	return backend.VerifyResponse{EscrowID: "0xescrow", TransactionID: "biz-1"}, nil
}

type fixture struct {
	orch     *Orchestrator
	mgr      *reservation.Manager
	chain    *ledger.FakeClient
	agent    *scriptedAgent
	verifier *scriptedVerifier
	clk      *clock.Manual
	store    *archive.MemoryStore
	bus      *events.Broadcaster
	evCh     <-chan events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	chain := ledger.NewFakeClient()
	chain.Code[contractAddr] = []byte{0x60, 0x80}
	chain.Balances[buyerAddr] = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	agent := &scriptedAgent{}
	connector := wallet.NewConnector(agent, big.NewInt(1337))

	ceiling, _ := money.Parse("0.5")
	minVal, _ := money.Parse("0.0001")
	builder := txbuild.NewBuilder(nil, chain, txbuild.Config{
		Contract:        contractAddr,
		DefaultGasLimit: 300_000,
		MaxGasLimit:     500_000,
		MinValue:        minVal,
		ValueCeiling:    ceiling,
	}, slog.Default())

	watcher := watch.NewWatcher(chain, time.Millisecond, 50, slog.Default())
	verifier := &scriptedVerifier{}
	bus := events.NewBroadcaster()
	store := archive.NewMemoryStore()
	mgr := reservation.NewManager(nil, clk, 15*time.Minute, slog.Default())

	evCh, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)

	orch := New(mgr, connector, builder, watcher, verifier, bus, store, clk, slog.Default())
	return &fixture{
		orch: orch, mgr: mgr, chain: chain, agent: agent,
		verifier: verifier, clk: clk, store: store, bus: bus, evCh: evCh,
	}
}

func (f *fixture) reserve(t *testing.T) *session.Session {
	t.Helper()
	price, _ := money.Parse("0.0025")
	s, err := f.orch.Reserve(context.Background(), ReserveInput{
		ProductRef:  "prod-1",
		ProductCode: "ART-001",
		Buyer:       party.Party{Address: buyerAddr, DisplayName: "buyer"},
		Seller:      party.Party{Address: sellerAddr, DisplayName: "seller"},
		Price:       price,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return s
}

// mine schedules a successful receipt for the next submitted transaction.
func (f *fixture) mineNext() {
	go func() {
		for i := 0; i < 500; i++ {
			if f.chain.SentCount() > 0 {
				f.chain.MineAll()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func (f *fixture) countEvents(typ events.Type) int {
	n := 0
	for {
		select {
		case ev := <-f.evCh:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

func TestPurchaseHappyPath(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)
	f.mineNext()

	if err := f.orch.Purchase(context.Background(), s.ID); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if s.State() != session.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", s.State())
	}
	if s.EscrowID() != "0xescrow" {
		t.Fatalf("escrowId = %q", s.EscrowID())
	}
	if f.chain.SentCount() != 1 {
		t.Fatalf("sent %d transactions", f.chain.SentCount())
	}
	if n := f.countEvents(events.TypeProductSold); n != 1 {
		t.Fatalf("product-sold published %d times", n)
	}

	// The lock converts to "sold": no new reservation on this product.
	price, _ := money.Parse("0.0025")
	_, err := f.orch.Reserve(context.Background(), ReserveInput{
		ProductRef: "prod-1", ProductCode: "ART-001",
		Buyer:  party.Party{Address: common.HexToAddress("0x05")},
		Seller: party.Party{Address: sellerAddr},
		Price:  price,
	})
	if session.KindOf(err) != session.KindAlreadyReserved {
		t.Fatalf("sold product reservable: %v", err)
	}

	rec, _ := f.store.Get(context.Background(), s.ID)
	if rec == nil || rec.State != "COMPLETED" || rec.EscrowID != "0xescrow" {
		t.Fatalf("archived record: %+v", rec)
	}
}

func TestPurchaseSingleFlight(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)

	f.agent.signGate = make(chan struct{})
	f.mineNext()

	results := make(chan error, 2)
	go func() { results <- f.orch.Purchase(context.Background(), s.ID) }()

	// Wait for the first driver to reach the signature prompt, then race
	// a duplicate trigger against it.
	waitForState(t, s, session.StateAwaitSignature)
	go func() { results <- f.orch.Purchase(context.Background(), s.ID) }()

	var busy, completed int
	close(f.agent.signGate)
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			completed++
		case errors.Is(err, session.ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if completed != 1 || busy != 1 {
		t.Fatalf("completed=%d busy=%d", completed, busy)
	}
	if f.chain.SentCount() != 1 {
		t.Fatalf("submissions = %d, want exactly 1", f.chain.SentCount())
	}
}

func TestSignatureRejectionReturnsToBuildTx(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)
	expiresAt := s.ExpiresAt

	f.agent.rejectSigns = 1
	err := f.orch.Purchase(context.Background(), s.ID)
	if session.KindOf(err) != session.KindUserRejected {
		t.Fatalf("kind = %s, want UserRejected", session.KindOf(err))
	}
	if s.State() != session.StateBuildTx {
		t.Fatalf("state = %s, want BUILD_TX", s.State())
	}
	if !s.ExpiresAt.Equal(expiresAt) {
		t.Fatal("expiresAt changed on retry")
	}

	// A second attempt is permitted and succeeds.
	f.mineNext()
	if err := f.orch.Purchase(context.Background(), s.ID); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if s.State() != session.StateCompleted {
		t.Fatalf("state = %s", s.State())
	}
}

func TestVerificationRejectionIsTerminal(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)
	f.verifier.err = &backend.RejectionError{Status: 409, Body: "amount mismatch"}
	f.mineNext()

	err := f.orch.Purchase(context.Background(), s.ID)
	if session.KindOf(err) != session.KindVerificationRejected {
		t.Fatalf("kind = %s, want VerificationRejected", session.KindOf(err))
	}
	if s.State() != session.StateFailed {
		t.Fatalf("state = %s, want FAILED", s.State())
	}
	if f.verifier.calls != 1 {
		t.Fatalf("verify called %d times, want 1 (never auto-retried)", f.verifier.calls)
	}

	// No re-entry, no second submission.
	if err := f.orch.Purchase(context.Background(), s.ID); err == nil {
		t.Fatal("purchase re-entered a FAILED session")
	}
	if f.chain.SentCount() != 1 {
		t.Fatalf("submissions = %d, want exactly 1", f.chain.SentCount())
	}

	rec, _ := f.store.Get(context.Background(), s.ID)
	if rec == nil || rec.ErrorKind != string(session.KindVerificationRejected) || rec.TxHash == "" {
		t.Fatalf("archived record: %+v", rec)
	}
}

func TestReceiptTimeoutFailsWithHashRetained(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)
	// No receipt is ever mined.

	err := f.orch.Purchase(context.Background(), s.ID)
	if session.KindOf(err) != session.KindSubmissionTimeout {
		t.Fatalf("kind = %s, want SubmissionTimeout", session.KindOf(err))
	}
	if s.State() != session.StateFailed {
		t.Fatalf("state = %s", s.State())
	}
	if s.TxHash() == "" {
		t.Fatal("tx hash lost on timeout; manual lookup impossible")
	}

	rec, _ := f.store.Get(context.Background(), s.ID)
	if rec == nil || rec.TxHash != s.TxHash() {
		t.Fatalf("archived record: %+v", rec)
	}
}

func TestExpiryScenario(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)
	ctx := context.Background()

	timer := reservation.NewTimer(f.mgr, f.clk, time.Second, f.orch.Expire)

	f.clk.Advance(15 * time.Minute)
	timer.Tick(ctx)
	timer.Tick(ctx) // a second tick after expiry must do nothing

	if s.State() != session.StateExpired {
		t.Fatalf("state = %s, want EXPIRED", s.State())
	}
	if n := f.countEvents(events.TypeTransactionExpired); n != 1 {
		t.Fatalf("transaction-expired published %d times, want exactly 1", n)
	}

	// The lock is released: the product is reservable again.
	price, _ := money.Parse("0.0025")
	if _, err := f.orch.Reserve(ctx, ReserveInput{
		ProductRef: "prod-1", ProductCode: "ART-001",
		Buyer:  party.Party{Address: common.HexToAddress("0x05")},
		Seller: party.Party{Address: sellerAddr},
		Price:  price,
	}); err != nil {
		t.Fatalf("re-reserve after expiry: %v", err)
	}
}

func TestCancelBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	s := f.reserve(t)

	if err := f.orch.Cancel(context.Background(), s.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.State() != session.StateCancelled {
		t.Fatalf("state = %s", s.State())
	}
	if n := f.countEvents(events.TypeMarketplaceRefresh); n != 1 {
		t.Fatalf("marketplace-refresh published %d times", n)
	}
}

func waitForState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached %s (at %s)", want, s.State())
}
