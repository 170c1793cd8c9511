// Package orchestrator drives a purchase session from reservation through
// wallet connection, transaction construction, submission, confirmation,
// and backend verification. It is the only code that mutates sessions,
// and it publishes exactly one event per state transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"escrowline/internal/archive"
	"escrowline/internal/backend"
	"escrowline/internal/clock"
	"escrowline/internal/events"
	"escrowline/internal/money"
	"escrowline/internal/party"
	"escrowline/internal/reservation"
	"escrowline/internal/session"
	"escrowline/internal/txbuild"
	"escrowline/internal/watch"
	"escrowline/internal/wallet"
)

// Verifier is the backend's authoritative post-payment confirmation.
type Verifier interface {
	VerifyEscrow(ctx context.Context, req backend.VerifyRequest) (backend.VerifyResponse, error)
}

type Orchestrator struct {
	reservations *reservation.Manager
	connector    *wallet.Connector
	builder      *txbuild.Builder
	watcher      *watch.Watcher
	verifier     Verifier
	bus          *events.Broadcaster
	store        archive.Store
	clock        clock.Clock
	log          *slog.Logger
}

func New(
	reservations *reservation.Manager,
	connector *wallet.Connector,
	builder *txbuild.Builder,
	watcher *watch.Watcher,
	verifier Verifier,
	bus *events.Broadcaster,
	store archive.Store,
	clk clock.Clock,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		reservations: reservations,
		connector:    connector,
		builder:      builder,
		watcher:      watcher,
		verifier:     verifier,
		bus:          bus,
		store:        store,
		clock:        clk,
		log:          log,
	}
}

// ReserveInput carries the raw boundary shapes; parties are normalized
// before anything downstream sees them.
type ReserveInput struct {
	ProductRef  string
	ProductCode string
	Buyer       party.Party
	Seller      party.Party
	Price       money.Amount
}

// Reserve creates the time-boxed session and announces the product lock.
func (o *Orchestrator) Reserve(ctx context.Context, in ReserveInput) (*session.Session, error) {
	s, err := o.reservations.Reserve(ctx, in.ProductRef, in.ProductCode, in.Buyer, in.Seller, in.Price)
	if err != nil {
		return nil, err
	}
	o.publish(s, events.TypeProductReserved)
	o.log.Info("product reserved",
		"session", s.ID, "product", s.ProductRef, "expiresAt", s.ExpiresAt)
	return s, nil
}

// Session returns the live session by id.
func (o *Orchestrator) Session(id string) (*session.Session, bool) {
	return o.reservations.Get(id)
}

// Purchase runs the payment flow for a reserved session. It may be called
// again after a recoverable failure, time permitting; the in-flight guard
// ensures that no matter how many callers race, at most one submission is
// ever outstanding and at most one ever commits.
func (o *Orchestrator) Purchase(ctx context.Context, sessionID string) error {
	s, ok := o.reservations.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}

	if err := s.BeginFlight(session.StateReserved, session.StateWalletConnect, session.StateBuildTx); err != nil {
		return err
	}
	defer s.EndFlight()

	if s.State() == session.StateReserved {
		if err := o.step(s, session.StateReserved, session.StateWalletConnect); err != nil {
			return err
		}
	}

	account, err := o.connector.Connect(ctx)
	if err != nil {
		// Session stays in WALLET_CONNECT; the caller may retry while
		// the reservation window lasts.
		return o.recoverable(s, err)
	}

	if s.State() == session.StateWalletConnect {
		if err := o.step(s, session.StateWalletConnect, session.StateBuildTx); err != nil {
			return err
		}
	}

	snap := s.Snapshot()
	plan, err := o.builder.Build(ctx, txbuild.Input{
		Seller:      snap.Seller.Address,
		Buyer:       snap.Buyer.Address,
		ProductCode: snap.ProductCode,
		Price:       snap.Price,
	})
	if err != nil {
		// Builder verdicts are fatal: a missing contract or a plan that
		// tripped the sanity gate never improves on retry. Everything
		// else before the commit point stays recoverable.
		switch session.KindOf(err) {
		case session.KindContractNotFound, session.KindValidationFailed:
			return o.fail(ctx, s, err)
		}
		return o.recoverable(s, err)
	}

	if err := o.step(s, session.StateBuildTx, session.StateAwaitSignature); err != nil {
		return err
	}

	txHash, err := o.watcher.Submit(ctx, o.connector, account, plan)
	if err != nil {
		// Nothing committed: return to BUILD_TX so a fresh plan is
		// constructed on the next attempt. The reservation window is
		// untouched.
		if terr := o.step(s, session.StateAwaitSignature, session.StateBuildTx); terr != nil {
			return terr
		}
		return o.recoverable(s, err)
	}

	if err := s.MarkSubmitted(txHash.Hex()); err != nil {
		// The window closed while the submission was on the wire. Funds
		// may have moved; surface the hash loudly for manual lookup.
		o.log.Error("submission landed on a terminated session; reconcile by hash",
			"session", s.ID, "txHash", txHash.Hex(), "state", s.State().String())
		return fmt.Errorf("session %s terminated during submission (tx %s): %w", s.ID, txHash.Hex(), err)
	}
	o.publish(s, events.TypeTransactionUpdate)
	o.log.Info("payment submitted", "session", s.ID, "txHash", txHash.Hex())

	if err := o.step(s, session.StateSubmitted, session.StateConfirming); err != nil {
		return err
	}

	receipt, err := o.watcher.AwaitReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, watch.ErrTimedOut) {
			// Local observation gave up; the transaction may still settle
			// later. No background re-check exists, so the archived hash
			// is the only thread back to the funds.
			return o.fail(ctx, s, session.E(session.KindSubmissionTimeout, err).WithTxHash(txHash.Hex()))
		}
		return o.fail(ctx, s, session.E(session.KindInternal, err).WithTxHash(txHash.Hex()))
	}
	o.log.Info("payment confirmed", "session", s.ID, "txHash", txHash.Hex(), "block", receipt.BlockNumber)

	if err := o.step(s, session.StateConfirming, session.StateVerifying); err != nil {
		return err
	}

	verified, err := o.verifier.VerifyEscrow(ctx, backend.VerifyRequest{
		TxHash:        txHash.Hex(),
		BuyerAddress:  snap.Buyer.Address.Hex(),
		SellerAddress: snap.Seller.Address.Hex(),
		ProductCode:   snap.ProductCode,
		Amount:        snap.Price.Wei().String(),
	})
	if err != nil {
		// A receipt exists, so funds have very likely moved. Never retry.
		return o.fail(ctx, s, session.E(session.KindVerificationRejected, err).WithTxHash(txHash.Hex()))
	}

	if err := s.SetEscrowID(verified.EscrowID); err != nil {
		return o.fail(ctx, s, session.E(session.KindInternal, err).WithTxHash(txHash.Hex()))
	}
	if err := s.Transition(session.StateVerifying, session.StateCompleted); err != nil {
		return err
	}
	o.reservations.MarkSold(s)
	o.publish(s, events.TypeProductSold)
	o.archiveSession(ctx, s)
	o.log.Info("purchase completed",
		"session", s.ID, "escrowId", verified.EscrowID, "transactionId", verified.TransactionID)
	return nil
}

// Cancel is the user-initiated exit, permitted only strictly before the
// commit point and never while a submission-class call is outstanding.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	s, ok := o.reservations.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	if err := s.CancelIfEligible(); err != nil {
		return err
	}
	o.reservations.Release(s)
	o.publish(s, events.TypeMarketplaceRefresh)
	o.archiveSession(ctx, s)
	o.log.Info("purchase cancelled", "session", s.ID, "product", s.ProductRef)
	return nil
}

// Expire finalizes a session the timer already moved to EXPIRED: release
// the lock, announce it, archive it.
func (o *Orchestrator) Expire(ctx context.Context, s *session.Session) {
	o.reservations.Release(s)
	o.publish(s, events.TypeTransactionExpired)
	o.archiveSession(ctx, s)
	o.log.Info("reservation expired", "session", s.ID, "product", s.ProductRef)
}

// step applies one forward or regression transition and publishes it.
func (o *Orchestrator) step(s *session.Session, from, to session.State) error {
	if err := s.Transition(from, to); err != nil {
		return err
	}
	o.publish(s, events.TypeTransactionUpdate)
	return nil
}

// recoverable records the failure and leaves the session re-enterable.
func (o *Orchestrator) recoverable(s *session.Session, err error) error {
	kind := session.KindOf(err)
	s.RecordFailure(kind, o.clock.Now())
	o.publish(s, events.TypeTransactionUpdate)
	o.log.Warn("recoverable purchase error",
		"session", s.ID, "kind", string(kind), "state", s.State().String(), "error", err)
	return err
}

// fail moves the session to terminal FAILED from wherever it stands.
func (o *Orchestrator) fail(ctx context.Context, s *session.Session, err error) error {
	kind := session.KindOf(err)
	s.RecordFailure(kind, o.clock.Now())
	if terr := s.Transition(s.State(), session.StateFailed); terr != nil {
		// Already terminal (e.g. expired under us); keep that outcome.
		o.log.Warn("session already terminal at failure",
			"session", s.ID, "state", s.State().String(), "error", err)
		return err
	}
	o.reservations.Release(s)
	o.publish(s, events.TypeMarketplaceRefresh)
	o.archiveSession(ctx, s)
	o.log.Error("purchase failed",
		"session", s.ID, "kind", string(kind), "txHash", s.TxHash(), "error", err)
	return err
}

func (o *Orchestrator) publish(s *session.Session, t events.Type) {
	snap := s.Snapshot()
	o.bus.Publish(events.Event{
		Type:       t,
		SessionID:  snap.ID,
		ProductRef: snap.ProductRef,
		State:      snap.State,
		TxHash:     snap.TxHash,
	})
}

func (o *Orchestrator) archiveSession(ctx context.Context, s *session.Session) {
	if o.store == nil {
		return
	}
	snap := s.Snapshot()
	rec := archive.Record{
		SessionID:    snap.ID,
		ProductRef:   snap.ProductRef,
		ProductCode:  snap.ProductCode,
		BuyerAddress: snap.Buyer.Address.Hex(),
		SellerAddr:   snap.Seller.Address.Hex(),
		PriceMinor:   int64(snap.Price),
		State:        snap.State,
		TxHash:       snap.TxHash,
		EscrowID:     snap.EscrowID,
		ReservedAt:   snap.ReservedAt,
		ArchivedAt:   o.clock.Now(),
	}
	if snap.LastError != nil {
		rec.ErrorKind = string(snap.LastError.Kind)
		rec.ErrorMessage = snap.LastError.Message
	}
	if err := o.store.Save(ctx, rec); err != nil {
		o.log.Error("archive save failed", "session", snap.ID, "error", err)
	}
}
