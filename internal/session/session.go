// Package session holds the purchase session entity and its state machine.
// All mutation goes through the methods here; callers hold no locks and
// read only snapshots.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/money"
	"escrowline/internal/party"
)

// Failure is the recorded last error of a session.
type Failure struct {
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Session is one buyer's time-boxed attempt to purchase one product.
type Session struct {
	ID          string
	ProductRef  string
	ProductCode string
	Buyer       party.Party
	Seller      party.Party
	Price       money.Amount
	ReservedAt  time.Time
	ExpiresAt   time.Time

	mu       sync.Mutex
	state    State
	txHash   string
	escrowID string
	lastErr  *Failure
	inFlight bool
}

// New creates a session in RESERVED with the expiry window applied.
func New(productRef, productCode string, buyer, seller party.Party, price money.Amount, reservedAt time.Time, window time.Duration) *Session {
	return &Session{
		ID:          uuid.NewString(),
		ProductRef:  productRef,
		ProductCode: productCode,
		Buyer:       buyer,
		Seller:      seller,
		Price:       price,
		ReservedAt:  reservedAt,
		ExpiresAt:   reservedAt.Add(window),
		state:       StateReserved,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TxHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txHash
}

func (s *Session) EscrowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrowID
}

// Remaining returns how much of the reservation window is left.
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Transition is the one compare-and-set mutation point for forward and
// regression moves. It fails if the current state is not `from` or the
// move is not in the legality table.
func (s *Session) Transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, s.state, from)
	}
	if !legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	return nil
}

// BeginFlight atomically claims the session for one driver. It refuses if
// another attempt is outstanding or the session is not in a state the
// purchase flow may enter from.
func (s *Session) BeginFlight(entry ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrBusy
	}
	for _, st := range entry {
		if s.state == st {
			s.inFlight = true
			return nil
		}
	}
	return fmt.Errorf("%w: cannot start purchase from %s", ErrInvalidTransition, s.state)
}

func (s *Session) EndFlight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
}

// MarkSubmitted is the irreversible commit point: it sets the transaction
// hash (write-once) and moves AWAIT_SIGNATURE to SUBMITTED in one step.
func (s *Session) MarkSubmitted(txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitSignature {
		return fmt.Errorf("%w: session is %s at submission", ErrInvalidTransition, s.state)
	}
	if s.txHash != "" {
		return fmt.Errorf("%w: transaction hash already set", ErrInvalidTransition)
	}
	s.txHash = txHash
	s.state = StateSubmitted
	return nil
}

// SetEscrowID records the verified escrow instance, write-once.
func (s *Session) SetEscrowID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escrowID != "" {
		return fmt.Errorf("%w: escrow id already set", ErrInvalidTransition)
	}
	s.escrowID = id
	return nil
}

// ExpireIfEligible is the timer's only entry point. It fires at most once,
// and only while the session sits strictly before the commit point; a late
// tick against SUBMITTED or beyond is a structural no-op.
func (s *Session) ExpireIfEligible(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state < StateReserved || s.state > StateAwaitSignature {
		return false
	}
	if now.Before(s.ExpiresAt) {
		return false
	}
	s.state = StateExpired
	s.lastErr = &Failure{Kind: KindSessionExpired, Message: KindSessionExpired.Message(), OccurredAt: now}
	return true
}

// CancelIfEligible applies a user-initiated cancellation. Refused while a
// submission-class call is outstanding and always refused at or after the
// commit point.
func (s *Session) CancelIfEligible() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return ErrBusy
	}
	if s.state < StateReserved || s.state > StateAwaitSignature {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateCancelled
	return nil
}

// RecordFailure stores the last error without changing state.
func (s *Session) RecordFailure(kind Kind, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = &Failure{Kind: kind, Message: kind.Message(), OccurredAt: at}
}

// Snapshot is an immutable copy for rendering, archiving, and building.
type Snapshot struct {
	ID          string       `json:"id"`
	ProductRef  string       `json:"productRef"`
	ProductCode string       `json:"productCode"`
	Buyer       party.Party  `json:"buyer"`
	Seller      party.Party  `json:"seller"`
	Price       money.Amount `json:"priceMinorUnits"`
	State       string       `json:"state"`
	ReservedAt  time.Time    `json:"reservedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	TxHash      string       `json:"txHash,omitempty"`
	EscrowID    string       `json:"escrowId,omitempty"`
	LastError   *Failure     `json:"lastError,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.ID,
		ProductRef:  s.ProductRef,
		ProductCode: s.ProductCode,
		Buyer:       s.Buyer,
		Seller:      s.Seller,
		Price:       s.Price,
		State:       s.state.String(),
		ReservedAt:  s.ReservedAt,
		ExpiresAt:   s.ExpiresAt,
		TxHash:      s.txHash,
		EscrowID:    s.escrowID,
	}
	if s.lastErr != nil {
		f := *s.lastErr
		snap.LastError = &f
	}
	return snap
}
