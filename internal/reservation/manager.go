// Package reservation owns the time-boxed exclusive claim a buyer holds
// on a product while the purchase flow runs. The backend holds the
// authoritative product lock; the local registry enforces the same
// exclusivity even when the backend is unreachable.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escrowline/internal/backend"
	"escrowline/internal/clock"
	"escrowline/internal/money"
	"escrowline/internal/party"
	"escrowline/internal/session"
)

// Locker acquires the product lock on the backend. Optional: a nil Locker
// leaves locking entirely local.
type Locker interface {
	CreateReservation(ctx context.Context, req backend.ReservationRequest) (backend.ReservationResponse, error)
}

type Manager struct {
	locker Locker
	clock  clock.Clock
	window time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	byProduct map[string]*session.Session
	byID      map[string]*session.Session
	sold      map[string]bool
}

func NewManager(locker Locker, clk clock.Clock, window time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		locker:    locker,
		clock:     clk,
		window:    window,
		log:       log,
		byProduct: make(map[string]*session.Session),
		byID:      make(map[string]*session.Session),
		sold:      make(map[string]bool),
	}
}

// Reserve creates a purchase session holding the product exclusively for
// its buyer until the window elapses or the session terminates.
func (m *Manager) Reserve(ctx context.Context, productRef, productCode string, buyer, seller party.Party, price money.Amount) (*session.Session, error) {
	if buyer.Address == seller.Address {
		return nil, session.E(session.KindSelfPurchase,
			fmt.Errorf("buyer and seller are both %s", buyer.Address.Hex()))
	}

	m.mu.Lock()
	if m.sold[productRef] {
		m.mu.Unlock()
		return nil, session.E(session.KindAlreadyReserved, errors.New("product already sold"))
	}
	if existing, ok := m.byProduct[productRef]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, session.E(session.KindAlreadyReserved,
			fmt.Errorf("product held by session %s", existing.ID))
	}
	// Claim the slot before the backend round trip so a concurrent
	// Reserve on the same product cannot interleave.
	placeholder := session.New(productRef, productCode, buyer, seller, price, m.clock.Now(), m.window)
	m.byProduct[productRef] = placeholder
	m.byID[placeholder.ID] = placeholder
	m.mu.Unlock()

	if m.locker != nil {
		_, err := m.locker.CreateReservation(ctx, backend.ReservationRequest{
			ProductRef:   productRef,
			BuyerAddress: buyer.Address.Hex(),
		})
		var rej *backend.RejectionError
		if errors.As(err, &rej) {
			m.remove(placeholder)
			return nil, session.E(session.KindAlreadyReserved, err)
		}
		if err != nil {
			// Backend unreachable: the local lock stands and the backend
			// reconciles on verification.
			m.log.Warn("backend reservation failed, proceeding on local lock",
				"product", productRef, "error", err)
		}
	}

	return placeholder, nil
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Release frees the product lock for a session that ended without a sale.
func (m *Manager) Release(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byProduct[s.ProductRef]; ok && current.ID == s.ID {
		delete(m.byProduct, s.ProductRef)
	}
}

// MarkSold converts the lock to a permanent "sold" claim.
func (m *Manager) MarkSold(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sold[s.ProductRef] = true
	delete(m.byProduct, s.ProductRef)
}

// Active returns the sessions still inside the purchase flow.
func (m *Manager) Active() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.byProduct))
	for _, s := range m.byProduct {
		out = append(out, s)
	}
	return out
}

// ActiveCount reports how many products are currently locked.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byProduct)
}

func (m *Manager) remove(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byProduct[s.ProductRef]; ok && current.ID == s.ID {
		delete(m.byProduct, s.ProductRef)
	}
	delete(m.byID, s.ID)
}
