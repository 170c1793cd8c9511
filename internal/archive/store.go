// Package archive persists sessions that reached a terminal state so
// failed payments stay inspectable (hash, amounts, parties) for manual
// reconciliation.
package archive

import (
	"context"
	"sync"
	"time"
)

// Record is the durable form of a terminal session.
type Record struct {
	SessionID    string    `json:"sessionId"`
	ProductRef   string    `json:"productRef"`
	ProductCode  string    `json:"productCode"`
	BuyerAddress string    `json:"buyerAddress"`
	SellerAddr   string    `json:"sellerAddress"`
	PriceMinor   int64     `json:"priceMinorUnits"`
	State        string    `json:"state"`
	TxHash       string    `json:"txHash,omitempty"`
	EscrowID     string    `json:"escrowId,omitempty"`
	ErrorKind    string    `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	ReservedAt   time.Time `json:"reservedAt"`
	ArchivedAt   time.Time `json:"archivedAt"`
}

// Store abstracts archive persistence.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
}

// MemoryStore is for tests and DSN-less deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[sessionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
