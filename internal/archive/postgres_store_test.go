package archive

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	rec := Record{
		SessionID:    "test-session",
		ProductRef:   "prod-1",
		ProductCode:  "ART-001",
		BuyerAddress: "0x01",
		SellerAddr:   "0x02",
		PriceMinor:   2500,
		State:        "COMPLETED",
		TxHash:       "0xabc",
		EscrowID:     "0xesc",
		ReservedAt:   time.Now().UTC(),
		ArchivedAt:   time.Now().UTC(),
	}

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.State != rec.State || got.EscrowID != rec.EscrowID {
		t.Fatalf("unexpected record: %#v", got)
	}
}
