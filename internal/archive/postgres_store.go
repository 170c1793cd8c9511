package archive

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists terminal sessions in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS purchase_sessions (
    session_id TEXT PRIMARY KEY,
    product_ref TEXT NOT NULL,
    product_code TEXT NOT NULL,
    buyer_address TEXT NOT NULL,
    seller_address TEXT NOT NULL,
    price_minor_units BIGINT NOT NULL,
    state TEXT NOT NULL,
    tx_hash TEXT,
    escrow_id TEXT,
    error_kind TEXT,
    error_message TEXT,
    reserved_at TIMESTAMPTZ NOT NULL,
    archived_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO purchase_sessions (
    session_id, product_ref, product_code, buyer_address, seller_address,
    price_minor_units, state, tx_hash, escrow_id, error_kind, error_message,
    reserved_at, archived_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (session_id) DO UPDATE
SET state = EXCLUDED.state,
    tx_hash = EXCLUDED.tx_hash,
    escrow_id = EXCLUDED.escrow_id,
    error_kind = EXCLUDED.error_kind,
    error_message = EXCLUDED.error_message,
    archived_at = EXCLUDED.archived_at
`, rec.SessionID, rec.ProductRef, rec.ProductCode, rec.BuyerAddress, rec.SellerAddr,
		rec.PriceMinor, rec.State, rec.TxHash, rec.EscrowID, rec.ErrorKind, rec.ErrorMessage,
		rec.ReservedAt, rec.ArchivedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT session_id, product_ref, product_code, buyer_address, seller_address,
       price_minor_units, state, tx_hash, escrow_id, error_kind, error_message,
       reserved_at, archived_at
FROM purchase_sessions
WHERE session_id = $1
`, sessionID)

	var rec Record
	var txHash, escrowID, errKind, errMsg *string
	if err := row.Scan(&rec.SessionID, &rec.ProductRef, &rec.ProductCode, &rec.BuyerAddress,
		&rec.SellerAddr, &rec.PriceMinor, &rec.State, &txHash, &escrowID, &errKind, &errMsg,
		&rec.ReservedAt, &rec.ArchivedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if txHash != nil {
		rec.TxHash = *txHash
	}
	if escrowID != nil {
		rec.EscrowID = *escrowID
	}
	if errKind != nil {
		rec.ErrorKind = *errKind
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	return &rec, nil
}
