package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"confbal/go-backend/internal/contracts"

	"github.com/gagliardetto/solana-go"
	_ "github.com/mattn/go-sqlite3"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS relayers (
	signing_key    TEXT PRIMARY KEY,
	relayer_id     TEXT NOT NULL UNIQUE,
	address        TEXT NOT NULL,
	fee_token_mint TEXT NOT NULL,
	fee            INTEGER NOT NULL,
	active         INTEGER NOT NULL DEFAULT 1,
	pending        INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS relayers_active_created ON relayers(active, pending, created_at);
`

// SQLStore keeps records in SQLite. The primary key on signing_key is what
// makes registration idempotent across processes.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the database at dsn.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate registry schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, key solana.PublicKey) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT signing_key, relayer_id, address, fee_token_mint, fee, active, pending, created_at
		FROM relayers WHERE signing_key = ?`, key.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, contracts.ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO relayers
		(signing_key, relayer_id, address, fee_token_mint, fee, active, pending, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signing_key) DO NOTHING`,
		rec.PublicKey.String(),
		rec.ID.String(),
		rec.Address.String(),
		rec.FeeTokenMint.String(),
		int64(rec.Fee),
		rec.Active,
		rec.Pending,
		rec.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signing_key, relayer_id, address, fee_token_mint, fee, active, pending, created_at
		FROM relayers WHERE active = 1 AND pending = 0 ORDER BY created_at, relayer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetActive(ctx context.Context, key solana.PublicKey, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE relayers SET active = ? WHERE signing_key = ?`, active, key.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Commit(ctx context.Context, key solana.PublicKey, id ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE relayers SET pending = 0 WHERE signing_key = ? AND relayer_id = ?`, key.String(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key solana.PublicKey, id ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relayers WHERE signing_key = ? AND relayer_id = ? AND pending = 1`, key.String(), id.String())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		signingKey, id, address, mint string
		fee, createdAt                int64
		active, pending               bool
	)
	if err := row.Scan(&signingKey, &id, &address, &mint, &fee, &active, &pending, &createdAt); err != nil {
		return Record{}, err
	}
	rec := Record{Fee: uint64(fee), Active: active, Pending: pending, CreatedAt: time.Unix(0, createdAt).UTC()}
	var err error
	if rec.PublicKey, err = solana.PublicKeyFromBase58(signingKey); err != nil {
		return Record{}, fmt.Errorf("decode signing key: %w", err)
	}
	if rec.ID, err = ParseID(id); err != nil {
		return Record{}, err
	}
	if rec.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return Record{}, fmt.Errorf("decode relayer address: %w", err)
	}
	if rec.FeeTokenMint, err = solana.PublicKeyFromBase58(mint); err != nil {
		return Record{}, fmt.Errorf("decode fee token mint: %w", err)
	}
	return rec, nil
}
