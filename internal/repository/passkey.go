// Package repository provides SQL persistence for the passkey vault. Rows
// hold ciphertext only; sealing and opening happen in the vault.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/GophPass/internal/db"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("record already exists")
)

// PasskeyRow is a stored credential. Lookup is a keyed hash of the
// credential id used to find a row without decrypting every one.
type PasskeyRow struct {
	ID        string
	Lookup    []byte
	Sealed    []byte
	Flagged   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CeremonyRow is a pending registration or authentication ceremony.
type CeremonyRow struct {
	ID        string
	Kind      string
	Sealed    []byte
	ExpiresAt time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PasskeyRepository implements vault persistence against SQLite or
// PostgreSQL.
type PasskeyRepository struct {
	// DB is the database handle for starting transactions.
	DB      *sql.DB
	dialect db.Dialect
	q       querier
}

// NewPasskeyRepository creates a PasskeyRepository using the provided *sql.DB.
func NewPasskeyRepository(conn *sql.DB, dialect db.Dialect) *PasskeyRepository {
	return &PasskeyRepository{DB: conn, dialect: dialect, q: conn}
}

// WithTx runs fn with a repository bound to a transaction. The transaction
// commits if fn returns nil and rolls back otherwise.
func (r *PasskeyRepository) WithTx(ctx context.Context, fn func(tx *PasskeyRepository) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PasskeyRepository{DB: r.DB, dialect: r.dialect, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PasskeyRepository) bind(query string) string {
	return db.Rebind(r.dialect, query)
}

// GetMeta returns the vault metadata value stored under name.
func (r *PasskeyRepository) GetMeta(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := r.q.QueryRowContext(ctx, r.bind(`SELECT value FROM vault_metadata WHERE name = ?`), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMeta: %w", err)
	}
	return value, nil
}

// PutMeta stores a vault metadata value. Existing values are never
// replaced.
func (r *PasskeyRepository) PutMeta(ctx context.Context, name string, value []byte) error {
	_, err := r.q.ExecContext(ctx, r.bind(`INSERT INTO vault_metadata (name, value) VALUES (?, ?)`), name, value)
	if err != nil {
		return wrapInsert("PutMeta", err)
	}
	return nil
}

const passkeyColumns = `id, lookup, sealed, flagged, created_at, updated_at`

// InsertPasskey stores a new credential row.
func (r *PasskeyRepository) InsertPasskey(ctx context.Context, row PasskeyRow) error {
	_, err := r.q.ExecContext(ctx, r.bind(`
		INSERT INTO passkeys (`+passkeyColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`), row.ID, row.Lookup, row.Sealed, row.Flagged, toMillis(row.CreatedAt), toMillis(row.UpdatedAt))
	if err != nil {
		return wrapInsert("InsertPasskey", err)
	}
	return nil
}

// GetPasskey returns the credential row with the given id.
func (r *PasskeyRepository) GetPasskey(ctx context.Context, id string) (PasskeyRow, error) {
	return r.getPasskey(ctx, `SELECT `+passkeyColumns+` FROM passkeys WHERE id = ?`, id)
}

// GetPasskeyByLookup returns the credential row with the given lookup hash.
func (r *PasskeyRepository) GetPasskeyByLookup(ctx context.Context, lookup []byte) (PasskeyRow, error) {
	return r.getPasskey(ctx, `SELECT `+passkeyColumns+` FROM passkeys WHERE lookup = ?`, lookup)
}

func (r *PasskeyRepository) getPasskey(ctx context.Context, query string, arg any) (PasskeyRow, error) {
	row, err := scanPasskey(r.q.QueryRowContext(ctx, r.bind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return PasskeyRow{}, ErrNotFound
	}
	if err != nil {
		return PasskeyRow{}, fmt.Errorf("GetPasskey: %w", err)
	}
	return row, nil
}

// ListPasskeys returns all credential rows, oldest first.
func (r *PasskeyRepository) ListPasskeys(ctx context.Context) ([]PasskeyRow, error) {
	rows, err := r.q.QueryContext(ctx, r.bind(`SELECT `+passkeyColumns+` FROM passkeys ORDER BY created_at, id`))
	if err != nil {
		return nil, fmt.Errorf("ListPasskeys: %w", err)
	}
	defer rows.Close()

	var out []PasskeyRow
	for rows.Next() {
		row, err := scanPasskey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPasskeys: %w", err)
	}
	return out, nil
}

// UpdatePasskey replaces the sealed payload and flag of an existing row.
func (r *PasskeyRepository) UpdatePasskey(ctx context.Context, row PasskeyRow) error {
	res, err := r.q.ExecContext(ctx, r.bind(`
		UPDATE passkeys SET sealed = ?, flagged = ?, updated_at = ? WHERE id = ?
	`), row.Sealed, row.Flagged, toMillis(row.UpdatedAt), row.ID)
	if err != nil {
		return fmt.Errorf("UpdatePasskey: %w", err)
	}
	return requireAffected(res, "UpdatePasskey")
}

// DeletePasskey removes the row with the given id.
func (r *PasskeyRepository) DeletePasskey(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, r.bind(`DELETE FROM passkeys WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("DeletePasskey: %w", err)
	}
	return requireAffected(res, "DeletePasskey")
}

// InsertCeremony stores a pending ceremony.
func (r *PasskeyRepository) InsertCeremony(ctx context.Context, row CeremonyRow) error {
	_, err := r.q.ExecContext(ctx, r.bind(`
		INSERT INTO passkey_ceremonies (id, kind, sealed, expires_at) VALUES (?, ?, ?, ?)
	`), row.ID, row.Kind, row.Sealed, toMillis(row.ExpiresAt))
	if err != nil {
		return wrapInsert("InsertCeremony", err)
	}
	return nil
}

// TakeCeremony deletes the ceremony with the given id and returns it. A
// ceremony can be taken at most once.
func (r *PasskeyRepository) TakeCeremony(ctx context.Context, id string) (CeremonyRow, error) {
	row := CeremonyRow{ID: id}
	var expires int64
	err := r.q.QueryRowContext(ctx, r.bind(`
		DELETE FROM passkey_ceremonies WHERE id = ? RETURNING kind, sealed, expires_at
	`), id).Scan(&row.Kind, &row.Sealed, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return CeremonyRow{}, ErrNotFound
	}
	if err != nil {
		return CeremonyRow{}, fmt.Errorf("TakeCeremony: %w", err)
	}
	row.ExpiresAt = fromMillis(expires)
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPasskey(s scanner) (PasskeyRow, error) {
	var (
		row              PasskeyRow
		created, updated int64
	)
	if err := s.Scan(&row.ID, &row.Lookup, &row.Sealed, &row.Flagged, &created, &updated); err != nil {
		return PasskeyRow{}, err
	}
	row.CreatedAt = fromMillis(created)
	row.UpdatedAt = fromMillis(updated)
	return row, nil
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrapInsert(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
