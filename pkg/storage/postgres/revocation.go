// Copyright 2025 Certen Protocol

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen/independant-validator/pkg/revocation"
)

// RevocationStore is a durable store for signed revocation.Entry records,
// backing the in-memory revocation.List with Postgres persistence.
type RevocationStore struct {
	client *Client
}

// NewRevocationStore wraps client as a durable revocation store.
func NewRevocationStore(client *Client) *RevocationStore {
	return &RevocationStore{client: client}
}

// Insert persists an already-signed entry. Signature verification is the
// caller's responsibility (revocation.List.Add / AddTrusted), matching the
// in-memory list's division of labor.
func (s *RevocationStore) Insert(ctx context.Context, e revocation.Entry) error {
	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO revocation_entries (revocation_id, revoked_by, revoked_at, scope, signature)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (revocation_id) DO NOTHING`,
		e.RevocationID, e.RevokedBy, e.RevokedAt, string(e.Scope), e.Signature)
	if err != nil {
		return fmt.Errorf("postgres: insert revocation %s: %w", e.RevocationID, err)
	}
	return nil
}

// IsRevoked is an O(1) indexed lookup.
func (s *RevocationStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revocation_entries WHERE revocation_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: is revoked %s: %w", id, err)
	}
	return exists, nil
}

// Get loads a single entry, if present.
func (s *RevocationStore) Get(ctx context.Context, id string) (revocation.Entry, bool, error) {
	var e revocation.Entry
	var scope string
	row := s.client.DB().QueryRowContext(ctx,
		`SELECT revocation_id, revoked_by, revoked_at, scope, signature FROM revocation_entries WHERE revocation_id = $1`, id)
	err := row.Scan(&e.RevocationID, &e.RevokedBy, &e.RevokedAt, &scope, &e.Signature)
	if err != nil {
		if err == sql.ErrNoRows {
			return revocation.Entry{}, false, nil
		}
		return revocation.Entry{}, false, fmt.Errorf("postgres: get revocation %s: %w", id, err)
	}
	e.Scope = revocation.Scope(scope)
	return e, true, nil
}

// LoadAll returns every persisted entry, for seeding an in-memory
// revocation.List at process startup.
func (s *RevocationStore) LoadAll(ctx context.Context) ([]revocation.Entry, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT revocation_id, revoked_by, revoked_at, scope, signature FROM revocation_entries`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load revocations: %w", err)
	}
	defer rows.Close()

	var out []revocation.Entry
	for rows.Next() {
		var e revocation.Entry
		var scope string
		if err := rows.Scan(&e.RevocationID, &e.RevokedBy, &e.RevokedAt, &scope, &e.Signature); err != nil {
			return nil, fmt.Errorf("postgres: scan revocation: %w", err)
		}
		e.Scope = revocation.Scope(scope)
		out = append(out, e)
	}
	return out, rows.Err()
}
