// Copyright 2025 Certen Protocol

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen/independant-validator/pkg/chainstore"
)

// ChainStore is a durable delegation chain store backed by Postgres. It
// offers the operations of the in-memory chainstore.Store, but each method
// takes a context and returns an error, so the two types do not share a
// method set or an interface.
type ChainStore struct {
	client *Client
}

// NewChainStore wraps client as a durable delegation chain store.
func NewChainStore(client *Client) *ChainStore {
	return &ChainStore{client: client}
}

// Put inserts or replaces a delegation row.
func (s *ChainStore) Put(ctx context.Context, d chainstore.Delegation) error {
	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO delegations
			(delegation_id, parent_delegation_id, contract_id, from_principal, to_principal, depth, status, attestation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (delegation_id) DO UPDATE SET
			parent_delegation_id = EXCLUDED.parent_delegation_id,
			contract_id = EXCLUDED.contract_id,
			from_principal = EXCLUDED.from_principal,
			to_principal = EXCLUDED.to_principal,
			depth = EXCLUDED.depth,
			status = EXCLUDED.status,
			attestation_id = EXCLUDED.attestation_id,
			updated_at = EXCLUDED.updated_at`,
		d.DelegationID, d.ParentDelegationID, d.ContractID, d.From, d.To, d.Depth, string(d.Status), d.AttestationID, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put delegation %s: %w", d.DelegationID, err)
	}
	return nil
}

// Get loads a delegation by id.
func (s *ChainStore) Get(ctx context.Context, id string) (chainstore.Delegation, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT delegation_id, parent_delegation_id, contract_id, from_principal, to_principal, depth, status, attestation_id, created_at, updated_at
		FROM delegations WHERE delegation_id = $1`, id)
	return scanDelegation(row)
}

// GetChildren loads every delegation directly parented by id.
func (s *ChainStore) GetChildren(ctx context.Context, id string) ([]chainstore.Delegation, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT delegation_id, parent_delegation_id, contract_id, from_principal, to_principal, depth, status, attestation_id, created_at, updated_at
		FROM delegations WHERE parent_delegation_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []chainstore.Delegation
	for rows.Next() {
		d, err := scanDelegationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus replaces a delegation's status and optional terminal
// attestation ID.
func (s *ChainStore) UpdateStatus(ctx context.Context, id string, status chainstore.Status, attestationID string) error {
	var err error
	if attestationID != "" {
		_, err = s.client.DB().ExecContext(ctx, `
			UPDATE delegations SET status = $1, attestation_id = $2, updated_at = now() WHERE delegation_id = $3`,
			string(status), attestationID, id)
	} else {
		_, err = s.client.DB().ExecContext(ctx, `
			UPDATE delegations SET status = $1, updated_at = now() WHERE delegation_id = $2`,
			string(status), id)
	}
	if err != nil {
		return fmt.Errorf("postgres: update status of %s: %w", id, err)
	}
	return nil
}

// GetChain walks parent links from id to the root sentinel, leaf-to-root,
// same order and cycle/missing-parent errors as chainstore.Store.GetChain.
func (s *ChainStore) GetChain(ctx context.Context, id string) ([]chainstore.Delegation, error) {
	var chain []chainstore.Delegation
	visited := make(map[string]bool)
	cur := id

	for cur != chainstore.RootSentinel {
		if visited[cur] {
			return nil, chainstore.ErrCycleDetected
		}
		visited[cur] = true

		d, err := s.Get(ctx, cur)
		if err != nil {
			if err == chainstore.ErrNotFound {
				return nil, fmt.Errorf("%w: %s", chainstore.ErrMissingParent, cur)
			}
			return nil, err
		}
		chain = append(chain, d)
		cur = d.ParentDelegationID
	}
	return chain, nil
}

// VerifyChain validates the delegation chain's linkage invariant using the
// shared chainstore.VerifyChainInvariants logic, so the durable and
// in-memory stores can never silently diverge in what they accept.
func (s *ChainStore) VerifyChain(ctx context.Context, id string) error {
	chain, err := s.GetChain(ctx, id)
	if err != nil {
		return err
	}
	return chainstore.VerifyChainInvariants(chain)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row *sql.Row) (chainstore.Delegation, error) {
	return scanDelegationRows(row)
}

func scanDelegationRows(row rowScanner) (chainstore.Delegation, error) {
	var d chainstore.Delegation
	var status string
	err := row.Scan(&d.DelegationID, &d.ParentDelegationID, &d.ContractID, &d.From, &d.To, &d.Depth, &status, &d.AttestationID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return chainstore.Delegation{}, chainstore.ErrNotFound
		}
		return chainstore.Delegation{}, fmt.Errorf("postgres: scan delegation: %w", err)
	}
	d.Status = chainstore.Status(status)
	return d, nil
}
