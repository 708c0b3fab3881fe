// Copyright 2025 Certen Protocol
//
// Revocation list: signed revocation entries, cascading revoke, and JSON
// transport (de)serialization. In-memory, mutex-guarded.

package revocation

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/certen/independant-validator/pkg/crypto"
)

// Scope identifies how broadly a revocation applies.
type Scope string

const (
	ScopeBlock Scope = "block"
	ScopeChain Scope = "chain"
)

// Entry is a signed revocation record. Signature covers the canonical JSON
// of the entry with its own Signature field elided.
type Entry struct {
	RevocationID string    `json:"revocationId"`
	RevokedBy    string    `json:"revokedBy"` // principal ID
	RevokedAt    time.Time `json:"revokedAt"`
	Scope        Scope     `json:"scope"`
	Signature    string    `json:"signature,omitempty"`
}

func (e Entry) signingView() Entry {
	e.Signature = ""
	return e
}

var (
	// ErrUnsignedEntry is returned by Add when an entry carries no
	// signature; use AddTrusted for bootstrap insertion instead.
	ErrUnsignedEntry = errors.New("revocation: entry has no signature")
	// ErrBadSignature is returned when an entry's signature does not
	// verify under the revokedBy principal's claimed public key.
	ErrBadSignature = errors.New("revocation: signature does not verify")
)

// List is an in-memory, mutex-guarded set of revocation entries keyed by
// RevocationID. Readers may run concurrently with each other; writers must
// be externally serialized against other writers.
type List struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewList creates an empty revocation list.
func NewList() *List {
	return &List{entries: make(map[string]Entry)}
}

// Sign produces a signed revocation entry targeting revocationID, normally
// the RevocationID carried by the DCT block being revoked. clock controls
// RevokedAt for testability; pass nil to use time.Now.
func Sign(priv ed25519.PrivateKey, revocationID, revokedBy string, scope Scope, clock func() time.Time) (Entry, error) {
	if clock == nil {
		clock = time.Now
	}
	e := Entry{
		RevocationID: revocationID,
		RevokedBy:    revokedBy,
		RevokedAt:    clock().UTC(),
		Scope:        scope,
	}
	sig, err := crypto.SignObject(priv, e.signingView())
	if err != nil {
		return Entry{}, fmt.Errorf("revocation: sign entry: %w", err)
	}
	e.Signature = sig
	return e, nil
}

// Add verifies the entry's own signature under revokerPub (the public key
// of the RevokedBy principal) and inserts it. Unsigned insertion is
// reserved for trusted bootstrapping via AddTrusted.
func (l *List) Add(e Entry, revokerPub ed25519.PublicKey) error {
	if e.Signature == "" {
		return ErrUnsignedEntry
	}
	ok, err := crypto.VerifyObjectSignature(revokerPub, e.signingView(), e.Signature)
	if err != nil {
		return fmt.Errorf("revocation: verify entry signature: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	l.AddTrusted(e)
	return nil
}

// AddTrusted inserts an entry without verifying its signature. Reserved for
// trusted bootstrapping (e.g. loading a previously-verified serialized list).
func (l *List) AddTrusted(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.RevocationID] = e
}

// IsRevoked is an O(1) membership check.
func (l *List) IsRevoked(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[id]
	return ok
}

// Get returns the entry for id, if present.
func (l *List) Get(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	return e, ok
}

// CascadeRevoke emits and inserts one chain-scoped revocation entry per ID
// in ids, all signed by signer. The entry's RevocationID is the target ID
// being revoked, so IsRevoked(id) finds it directly.
func (l *List) CascadeRevoke(signer *crypto.Keypair, ids []string, clock func() time.Time) ([]Entry, error) {
	if clock == nil {
		clock = time.Now
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := Entry{
			RevocationID: id,
			RevokedBy:    signer.Principal.ID,
			RevokedAt:    clock().UTC(),
			Scope:        ScopeChain,
		}
		sig, err := crypto.SignObject(signer.PrivateKey, e.signingView())
		if err != nil {
			return nil, fmt.Errorf("revocation: sign cascade entry: %w", err)
		}
		e.Signature = sig
		l.AddTrusted(e)
		entries = append(entries, e)
	}
	return entries, nil
}

// MarshalJSON serializes the list as a JSON array of entries for transport.
func (l *List) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return json.Marshal(out)
}

// UnmarshalJSON loads a list from a JSON array of entries, trusting them
// (the caller is expected to have verified provenance out of band, e.g. via
// the transport layer's own authentication).
func (l *List) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("revocation: unmarshal list: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		l.entries[e.RevocationID] = e
	}
	return nil
}

// Len returns the number of entries currently held.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
