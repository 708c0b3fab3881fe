// Copyright 2025 Certen Protocol
//
// Attestation engine: signed statements binding completed work to the
// contract and delegation that authorized it.

package attestation

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/independant-validator/pkg/crypto"
)

// Kind distinguishes a completion attestation (the performer declaring it
// finished the task) from a verification attestation (a verifier declaring
// it judged the output). Both share a schema; the distinct Kind value is
// what makes replaying one as the other impossible.
type Kind string

const (
	KindCompletion  Kind = "completion"
	KindVerification Kind = "verification"
)

// Result carries the outcome an attestation vouches for.
type Result struct {
	Pass            bool           `json:"pass"`
	OutputRef       string         `json:"outputRef,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
}

// Attestation is a signed statement that a principal completed or verified
// a delegated task. Signature covers the canonical JSON of the attestation
// with its own Signature field elided.
type Attestation struct {
	AttestationID       string    `json:"attestationId"`
	Kind                Kind      `json:"kind"`
	PrincipalID         string    `json:"principalId"`
	ContractID          string    `json:"contractId"`
	DelegationID        string    `json:"delegationId"`
	Result              Result    `json:"result"`
	ChildAttestationIDs []string  `json:"childAttestations,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Signature           string    `json:"signature,omitempty"`
}

func (a Attestation) signingView() Attestation {
	a.Signature = ""
	return a
}

// CreateCompletionAttestation produces a fresh, signed attestation recording
// that signer finished the work authorized by contractID/delegationID.
func CreateCompletionAttestation(signer *crypto.Keypair, contractID, delegationID string, result Result, childAttestationIDs []string, clock func() time.Time) (*Attestation, error) {
	return create(signer, KindCompletion, contractID, delegationID, result, childAttestationIDs, clock)
}

// CreateVerificationAttestation produces a fresh, signed attestation
// recording that signer judged the result of contractID/delegationID. It
// shares every field with a completion attestation except Kind, so a
// verification can never be replayed as a completion or vice versa.
func CreateVerificationAttestation(signer *crypto.Keypair, contractID, delegationID string, result Result, childAttestationIDs []string, clock func() time.Time) (*Attestation, error) {
	return create(signer, KindVerification, contractID, delegationID, result, childAttestationIDs, clock)
}

func create(signer *crypto.Keypair, kind Kind, contractID, delegationID string, result Result, childAttestationIDs []string, clock func() time.Time) (*Attestation, error) {
	if clock == nil {
		clock = time.Now
	}
	a := &Attestation{
		AttestationID:       "att_" + uuid.NewString(),
		Kind:                kind,
		PrincipalID:         signer.Principal.ID,
		ContractID:          contractID,
		DelegationID:        delegationID,
		Result:              result,
		ChildAttestationIDs: childAttestationIDs,
		Timestamp:           clock().UTC(),
	}
	sig, err := crypto.SignObject(signer.PrivateKey, a.signingView())
	if err != nil {
		return nil, fmt.Errorf("attestation: sign %s attestation: %w", kind, err)
	}
	a.Signature = sig
	return a, nil
}

// VerifyAttestationSignature re-canonicalizes a and checks its signature
// under signerPub.
func VerifyAttestationSignature(a *Attestation, signerPub ed25519.PublicKey) (bool, error) {
	return crypto.VerifyObjectSignature(signerPub, a.signingView(), a.Signature)
}
