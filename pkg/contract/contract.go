// Copyright 2025 Certen Protocol
//
// Contract engine: signed contracts and deterministic output verification
// via registered check functions.

package contract

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/independant-validator/pkg/crypto"
	"github.com/certen/independant-validator/pkg/model"
)

// TaskContract is an issuer-signed statement of a task, its constraints,
// and how to verify its output.
type TaskContract struct {
	ContractID   string                  `json:"contractId"`
	IssuerID     string                  `json:"issuer"` // principal ID
	Task         model.TaskSpec          `json:"task"`
	Verification model.VerificationSpec  `json:"verification"`
	Constraints  model.TaskConstraints   `json:"constraints"`
	CreatedAt    time.Time               `json:"createdAt"`
	Signature    string                  `json:"signature,omitempty"`
}

func (c TaskContract) signingView() TaskContract {
	c.Signature = ""
	return c
}

// CreateContract assigns a fresh contract ID, stamps issuer and createdAt,
// and signs the canonical form with the issuer's private key.
func CreateContract(issuer *crypto.Keypair, task model.TaskSpec, verification model.VerificationSpec, constraints model.TaskConstraints, clock func() time.Time) (*TaskContract, error) {
	if clock == nil {
		clock = time.Now
	}
	c := &TaskContract{
		ContractID:   "ctr_" + uuid.NewString(),
		IssuerID:     issuer.Principal.ID,
		Task:         task,
		Verification: verification,
		Constraints:  constraints,
		CreatedAt:    clock().UTC(),
	}
	sig, err := crypto.SignObject(issuer.PrivateKey, c.signingView())
	if err != nil {
		return nil, fmt.Errorf("contract: sign contract: %w", err)
	}
	c.Signature = sig
	return c, nil
}

// VerifyContractSignature re-derives the canonical signing bytes (excluding
// the signature field) and checks the Ed25519 signature under pubKey.
func VerifyContractSignature(c *TaskContract, pubKey ed25519.PublicKey) (bool, error) {
	return crypto.VerifyObjectSignature(pubKey, c.signingView(), c.Signature)
}

// CheckResult is the outcome of evaluating a contract's verification
// check function against a candidate output.
type CheckResult struct {
	Pass    bool           `json:"pass"`
	Details map[string]any `json:"details,omitempty"`
}

// CheckFunc is a pure function judging output against params.
type CheckFunc func(output any, params map[string]any) (CheckResult, error)

// ErrUnknownCheck is returned when a registry lookup misses.
var ErrUnknownCheck = errors.New("contract: unknown check function")

// Registry maps check-function names to implementations. The zero value is
// not usable; construct with NewRegistry or DefaultRegistry.
type Registry struct {
	checks map[string]CheckFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a named check function.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.checks[name] = fn
}

// Lookup returns the check function for name, or ErrUnknownCheck.
func (r *Registry) Lookup(name string) (CheckFunc, error) {
	fn, ok := r.checks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	return fn, nil
}

// VerifyOutput resolves c.Verification.CheckName in registry, invokes it
// with output and c.Verification.Params, and returns the CheckResult.
// Lookup failures are reported as structured errors, never panics.
func VerifyOutput(c *TaskContract, output any, registry *Registry) (CheckResult, error) {
	fn, err := registry.Lookup(c.Verification.CheckName)
	if err != nil {
		return CheckResult{}, err
	}
	result, err := fn(output, c.Verification.Params)
	if err != nil {
		return CheckResult{}, fmt.Errorf("contract: check %q failed: %w", c.Verification.CheckName, err)
	}
	return result, nil
}
