// Copyright 2025 Certen Protocol
//
// Shared DCT types: the serialized envelope, verification context,
// authorized scope, and the denial-reason taxonomy common to both the SJT
// and Datalog backends.

package dct

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/certen/independant-validator/pkg/model"
)

// Format names a DCT backend implementation, carried alongside the opaque
// token payload so a verifier can dispatch without out-of-band knowledge.
type Format string

const (
	FormatSJT     Format = "sjt"
	FormatBiscuit Format = "biscuit"
)

// SerializedDCT is the transport envelope: an opaque token payload tagged
// with the backend that produced it. HTTP carriers typically place this in
// an Authorization: Bearer header, base64-encoded; that encoding is outside
// this package's concern.
type SerializedDCT struct {
	Format Format `json:"format"`
	Token  any    `json:"token"`
}

// serializedDCTWire is the wire shape of SerializedDCT, with Token left as
// raw JSON until the backend named by Format can decode it into its
// concrete token type.
type serializedDCTWire struct {
	Format Format          `json:"format"`
	Token  json.RawMessage `json:"token"`
}

// MarshalJSON encodes the envelope normally; Token is already a concrete,
// json-tagged struct (sjt.Token or biscuit.Token) by the time this runs.
func (sd SerializedDCT) MarshalJSON() ([]byte, error) {
	return json.Marshal(serializedDCTWire{Format: sd.Format, Token: mustRawMessage(sd.Token)})
}

func mustRawMessage(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// UnmarshalJSON decodes the envelope, then dispatches to the registered
// backend named by Format to decode Token into its concrete type. This is
// what lets a SerializedDCT survive a round trip through a file or any
// other JSON transport and still pass the backends' Token type assertions.
func (sd *SerializedDCT) UnmarshalJSON(data []byte) error {
	var wire serializedDCTWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("dct: unmarshal envelope: %w", err)
	}
	backend, err := NewBackend(wire.Format)
	if err != nil {
		return fmt.Errorf("dct: unmarshal token: %w", err)
	}
	token, err := backend.DecodeToken(wire.Token)
	if err != nil {
		return fmt.Errorf("dct: decode %s token: %w", wire.Format, err)
	}
	sd.Format = wire.Format
	sd.Token = token
	return nil
}

// VerificationContext is the caller-supplied input to VerifyDCT: what is
// being requested, when, how much budget has already been spent, and which
// root public key the caller trusts.
type VerificationContext struct {
	Resource         string
	Operation        string
	Now              time.Time
	SpentMicrocents  int64
	RootPublicKey    ed25519.PublicKey
}

// AuthorizedScope is returned on a successful VerifyDCT: what the verified
// token actually authorizes, after all checks pass.
type AuthorizedScope struct {
	DelegationID            string
	ContractID              string
	DelegateeID             string
	Capabilities            []model.Capability
	RemainingBudgetMicrocents int64
	ChainDepth              int
}

// DenialReason is the closed set of ways VerifyDCT can fail.
type DenialReason string

const (
	DenialMalformed            DenialReason = "malformed"
	DenialBadSignature         DenialReason = "bad_signature"
	DenialExpired              DenialReason = "expired"
	DenialRevoked              DenialReason = "revoked"
	DenialDepthExceeded        DenialReason = "depth_exceeded"
	DenialCapabilityUnmatched  DenialReason = "capability_unmatched"
	DenialBudgetExhausted      DenialReason = "budget_exhausted"
	DenialWrongRoot            DenialReason = "wrong_root"
	DenialChainBroken          DenialReason = "chain_broken"
	// DenialCheckFailed and DenialPolicyDenied are specific to the
	// biscuit/Datalog backend; see VerifyError.Block/Check.
	DenialCheckFailed  DenialReason = "check_failed"
	DenialPolicyDenied DenialReason = "policy_denied"
)

// VerifyError wraps a DenialReason with optional block/check context.
// Callers distinguish denial kinds with errors.As(err, &verifyErr) and
// switch on Reason.
type VerifyError struct {
	Reason DenialReason
	Block  int // block index, -1 if not applicable
	Check  int // check index within the block (policy index for policy_denied), -1 if not applicable
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dct: denied: %s (block=%d check=%d)", e.Reason, e.Block, e.Check)
	}
	return fmt.Sprintf("dct: denied: %s (block=%d check=%d): %s", e.Reason, e.Block, e.Check, e.Detail)
}

// Deny builds a VerifyError with no block/check context.
func Deny(reason DenialReason, detail string) *VerifyError {
	return &VerifyError{Reason: reason, Block: -1, Check: -1, Detail: detail}
}

// DenyAt builds a VerifyError scoped to a specific block.
func DenyAt(reason DenialReason, block int, detail string) *VerifyError {
	return &VerifyError{Reason: reason, Block: block, Check: -1, Detail: detail}
}

// DenyCheck builds a check_failed VerifyError scoped to a block and check
// index, matching the biscuit backend's check_failed{block, index} shape.
func DenyCheck(block, check int, detail string) *VerifyError {
	return &VerifyError{Reason: DenialCheckFailed, Block: block, Check: check, Detail: detail}
}

// DenyPolicy builds a policy_denied VerifyError scoped to a policy index.
func DenyPolicy(index int, detail string) *VerifyError {
	return &VerifyError{Reason: DenialPolicyDenied, Block: -1, Check: index, Detail: detail}
}

// Backend is the common surface both DCT formats implement, a sum type
// realized as an interface plus a format tag. Callers construct one with
// NewBackend(format) and never branch on format themselves.
type Backend interface {
	CreateDCT(params CreateParams) (*SerializedDCT, error)
	AttenuateDCT(params AttenuateParams) (*SerializedDCT, error)
	VerifyDCT(token *SerializedDCT, ctx VerificationContext) (*AuthorizedScope, error)

	// DecodeToken unmarshals a backend-specific token payload out of raw
	// JSON bytes, so a SerializedDCT can round-trip through storage or a
	// transport layer and still satisfy CreateDCT/AttenuateDCT/VerifyDCT's
	// type assertions on Token, instead of arriving back as a generic
	// map[string]any.
	DecodeToken(raw []byte) (any, error)
}

// CreateParams constructs block 0 (the root) of a new DCT.
type CreateParams struct {
	Issuer              *IssuerKey
	Delegatee           string // principal ID
	DelegationID         string
	ContractID           string
	Capabilities         []model.Capability
	MaxBudgetMicrocents  int64
	MaxChainDepth        int
	ExpiresAt            time.Time
}

// AttenuateParams appends a new block, signed by the current last
// delegatee, narrowing or preserving (never widening) the prior block's
// authority.
type AttenuateParams struct {
	Token               *SerializedDCT
	Attenuator          *IssuerKey // must match the current last block's delegatee
	Delegatee           string
	DelegationID        string
	ContractID          string
	MaxBudgetMicrocents int64
	Capabilities        []model.Capability // nil inherits the prior block's set
	ExpiresAt           time.Time          // zero inherits the prior block's expiry
}

// IssuerKey is the minimal signing identity a backend needs: a private key
// and the principal ID it derives, so backends don't import pkg/crypto's
// Keypair type directly into their params structs.
type IssuerKey struct {
	PrivateKey ed25519.PrivateKey
	PrincipalID string
}
