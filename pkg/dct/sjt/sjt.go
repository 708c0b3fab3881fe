// Copyright 2025 Certen Protocol
//
// Signed-JSON token (SJT) backend: a DCT is an ordered list of blocks,
// block 0 signed by the issuer, each following block an attenuation signed
// by the previous block's delegatee.

package sjt

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/certen/independant-validator/pkg/crypto"
	"github.com/certen/independant-validator/pkg/dct"
	"github.com/certen/independant-validator/pkg/model"
)

func init() {
	dct.Register(dct.FormatSJT, func() dct.Backend { return &Backend{} })
}

// Block is one signed step in an SJT chain. Signature covers the canonical
// JSON of the block with only Signature elided, so the issuer public key is
// signed over too; verification additionally pins it to the previous
// block's delegatee (or, for block 0, to the trusted root key).
type Block struct {
	DelegationID        string              `json:"delegationId"`
	ContractID          string              `json:"contractId"`
	ParentDelegationID  string              `json:"parentDelegationId"`
	DelegateeID         string              `json:"delegatee"`
	Capabilities        []model.Capability  `json:"capabilities"`
	MaxBudgetMicrocents int64               `json:"maxBudgetMicrocents"`
	ChainDepth          int                 `json:"chainDepth"`
	MaxChainDepth       int                 `json:"maxChainDepth"`
	ExpiresAt           time.Time           `json:"expiresAt"`
	RevocationID        string              `json:"revocationId"`
	IssuerPublicKeyB64  string              `json:"issuerPublicKey"`
	Signature           string              `json:"signature,omitempty"`
}

func (b Block) signingView() Block {
	b.Signature = ""
	return b
}

// Token is the SJT payload: an ordered list of blocks, block 0 first.
type Token struct {
	Blocks []Block `json:"blocks"`
}

// Backend implements dct.Backend for the sjt format.
type Backend struct{}

// DecodeToken unmarshals raw into a Token, letting a SerializedDCT survive
// a round trip through JSON storage or transport.
func (Backend) DecodeToken(raw []byte) (any, error) {
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("sjt: decode token: %w", err)
	}
	return t, nil
}

// CreateDCT constructs and signs block 0.
func (Backend) CreateDCT(p dct.CreateParams) (*dct.SerializedDCT, error) {
	block := Block{
		DelegationID:        p.DelegationID,
		ContractID:          p.ContractID,
		ParentDelegationID:  "del_000000000000",
		DelegateeID:         p.Delegatee,
		Capabilities:        p.Capabilities,
		MaxBudgetMicrocents: p.MaxBudgetMicrocents,
		ChainDepth:          0,
		MaxChainDepth:       p.MaxChainDepth,
		ExpiresAt:           p.ExpiresAt.UTC(),
		RevocationID:        "rev_" + uuid.NewString(),
		IssuerPublicKeyB64:  crypto.Base64URLEncode(p.Issuer.PrivateKey.Public().(ed25519.PublicKey)),
	}
	sig, err := crypto.SignObject(p.Issuer.PrivateKey, block.signingView())
	if err != nil {
		return nil, fmt.Errorf("sjt: sign root block: %w", err)
	}
	block.Signature = sig

	return &dct.SerializedDCT{Format: dct.FormatSJT, Token: Token{Blocks: []Block{block}}}, nil
}

// AttenuateDCT checks that the attenuator is the current last block's
// delegatee and verifies that block's signature under the key of its own
// issuer, then appends a new block, signed by the attenuator, narrowing (never
// widening) its authority. This backend rejects widening at attenuation
// time rather than deferring the failure to verification.
func (Backend) AttenuateDCT(p dct.AttenuateParams) (*dct.SerializedDCT, error) {
	tok, err := asToken(p.Token)
	if err != nil {
		return nil, err
	}
	if len(tok.Blocks) == 0 {
		return nil, dct.Deny(dct.DenialMalformed, "token has no blocks")
	}
	prev := tok.Blocks[len(tok.Blocks)-1]

	attenuatorPub, err := crypto.PublicKeyFromPrincipalID(prev.DelegateeID)
	if err != nil {
		return nil, fmt.Errorf("sjt: decode prior delegatee public key: %w", err)
	}
	if p.Attenuator.PrincipalID != prev.DelegateeID {
		return nil, dct.Deny(dct.DenialBadSignature, "attenuator is not the prior block's delegatee")
	}
	prevIssuerPub, err := crypto.Base64URLDecode(prev.IssuerPublicKeyB64)
	if err != nil {
		return nil, dct.DenyAt(dct.DenialMalformed, len(tok.Blocks)-1, "prior block issuer public key is not valid base64url")
	}
	ok, err := crypto.VerifyObjectSignature(ed25519.PublicKey(prevIssuerPub), prev.signingView(), prev.Signature)
	if err != nil {
		return nil, fmt.Errorf("sjt: verify prior block signature: %w", err)
	}
	if !ok {
		return nil, dct.DenyAt(dct.DenialBadSignature, len(tok.Blocks)-1, "prior block signature invalid")
	}

	budget := p.MaxBudgetMicrocents
	if budget > prev.MaxBudgetMicrocents {
		return nil, dct.Deny(dct.DenialBudgetExhausted, "attenuation may not raise the budget above the prior block's")
	}

	expiresAt := prev.ExpiresAt
	if !p.ExpiresAt.IsZero() {
		if p.ExpiresAt.After(prev.ExpiresAt) {
			return nil, dct.Deny(dct.DenialExpired, "attenuation may not extend expiration beyond the prior block's")
		}
		expiresAt = p.ExpiresAt.UTC()
	}

	caps := prev.Capabilities
	if p.Capabilities != nil {
		if !model.IsSubset(p.Capabilities, prev.Capabilities) {
			return nil, dct.Deny(dct.DenialCapabilityUnmatched, "attenuation may not widen the capability set")
		}
		caps = p.Capabilities
	}

	depth := prev.ChainDepth + 1
	if depth > prev.MaxChainDepth {
		return nil, dct.Deny(dct.DenialDepthExceeded, "attenuation would exceed maxChainDepth")
	}

	next := Block{
		DelegationID:        p.DelegationID,
		ContractID:          p.ContractID,
		ParentDelegationID:  prev.DelegationID,
		DelegateeID:         p.Delegatee,
		Capabilities:        caps,
		MaxBudgetMicrocents: budget,
		ChainDepth:          depth,
		MaxChainDepth:       prev.MaxChainDepth,
		ExpiresAt:           expiresAt,
		RevocationID:        "rev_" + uuid.NewString(),
		IssuerPublicKeyB64:  crypto.Base64URLEncode(attenuatorPub),
	}
	sig, err := crypto.SignObject(p.Attenuator.PrivateKey, next.signingView())
	if err != nil {
		return nil, fmt.Errorf("sjt: sign attenuated block: %w", err)
	}
	next.Signature = sig

	blocks := make([]Block, len(tok.Blocks), len(tok.Blocks)+1)
	copy(blocks, tok.Blocks)
	blocks = append(blocks, next)
	return &dct.SerializedDCT{Format: dct.FormatSJT, Token: Token{Blocks: blocks}}, nil
}

// VerifyDCT walks the chain in a fixed denial order: malformed, root
// pinning (wrong_root), signatures and issuer linkage, per-block
// monotonicity (depth, budget, expiry, capabilities), expiry, revocation,
// capability, budget.
func (Backend) VerifyDCT(token *dct.SerializedDCT, ctx dct.VerificationContext) (*dct.AuthorizedScope, error) {
	return VerifyDCTWithRevocation(token, ctx, nil)
}

// RevocationChecker reports whether a revocationId has been revoked. The
// SJT backend takes this as an explicit dependency rather than importing
// pkg/revocation directly, so it stays usable against any revocation
// source (including none, in tests).
type RevocationChecker interface {
	IsRevoked(id string) bool
}

// VerifyDCTWithRevocation is VerifyDCT plus an explicit revocation source;
// checker may be nil to skip the revocation check (callers that have
// already filtered revoked tokens upstream).
func VerifyDCTWithRevocation(token *dct.SerializedDCT, ctx dct.VerificationContext, checker RevocationChecker) (*dct.AuthorizedScope, error) {
	tok, err := asToken(token)
	if err != nil {
		return nil, err
	}
	if len(tok.Blocks) == 0 {
		return nil, dct.Deny(dct.DenialMalformed, "token has no blocks")
	}
	blocks := tok.Blocks

	// 1. root public key pinning.
	rootPub, err := crypto.Base64URLDecode(blocks[0].IssuerPublicKeyB64)
	if err != nil {
		return nil, dct.Deny(dct.DenialMalformed, "root block issuer public key is not valid base64url")
	}
	if ctx.RootPublicKey == nil || string(rootPub) != string(ctx.RootPublicKey) {
		return nil, dct.Deny(dct.DenialWrongRoot, "root block issuer does not match the trusted root public key")
	}

	// verify block 0's own signature under its declared issuer key.
	ok, err := crypto.VerifyObjectSignature(ed25519.PublicKey(rootPub), blocks[0].signingView(), blocks[0].Signature)
	if err != nil {
		return nil, fmt.Errorf("sjt: verify root signature: %w", err)
	}
	if !ok {
		return nil, dct.DenyAt(dct.DenialBadSignature, 0, "root block signature invalid")
	}

	// 2. chain linkage and signatures.
	for i := 0; i < len(blocks)-1; i++ {
		cur, next := blocks[i], blocks[i+1]

		nextIssuerPub, err := crypto.PublicKeyFromPrincipalID(cur.DelegateeID)
		if err != nil {
			return nil, dct.DenyAt(dct.DenialMalformed, i+1, "delegatee is not a valid principal id")
		}
		if next.IssuerPublicKeyB64 != crypto.Base64URLEncode(nextIssuerPub) {
			return nil, dct.DenyAt(dct.DenialChainBroken, i+1, "issuer public key does not match prior delegatee")
		}
		valid, err := crypto.VerifyObjectSignature(nextIssuerPub, next.signingView(), next.Signature)
		if err != nil {
			return nil, fmt.Errorf("sjt: verify block %d signature: %w", i+1, err)
		}
		if !valid {
			return nil, dct.DenyAt(dct.DenialBadSignature, i+1, "block signature invalid")
		}
		if next.ContractID != cur.ContractID {
			return nil, dct.DenyAt(dct.DenialChainBroken, i+1, "contractId changed mid-chain")
		}
	}

	// 3. monotonicity invariants.
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		if b.ChainDepth != i {
			return nil, dct.DenyAt(dct.DenialDepthExceeded, i, "chainDepth is not strictly monotone from root")
		}
		if b.ChainDepth > b.MaxChainDepth {
			return nil, dct.DenyAt(dct.DenialDepthExceeded, i, "chainDepth exceeds maxChainDepth")
		}
		if i > 0 {
			prev := blocks[i-1]
			if b.MaxChainDepth > prev.MaxChainDepth {
				return nil, dct.DenyAt(dct.DenialDepthExceeded, i, "maxChainDepth increased mid-chain")
			}
			if b.MaxBudgetMicrocents > prev.MaxBudgetMicrocents {
				return nil, dct.DenyAt(dct.DenialBudgetExhausted, i, "maxBudgetMicrocents increased mid-chain")
			}
			if b.ExpiresAt.After(prev.ExpiresAt) {
				return nil, dct.DenyAt(dct.DenialExpired, i, "expiresAt extended mid-chain")
			}
			if !model.IsSubset(b.Capabilities, prev.Capabilities) {
				return nil, dct.DenyAt(dct.DenialCapabilityUnmatched, i, "capabilities widened mid-chain")
			}
		}
	}

	last := blocks[len(blocks)-1]

	// 4. expiration.
	if !ctx.Now.Before(last.ExpiresAt) {
		return nil, dct.Deny(dct.DenialExpired, "last block has expired")
	}

	// 5. revocation, any block in the chain.
	if checker != nil {
		for i, b := range blocks {
			if checker.IsRevoked(b.RevocationID) {
				return nil, dct.DenyAt(dct.DenialRevoked, i, "block revocationId present in revocation list")
			}
		}
	}

	// 6. capability match.
	if !model.CapabilitySetMatchesOperation(last.Capabilities, ctx.Operation, ctx.Resource) {
		return nil, dct.Deny(dct.DenialCapabilityUnmatched, "no capability in the last block authorizes the request")
	}

	// 7. budget.
	if ctx.SpentMicrocents > last.MaxBudgetMicrocents {
		return nil, dct.Deny(dct.DenialBudgetExhausted, "spent exceeds the last block's budget")
	}

	return &dct.AuthorizedScope{
		DelegationID:              last.DelegationID,
		ContractID:                last.ContractID,
		DelegateeID:               last.DelegateeID,
		Capabilities:              last.Capabilities,
		RemainingBudgetMicrocents: last.MaxBudgetMicrocents - ctx.SpentMicrocents,
		ChainDepth:                last.ChainDepth,
	}, nil
}

func asToken(sd *dct.SerializedDCT) (Token, error) {
	if sd == nil {
		return Token{}, dct.Deny(dct.DenialMalformed, "nil serialized token")
	}
	if sd.Format != dct.FormatSJT {
		return Token{}, dct.Deny(dct.DenialMalformed, fmt.Sprintf("unexpected format %q for sjt backend", sd.Format))
	}
	switch t := sd.Token.(type) {
	case Token:
		return t, nil
	case *Token:
		return *t, nil
	default:
		return Token{}, dct.Deny(dct.DenialMalformed, "token payload is not an sjt.Token")
	}
}
