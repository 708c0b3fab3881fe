// Copyright 2025 Certen Protocol
//
// Datalog ("biscuit") DCT backend: each block carries facts, rules, checks,
// and policies rather than a flat capability list. Capability matching is
// realized as a Datalog rule over capability() facts instead of
// special-cased Go.

package biscuit

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/certen/independant-validator/pkg/crypto"
	"github.com/certen/independant-validator/pkg/dct"
	"github.com/certen/independant-validator/pkg/model"
)

func init() {
	dct.Register(dct.FormatBiscuit, func() dct.Backend { return &Backend{} })
}

// Block is one signed step in a biscuit chain. Signature covers the
// canonical JSON of the block with Signature elided, identically to the
// SJT backend's convention.
type Block struct {
	DelegationID        string    `json:"delegationId"`
	ContractID          string    `json:"contractId"`
	ParentDelegationID  string    `json:"parentDelegationId"`
	DelegateeID         string    `json:"delegatee"`
	ChainDepth          int       `json:"chainDepth"`
	MaxChainDepth       int       `json:"maxChainDepth"`
	MaxBudgetMicrocents int64     `json:"maxBudgetMicrocents"`
	ExpiresAt           time.Time `json:"expiresAt"`
	RevocationID        string    `json:"revocationId"`
	IssuerPublicKeyB64  string    `json:"issuerPublicKey"`

	Facts    []Fact   `json:"facts"`
	Rules    []Rule   `json:"rules,omitempty"`
	Checks   []Check  `json:"checks,omitempty"`
	Policies []Policy `json:"policies,omitempty"`

	Signature string `json:"signature,omitempty"`
}

func (b Block) signingView() Block {
	b.Signature = ""
	return b
}

// Token is the biscuit payload: an ordered list of blocks, block 0 first.
type Token struct {
	Blocks []Block `json:"blocks"`
}

// Backend implements dct.Backend for the biscuit format.
type Backend struct{}

// DecodeToken unmarshals raw into a Token, letting a SerializedDCT survive
// a round trip through JSON storage or transport.
func (Backend) DecodeToken(raw []byte) (any, error) {
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("biscuit: decode token: %w", err)
	}
	return t, nil
}

// capabilityFacts converts a capability list into capability(ns, act, res)
// ground atoms, the representation every block's authorization facts use.
func capabilityFacts(caps []model.Capability) []Fact {
	facts := make([]Fact, len(caps))
	for i, c := range caps {
		facts[i] = Fact{Name: "capability", Terms: []string{c.Namespace, c.Action, c.Resource}}
	}
	return facts
}

// factsToCapabilities inverts capabilityFacts, for the procedural
// monotonicity checks (subset, never-widens) shared with the SJT backend's
// approach to attenuation.
func factsToCapabilities(facts []Fact) []model.Capability {
	var caps []model.Capability
	for _, f := range facts {
		if f.Name != "capability" || len(f.Terms) != 3 {
			continue
		}
		caps = append(caps, model.Capability{Namespace: f.Terms[0], Action: f.Terms[1], Resource: f.Terms[2]})
	}
	return caps
}

// CreateDCT constructs and signs block 0, seeding its fact set with one
// capability() fact per granted capability.
func (Backend) CreateDCT(p dct.CreateParams) (*dct.SerializedDCT, error) {
	block := Block{
		DelegationID:        p.DelegationID,
		ContractID:          p.ContractID,
		ParentDelegationID:  "del_000000000000",
		DelegateeID:         p.Delegatee,
		ChainDepth:          0,
		MaxChainDepth:       p.MaxChainDepth,
		MaxBudgetMicrocents: p.MaxBudgetMicrocents,
		ExpiresAt:           p.ExpiresAt.UTC(),
		RevocationID:        "rev_" + uuid.NewString(),
		IssuerPublicKeyB64:  crypto.Base64URLEncode(p.Issuer.PrivateKey.Public().(ed25519.PublicKey)),
		Facts:               capabilityFacts(p.Capabilities),
	}
	sig, err := crypto.SignObject(p.Issuer.PrivateKey, block.signingView())
	if err != nil {
		return nil, fmt.Errorf("biscuit: sign root block: %w", err)
	}
	block.Signature = sig

	return &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: Token{Blocks: []Block{block}}}, nil
}

// AttenuateDCT appends a new block, narrowing or preserving the prior
// block's authority. As with the SJT backend, widening is rejected at
// attenuation time rather than deferred to verification.
func (Backend) AttenuateDCT(p dct.AttenuateParams) (*dct.SerializedDCT, error) {
	tok, err := asToken(p.Token)
	if err != nil {
		return nil, err
	}
	if len(tok.Blocks) == 0 {
		return nil, dct.Deny(dct.DenialMalformed, "token has no blocks")
	}
	prev := tok.Blocks[len(tok.Blocks)-1]

	if p.Attenuator.PrincipalID != prev.DelegateeID {
		return nil, dct.Deny(dct.DenialBadSignature, "attenuator is not the prior block's delegatee")
	}
	attenuatorPub, err := crypto.PublicKeyFromPrincipalID(prev.DelegateeID)
	if err != nil {
		return nil, fmt.Errorf("biscuit: decode prior delegatee public key: %w", err)
	}
	prevIssuerPub, err := crypto.Base64URLDecode(prev.IssuerPublicKeyB64)
	if err != nil {
		return nil, dct.DenyAt(dct.DenialMalformed, len(tok.Blocks)-1, "prior block issuer public key is not valid base64url")
	}
	ok, err := crypto.VerifyObjectSignature(ed25519.PublicKey(prevIssuerPub), prev.signingView(), prev.Signature)
	if err != nil {
		return nil, fmt.Errorf("biscuit: verify prior block signature: %w", err)
	}
	if !ok {
		return nil, dct.DenyAt(dct.DenialBadSignature, len(tok.Blocks)-1, "prior block signature invalid")
	}

	if p.MaxBudgetMicrocents > prev.MaxBudgetMicrocents {
		return nil, dct.Deny(dct.DenialBudgetExhausted, "attenuation may not raise the budget above the prior block's")
	}

	expiresAt := prev.ExpiresAt
	if !p.ExpiresAt.IsZero() {
		if p.ExpiresAt.After(prev.ExpiresAt) {
			return nil, dct.Deny(dct.DenialExpired, "attenuation may not extend expiration beyond the prior block's")
		}
		expiresAt = p.ExpiresAt.UTC()
	}

	prevCaps := factsToCapabilities(prev.Facts)
	newFacts := prev.Facts
	if p.Capabilities != nil {
		if !model.IsSubset(p.Capabilities, prevCaps) {
			return nil, dct.Deny(dct.DenialCapabilityUnmatched, "attenuation may not widen the capability set")
		}
		newFacts = capabilityFacts(p.Capabilities)
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
		ChainDepth:          depth,
		MaxChainDepth:       prev.MaxChainDepth,
		MaxBudgetMicrocents: p.MaxBudgetMicrocents,
		ExpiresAt:           expiresAt,
		RevocationID:        "rev_" + uuid.NewString(),
		IssuerPublicKeyB64:  crypto.Base64URLEncode(attenuatorPub),
		Facts:               newFacts,
	}
	sig, err := crypto.SignObject(p.Attenuator.PrivateKey, next.signingView())
	if err != nil {
		return nil, fmt.Errorf("biscuit: sign attenuated block: %w", err)
	}
	next.Signature = sig

	blocks := make([]Block, len(tok.Blocks), len(tok.Blocks)+1)
	copy(blocks, tok.Blocks)
	blocks = append(blocks, next)
	return &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: Token{Blocks: blocks}}, nil
}

// RevocationChecker reports whether a revocationId has been revoked,
// mirroring the sjt package's dependency-injected revocation source.
type RevocationChecker interface {
	IsRevoked(id string) bool
}

// VerifyDCT walks the chain in the same denial order as the SJT backend,
// then additionally evaluates the union of every block's facts, rules,
// checks, and policies via forward chaining before deciding capability
// match, checks, and policy outcome.
func (Backend) VerifyDCT(token *dct.SerializedDCT, ctx dct.VerificationContext) (*dct.AuthorizedScope, error) {
	return VerifyDCTWithRevocation(token, ctx, nil)
}

// VerifyDCTWithRevocation is VerifyDCT plus an explicit revocation source;
// checker may be nil to skip the revocation check.
func VerifyDCTWithRevocation(token *dct.SerializedDCT, ctx dct.VerificationContext, checker RevocationChecker) (*dct.AuthorizedScope, error) {
	tok, err := asToken(token)
	if err != nil {
		return nil, err
	}
	if len(tok.Blocks) == 0 {
		return nil, dct.Deny(dct.DenialMalformed, "token has no blocks")
	}
	blocks := tok.Blocks

	rootPub, err := crypto.Base64URLDecode(blocks[0].IssuerPublicKeyB64)
	if err != nil {
		return nil, dct.Deny(dct.DenialMalformed, "root block issuer public key is not valid base64url")
	}
	if ctx.RootPublicKey == nil || string(rootPub) != string(ctx.RootPublicKey) {
		return nil, dct.Deny(dct.DenialWrongRoot, "root block issuer does not match the trusted root public key")
	}

	ok, err := crypto.VerifyObjectSignature(ed25519.PublicKey(rootPub), blocks[0].signingView(), blocks[0].Signature)
	if err != nil {
		return nil, fmt.Errorf("biscuit: verify root signature: %w", err)
	}
	if !ok {
		return nil, dct.DenyAt(dct.DenialBadSignature, 0, "root block signature invalid")
	}

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
			return nil, fmt.Errorf("biscuit: verify block %d signature: %w", i+1, err)
		}
		if !valid {
			return nil, dct.DenyAt(dct.DenialBadSignature, i+1, "block signature invalid")
		}
		if next.ContractID != cur.ContractID {
			return nil, dct.DenyAt(dct.DenialChainBroken, i+1, "contractId changed mid-chain")
		}
	}

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
			if !model.IsSubset(factsToCapabilities(b.Facts), factsToCapabilities(prev.Facts)) {
				return nil, dct.DenyAt(dct.DenialCapabilityUnmatched, i, "capabilities widened mid-chain")
			}
		}
	}

	last := blocks[len(blocks)-1]

	if !ctx.Now.Before(last.ExpiresAt) {
		return nil, dct.Deny(dct.DenialExpired, "last block has expired")
	}

	if checker != nil {
		for i, b := range blocks {
			if checker.IsRevoked(b.RevocationID) {
				return nil, dct.DenyAt(dct.DenialRevoked, i, "block revocationId present in revocation list")
			}
		}
	}

	facts, rules := unionBlocks(blocks)
	facts = append(facts, authorizerFacts(ctx)...)

	derived, err := Evaluate(facts, append(rules, authorizedRule()))
	if err != nil {
		return nil, fmt.Errorf("biscuit: evaluate: %w", err)
	}

	if _, ok := derived["authorized()"]; !ok {
		return nil, dct.Deny(dct.DenialCapabilityUnmatched, "no capability fact authorizes the requested operation and resource")
	}

	if ctx.SpentMicrocents > last.MaxBudgetMicrocents {
		return nil, dct.Deny(dct.DenialBudgetExhausted, "spent exceeds the last block's budget")
	}

	if denial := runChecks(blocks, derived); denial != nil {
		return nil, denial
	}
	if denial := runPolicies(blocks, derived); denial != nil {
		return nil, denial
	}

	return &dct.AuthorizedScope{
		DelegationID:              last.DelegationID,
		ContractID:                last.ContractID,
		DelegateeID:               last.DelegateeID,
		Capabilities:              factsToCapabilities(last.Facts),
		RemainingBudgetMicrocents: last.MaxBudgetMicrocents - ctx.SpentMicrocents,
		ChainDepth:                last.ChainDepth,
	}, nil
}

// authorizerFacts derives the context facts every verification adds to the
// fact set: operation(op), resource(res), now(ts), spent(n), root(pubkey).
func authorizerFacts(ctx dct.VerificationContext) []Fact {
	return []Fact{
		{Name: "operation", Terms: []string{ctx.Operation}},
		{Name: "resource", Terms: []string{ctx.Resource}},
		{Name: "now", Terms: []string{strconv.FormatInt(ctx.Now.Unix(), 10)}},
		{Name: "spent", Terms: []string{strconv.FormatInt(ctx.SpentMicrocents, 10)}},
		{Name: "root", Terms: []string{crypto.Base64URLEncode(ctx.RootPublicKey)}},
	}
}

// authorizedRule is the built-in authorizer rule: it derives authorized()
// whenever some capability fact's action matches the
// requested operation and its resource matches (by wildcard or equality)
// the requested resource. Namespace is not constrained, mirroring the SJT
// backend: VerificationContext carries no namespace field to check it
// against.
func authorizedRule() Rule {
	return Rule{
		Head: Atom{Name: "authorized"},
		Query: Query{
			Body: []Atom{
				{Name: "capability", Terms: []string{"$ns", "$act", "$res"}},
				{Name: "operation", Terms: []string{"$act"}},
				{Name: "resource", Terms: []string{"$reqres"}},
			},
			Constraints: []Constraint{
				{Op: OpResourceMatch, Left: "$res", Right: "$reqres"},
			},
		},
	}
}

// unionBlocks flattens every block's facts and rules into one evaluation
// input: the fact set starts as the union of every block's declared facts.
func unionBlocks(blocks []Block) ([]Fact, []Rule) {
	var facts []Fact
	var rules []Rule
	for _, b := range blocks {
		facts = append(facts, b.Facts...)
		rules = append(rules, b.Rules...)
	}
	return facts, rules
}

// runChecks evaluates every block's checks in block order against the
// already-derived fact set; the first failing check returns a
// check_failed{block, index} denial.
func runChecks(blocks []Block, facts map[string]Fact) *dct.VerifyError {
	for bi, b := range blocks {
		for ci, check := range b.Checks {
			if !checkSatisfied(check, facts) {
				return dct.DenyCheck(bi, ci, "no query in the check was satisfied")
			}
		}
	}
	return nil
}

func checkSatisfied(c Check, facts map[string]Fact) bool {
	for _, q := range c.Queries {
		if Satisfiable(q, facts) {
			return true
		}
	}
	return false
}

// runPolicies evaluates every block's policies in block order, then policy
// order within a block; the first whose query is satisfiable decides. A
// matching deny denies; if policies are declared but none match, the
// documented default is also deny.
func runPolicies(blocks []Block, facts map[string]Fact) *dct.VerifyError {
	index := 0
	for _, b := range blocks {
		for _, policy := range b.Policies {
			if Satisfiable(policy.Query, facts) {
				if policy.Effect == PolicyDeny {
					return dct.DenyPolicy(index, "policy explicitly denied")
				}
				return nil
			}
			index++
		}
	}
	if index == 0 {
		return nil // no policies declared anywhere: nothing to deny on.
	}
	return dct.DenyPolicy(index, "no policy matched; default is deny")
}

func asToken(sd *dct.SerializedDCT) (Token, error) {
	if sd == nil {
		return Token{}, dct.Deny(dct.DenialMalformed, "nil serialized token")
	}
	if sd.Format != dct.FormatBiscuit {
		return Token{}, dct.Deny(dct.DenialMalformed, fmt.Sprintf("unexpected format %q for biscuit backend", sd.Format))
	}
	switch t := sd.Token.(type) {
	case Token:
		return t, nil
	case *Token:
		return *t, nil
	default:
		return Token{}, dct.Deny(dct.DenialMalformed, "token payload is not a biscuit.Token")
	}
}
