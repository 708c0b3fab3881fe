// Copyright 2025 Certen Protocol

package biscuit

import (
	"errors"
	"testing"
	"time"

	"github.com/certen/independant-validator/pkg/crypto"
	"github.com/certen/independant-validator/pkg/dct"
	"github.com/certen/independant-validator/pkg/model"
)

func issuerKey(t *testing.T, name string) (*crypto.Keypair, *dct.IssuerKey) {
	t.Helper()
	kp, err := crypto.GenerateKeypair(name)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp, &dct.IssuerKey{PrivateKey: kp.PrivateKey, PrincipalID: kp.Principal.ID}
}

func buildHappyPathToken(t *testing.T, now time.Time) (*dct.SerializedDCT, *crypto.Keypair) {
	t.Helper()
	root, rootIssuer := issuerKey(t, "root")
	mid, midIssuer := issuerKey(t, "mid")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	caps := []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}}

	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           mid.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        caps,
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	attenuated, err := backend.AttenuateDCT(dct.AttenuateParams{
		Token:               created,
		Attenuator:          midIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000002",
		ContractID:          "ctr_1",
		MaxBudgetMicrocents: 50000,
	})
	if err != nil {
		t.Fatalf("attenuate dct: %v", err)
	}
	return attenuated, root
}

func TestS1HappyPath(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	scope, err := Backend{}.VerifyDCT(token, dct.VerificationContext{
		Resource:        "anything",
		Operation:       "read",
		Now:             now,
		SpentMicrocents: 0,
		RootPublicKey:   root.Principal.PublicKey,
	})
	if err != nil {
		t.Fatalf("expected verification to succeed, got %v", err)
	}
	if scope.RemainingBudgetMicrocents != 50000 {
		t.Fatalf("expected remaining budget 50000, got %d", scope.RemainingBudgetMicrocents)
	}
}

func TestS2Expired(t *testing.T) {
	now := time.Now().UTC()
	root, rootIssuer := issuerKey(t, "root")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	_, err = backend.VerifyDCT(created, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialExpired)
}

func TestS3CapabilityMismatch(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	_, err := Backend{}.VerifyDCT(token, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "write",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialCapabilityUnmatched)
}

func TestS4BudgetExhausted(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	_, err := Backend{}.VerifyDCT(token, dct.VerificationContext{
		Resource:        "anything",
		Operation:       "read",
		Now:             now,
		SpentMicrocents: 50001,
		RootPublicKey:   root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialBudgetExhausted)
}

func TestS5ChainWidenedRejectedAtAttenuation(t *testing.T) {
	now := time.Now().UTC()
	_, rootIssuer := issuerKey(t, "root")
	mid, midIssuer := issuerKey(t, "mid")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           mid.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	_, err = backend.AttenuateDCT(dct.AttenuateParams{
		Token:               created,
		Attenuator:          midIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000002",
		ContractID:          "ctr_1",
		MaxBudgetMicrocents: 200000,
	})
	if err == nil {
		t.Fatalf("expected attenuation widening the budget to be refused")
	}
	var verifyErr *dct.VerifyError
	if !errors.As(err, &verifyErr) || verifyErr.Reason != dct.DenialBudgetExhausted {
		t.Fatalf("expected budget_exhausted denial, got %v", err)
	}
}

func TestS6Revocation(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	tok, err := asToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	lastBlock := tok.Blocks[len(tok.Blocks)-1]

	revoked := fakeRevocationList{lastBlock.RevocationID}
	_, err = VerifyDCTWithRevocation(token, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	}, revoked)
	assertDenial(t, err, dct.DenialRevoked)
}

func TestS7WrongRoot(t *testing.T) {
	now := time.Now().UTC()
	token, _ := buildHappyPathToken(t, now)

	evilRoot, _ := issuerKey(t, "evil-root")
	_, err := Backend{}.VerifyDCT(token, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: evilRoot.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialWrongRoot)
}

func TestS8BadSignature(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	tok, err := asToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	tok.Blocks[0].Signature = flipSignatureByte(t, tok.Blocks[0].Signature)
	tampered := &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: tok}

	_, err = Backend{}.VerifyDCT(tampered, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialBadSignature)
}

func TestS9ChainBrokenIssuerLinkage(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	tok, err := asToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if len(tok.Blocks) < 2 {
		t.Fatalf("expected at least 2 blocks")
	}
	impostor, _ := issuerKey(t, "impostor")
	tok.Blocks[1].IssuerPublicKeyB64 = crypto.Base64URLEncode(impostor.Principal.PublicKey)
	tampered := &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: tok}

	_, err = Backend{}.VerifyDCT(tampered, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialChainBroken)
}

func TestS10DepthExceeded(t *testing.T) {
	now := time.Now().UTC()
	root, rootIssuer := issuerKey(t, "root")
	mid, midIssuer := issuerKey(t, "mid")
	leaf, leafIssuer := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           mid.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       1,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	attenuated, err := backend.AttenuateDCT(dct.AttenuateParams{
		Token:               created,
		Attenuator:          midIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000002",
		ContractID:          "ctr_1",
		MaxBudgetMicrocents: 100000,
	})
	if err != nil {
		t.Fatalf("attenuate dct: %v", err)
	}

	// A third block would exceed maxChainDepth=1; AttenuateDCT itself would
	// refuse this, so forge it directly to exercise VerifyDCT's own check.
	tok, err := asToken(attenuated)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	prev := tok.Blocks[len(tok.Blocks)-1]
	leaf2, _ := issuerKey(t, "leaf2")
	next := Block{
		DelegationID:        "del_000000000003",
		ContractID:          prev.ContractID,
		ParentDelegationID:  prev.DelegationID,
		DelegateeID:         leaf2.Principal.ID,
		ChainDepth:           prev.ChainDepth + 1,
		MaxChainDepth:        prev.MaxChainDepth,
		MaxBudgetMicrocents:  prev.MaxBudgetMicrocents,
		ExpiresAt:            prev.ExpiresAt,
		RevocationID:         "rev_forged",
		IssuerPublicKeyB64:   crypto.Base64URLEncode(leaf.Principal.PublicKey),
		Facts:                prev.Facts,
	}
	sig, err := crypto.SignObject(leafIssuer.PrivateKey, next.signingView())
	if err != nil {
		t.Fatalf("sign forged block: %v", err)
	}
	next.Signature = sig

	blocks := append(append([]Block{}, tok.Blocks...), next)
	tampered := &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: Token{Blocks: blocks}}

	_, err = backend.VerifyDCT(tampered, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialDepthExceeded)
}

func TestS11Malformed(t *testing.T) {
	now := time.Now().UTC()
	root, _ := issuerKey(t, "root")

	empty := &dct.SerializedDCT{Format: dct.FormatBiscuit, Token: Token{Blocks: nil}}
	_, err := Backend{}.VerifyDCT(empty, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialMalformed)
}

func flipSignatureByte(t *testing.T, sig string) string {
	t.Helper()
	raw, err := crypto.Base64URLDecode(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	raw[0] ^= 0xFF
	return crypto.Base64URLEncode(raw)
}

func TestCheckFailureDenies(t *testing.T) {
	now := time.Now().UTC()
	root, rootIssuer := issuerKey(t, "root")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	tok, err := asToken(created)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	tok.Blocks[0].Checks = []Check{
		{Queries: []Query{{Body: []Atom{{Name: "spent", Terms: []string{"$s"}}}, Constraints: []Constraint{{Op: OpLessThan, Left: "$s", Right: "1000"}}}}},
	}
	resigned := reSign(t, rootIssuer, tok.Blocks[0])
	tok.Blocks[0] = resigned
	created.Token = tok

	_, err = backend.VerifyDCT(created, dct.VerificationContext{
		Resource:        "anything",
		Operation:       "read",
		Now:             now,
		SpentMicrocents: 5000,
		RootPublicKey:   root.Principal.PublicKey,
	})
	var verifyErr *dct.VerifyError
	if !errors.As(err, &verifyErr) || verifyErr.Reason != dct.DenialCheckFailed {
		t.Fatalf("expected check_failed denial for spent >= 1000, got %v", err)
	}
}

func TestPolicyExplicitDenyDenies(t *testing.T) {
	now := time.Now().UTC()
	root, rootIssuer := issuerKey(t, "root")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	tok, err := asToken(created)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	tok.Blocks[0].Policies = []Policy{
		{Effect: PolicyDeny, Query: Query{Body: []Atom{{Name: "operation", Terms: []string{"$op"}}}}},
	}
	tok.Blocks[0] = reSign(t, rootIssuer, tok.Blocks[0])
	created.Token = tok

	_, err = backend.VerifyDCT(created, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialPolicyDenied)
}

func TestPolicyDefaultDenyWhenNoneMatch(t *testing.T) {
	now := time.Now().UTC()
	root, rootIssuer := issuerKey(t, "root")
	leaf, _ := issuerKey(t, "leaf")

	backend := Backend{}
	created, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              rootIssuer,
		Delegatee:           leaf.Principal.ID,
		DelegationID:        "del_000000000001",
		ContractID:          "ctr_1",
		Capabilities:        []model.Capability{{Namespace: "test", Action: "read", Resource: "**"}},
		MaxBudgetMicrocents: 100000,
		MaxChainDepth:       5,
		ExpiresAt:           now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create dct: %v", err)
	}

	tok, err := asToken(created)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	// An allow policy declared but never satisfiable: the query names a fact
	// that never appears in the evaluated set.
	tok.Blocks[0].Policies = []Policy{
		{Effect: PolicyAllow, Query: Query{Body: []Atom{{Name: "never_present", Terms: []string{"$x"}}}}},
	}
	tok.Blocks[0] = reSign(t, rootIssuer, tok.Blocks[0])
	created.Token = tok

	_, err = backend.VerifyDCT(created, dct.VerificationContext{
		Resource:      "anything",
		Operation:     "read",
		Now:           now,
		RootPublicKey: root.Principal.PublicKey,
	})
	assertDenial(t, err, dct.DenialPolicyDenied)
}

func TestPolicyNoneConfiguredAllows(t *testing.T) {
	now := time.Now().UTC()
	token, root := buildHappyPathToken(t, now)

	tok, err := asToken(token)
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	for _, b := range tok.Blocks {
		if len(b.Policies) != 0 {
			t.Fatalf("expected no policies configured on a freshly built token")
		}
	}

	_, err = Backend{}.VerifyDCT(token, dct.VerificationContext{
		Resource:        "anything",
		Operation:       "read",
		Now:             now,
		SpentMicrocents: 0,
		RootPublicKey:   root.Principal.PublicKey,
	})
	if err != nil {
		t.Fatalf("expected a token with no policies anywhere to verify, got %v", err)
	}
}

func reSign(t *testing.T, signer *dct.IssuerKey, b Block) Block {
	t.Helper()
	sig, err := crypto.SignObject(signer.PrivateKey, b.signingView())
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}
	b.Signature = sig
	return b
}

type fakeRevocationList []string

func (f fakeRevocationList) IsRevoked(id string) bool {
	for _, r := range f {
		if r == id {
			return true
		}
	}
	return false
}

func assertDenial(t *testing.T, err error, want dct.DenialReason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected denial %s, got nil error", want)
	}
	var verifyErr *dct.VerifyError
	if !errors.As(err, &verifyErr) {
		t.Fatalf("expected a *dct.VerifyError, got %T: %v", err, err)
	}
	if verifyErr.Reason != want {
		t.Fatalf("expected denial %s, got %s", want, verifyErr.Reason)
	}
}
