// Copyright 2025 Certen Protocol

package crypto

import (
	"testing"
)

type signable struct {
	A int    `json:"a"`
	B string `json:"b"`
}

func TestSignObjectRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair("alice")
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	obj := signable{A: 1, B: "hello"}
	sig, err := SignObject(kp.PrivateKey, obj)
	if err != nil {
		t.Fatalf("sign object: %v", err)
	}

	ok, err := VerifyObjectSignature(kp.Principal.PublicKey, obj, sig)
	if err != nil {
		t.Fatalf("verify object: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature")
	}

	mutated := signable{A: 2, B: "hello"}
	ok, err = VerifyObjectSignature(kp.Principal.PublicKey, mutated, sig)
	if err != nil {
		t.Fatalf("verify mutated object: %v", err)
	}
	if ok {
		t.Fatalf("expected mutated object to fail verification")
	}

	raw, _ := Base64URLDecode(sig)
	raw[0] ^= 0xFF
	ok, err = Verify(kp.Principal.PublicKey, mustDigest(t, obj), raw)
	if err != nil {
		t.Fatalf("verify tampered signature: %v", err)
	}
	if ok {
		t.Fatalf("expected tampered signature to fail verification")
	}
}

func mustDigest(t *testing.T, v any) []byte {
	t.Helper()
	canon, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	digest := Blake2b256(canon)
	return digest[:]
}

func TestCanonicalizeDeterministic(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": []any{1, 2, 3}}
	b := map[string]any{"c": []any{1, 2, 3}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("equal objects canonicalized differently: %q vs %q", ca, cb)
	}

	want := `{"a":2,"b":1,"c":[1,2,3]}`
	if string(ca) != want {
		t.Fatalf("canonical form mismatch: got %q want %q", ca, want)
	}
}

func TestCanonicalizeDistinguishesUnequalObjects(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"a": 2}

	ca, _ := Canonicalize(a)
	cb, _ := Canonicalize(b)
	if string(ca) == string(cb) {
		t.Fatalf("unequal objects canonicalized identically")
	}
}

func TestInvalidKeySizes(t *testing.T) {
	_, err := KeypairFromSeed("bob", make([]byte, 10))
	if err != ErrInvalidSeedSize {
		t.Fatalf("expected ErrInvalidSeedSize, got %v", err)
	}

	_, err = Verify(make([]byte, 10), []byte("msg"), make([]byte, SignatureSize))
	if err != ErrInvalidPublicKeySize {
		t.Fatalf("expected ErrInvalidPublicKeySize, got %v", err)
	}

	kp, _ := GenerateKeypair("carol")
	_, err = Verify(kp.Principal.PublicKey, []byte("msg"), make([]byte, 10))
	if err != ErrInvalidSignatureSize {
		t.Fatalf("expected ErrInvalidSignatureSize, got %v", err)
	}
}

func TestPrincipalIDLength(t *testing.T) {
	kp, err := GenerateKeypair("dave")
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if len(kp.Principal.ID) != 43 {
		t.Fatalf("expected 43-character principal id, got %d: %s", len(kp.Principal.ID), kp.Principal.ID)
	}

	pub, err := PublicKeyFromPrincipalID(kp.Principal.ID)
	if err != nil {
		t.Fatalf("decode principal id: %v", err)
	}
	if string(pub) != string(kp.Principal.PublicKey) {
		t.Fatalf("decoded public key mismatch")
	}
}
