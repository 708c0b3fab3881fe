// Copyright 2025 Certen Protocol
//
// Cryptographic primitives for the delegated capability token subsystem.
// Every signature in this repository is Ed25519 over the BLAKE2b-256 hash
// of an object's RFC 8785 canonical JSON form, with the object's own
// "signature" field elided before hashing.

package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Sizes fixed by the protocol.
const (
	PrivateKeySize = ed25519.PrivateKeySize // 64 (seed + public key, per crypto/ed25519)
	SeedSize       = ed25519.SeedSize       // 32
	PublicKeySize  = ed25519.PublicKeySize  // 32
	SignatureSize  = ed25519.SignatureSize  // 64
)

// Input errors are distinguishable from signature-mismatch failures:
// a wrong-size key or signature never reaches ed25519.Verify.
var (
	ErrInvalidSeedSize      = errors.New("crypto: private key seed must be exactly 32 bytes")
	ErrInvalidPublicKeySize = errors.New("crypto: public key must be exactly 32 bytes")
	ErrInvalidSignatureSize = errors.New("crypto: signature must be exactly 64 bytes")
)

// Principal identifies a signer by the base64url encoding (no padding) of
// its Ed25519 public key. It is the stable identifier used throughout the
// system: in contracts, delegations, DCT blocks, and attestations.
type Principal struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	PublicKey []byte `json:"-"`
}

// Keypair bundles a 64-byte Ed25519 private key with the principal it derives.
type Keypair struct {
	Principal  Principal
	PrivateKey ed25519.PrivateKey // 64-byte form: seed || public key
}

// GenerateKeypair creates a fresh Ed25519 keypair and derives its principal ID.
func GenerateKeypair(name string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return &Keypair{
		Principal: Principal{
			ID:        PrincipalID(pub),
			Name:      name,
			PublicKey: pub,
		},
		PrivateKey: priv,
	}, nil
}

// KeypairFromSeed deterministically derives a keypair from a 32-byte seed.
func KeypairFromSeed(name string, seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{
		Principal: Principal{
			ID:        PrincipalID(pub),
			Name:      name,
			PublicKey: pub,
		},
		PrivateKey: priv,
	}, nil
}

// PrincipalID derives the stable base64url(no padding) identifier for a
// 32-byte Ed25519 public key. Panics if pub is not exactly 32 bytes; this
// is programmer error, not a runtime verification failure.
func PrincipalID(pub ed25519.PublicKey) string {
	if len(pub) != PublicKeySize {
		panic(ErrInvalidPublicKeySize)
	}
	return base64.RawURLEncoding.EncodeToString(pub)
}

// PublicKeyFromPrincipalID decodes a principal ID back into a raw public key.
func PublicKeyFromPrincipalID(id string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode principal id: %w", err)
	}
	if len(raw) != PublicKeySize {
		return nil, ErrInvalidPublicKeySize
	}
	return ed25519.PublicKey(raw), nil
}

// Sign produces a 64-byte Ed25519 signature over msg. priv must be exactly
// 64 bytes (the standard library's seed||public-key form); anything else is
// a programmer error and panics.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	if len(priv) != PrivateKeySize {
		panic(ErrInvalidSeedSize)
	}
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature in constant time relative to
// valid-length inputs. A wrong-size public key or signature is reported as
// an input error, never silently folded into a "signature invalid" result.
func Verify(pub ed25519.PublicKey, msg, sig []byte) (bool, error) {
	if len(pub) != PublicKeySize {
		return false, ErrInvalidPublicKeySize
	}
	if len(sig) != SignatureSize {
		return false, ErrInvalidSignatureSize
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// Blake2b256 returns the 32-byte BLAKE2b-256 digest of data.
func Blake2b256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Base64URLEncode / Base64URLDecode are the fixed encodings used for keys,
// signatures, and the signObject/verifyObjectSignature composite below.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// SignObject signs the canonical JSON of value using priv, after hashing it
// with BLAKE2b-256. The resulting signature is base64url-encoded. Callers
// typically pass a copy of their struct with the "signature" field cleared.
func SignObject(priv ed25519.PrivateKey, value any) (string, error) {
	canon, err := Canonicalize(value)
	if err != nil {
		return "", fmt.Errorf("crypto: canonicalize for signing: %w", err)
	}
	digest := Blake2b256(canon)
	sig := Sign(priv, digest[:])
	return Base64URLEncode(sig), nil
}

// VerifyObjectSignature inverts SignObject: it re-canonicalizes value,
// re-hashes it, and checks sig (base64url-encoded) under pub.
func VerifyObjectSignature(pub ed25519.PublicKey, value any, sig string) (bool, error) {
	canon, err := Canonicalize(value)
	if err != nil {
		return false, fmt.Errorf("crypto: canonicalize for verification: %w", err)
	}
	digest := Blake2b256(canon)
	raw, err := Base64URLDecode(sig)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return Verify(pub, digest[:], raw)
}

// Canonicalize produces the RFC 8785 JSON Canonicalization Scheme (JCS)
// encoding of value: object keys sorted lexicographically at every level,
// no insignificant whitespace, numbers in their shortest round-trip form,
// strings escaped per the JSON grammar. value is first round-tripped
// through encoding/json to obtain a generic representation, then
// re-serialized deterministically.
func Canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal for canonicalization: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("crypto: decode for canonicalization: %w", err)
	}
	var buf []byte
	buf, err = appendCanonical(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
