// Copyright 2025 Certen Protocol
//
// dctctl: a local command-line tool exercising the delegated capability
// token lifecycle (keygen, issue, attenuate, verify, revoke) against
// files on disk. No network transport.

package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/certen/independant-validator/pkg/crypto"
	"github.com/certen/independant-validator/pkg/dct"
	_ "github.com/certen/independant-validator/pkg/dct/biscuit"
	_ "github.com/certen/independant-validator/pkg/dct/sjt"
	"github.com/certen/independant-validator/pkg/model"
	"github.com/certen/independant-validator/pkg/revocation"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "issue":
		err = runIssue(os.Args[2:])
	case "attenuate":
		err = runAttenuate(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "revoke":
		err = runRevoke(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dctctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dctctl <command> [flags]

commands:
  keygen     generate an Ed25519 keypair file
  issue      issue a root DCT from a contract
  attenuate  narrow an existing DCT into a new delegation
  verify     verify a DCT against an operation/resource context
  revoke     produce a signed revocation entry`)
}

// keyFile is the on-disk JSON representation of a Keypair.
type keyFile struct {
	PrincipalID string `json:"principalId"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	name := fs.String("name", "", "human-readable name for the principal")
	out := fs.String("out", "", "output path for the generated key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("keygen: -out is required")
	}

	kp, err := crypto.GenerateKeypair(*name)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	kf := keyFile{
		PrincipalID: kp.Principal.ID,
		PublicKey:   crypto.Base64URLEncode(kp.Principal.PublicKey),
		PrivateKey:  crypto.Base64URLEncode(kp.PrivateKey),
	}
	if err := writeJSON(*out, kf); err != nil {
		return err
	}
	fmt.Printf("generated principal %s -> %s\n", kp.Principal.ID, *out)
	return nil
}

func loadKey(path string) (*dct.IssuerKey, error) {
	var kf keyFile
	if err := readJSON(path, &kf); err != nil {
		return nil, err
	}
	priv, err := crypto.Base64URLDecode(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return &dct.IssuerKey{PrivateKey: ed25519.PrivateKey(priv), PrincipalID: kf.PrincipalID}, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	var kf keyFile
	if err := readJSON(path, &kf); err != nil {
		return nil, err
	}
	pub, err := crypto.Base64URLDecode(kf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return ed25519.PublicKey(pub), nil
}

// parseCapabilities parses a comma-separated "namespace:action:resource"
// list into model.Capability values.
func parseCapabilities(s string) ([]model.Capability, error) {
	if s == "" {
		return nil, errors.New("at least one capability is required")
	}
	var caps []model.Capability
	for _, part := range strings.Split(s, ",") {
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed capability %q, want namespace:action:resource", part)
		}
		caps = append(caps, model.Capability{Namespace: fields[0], Action: fields[1], Resource: fields[2]})
	}
	return caps, nil
}

func runIssue(args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	issuerKeyPath := fs.String("issuer-key", "", "path to the issuer's key file")
	format := fs.String("format", "sjt", "backend format: sjt or biscuit")
	delegatee := fs.String("delegatee", "", "delegatee principal ID")
	delegationID := fs.String("delegation-id", "", "delegation ID (del_...)")
	contractID := fs.String("contract-id", "", "contract ID (ctr_...)")
	capabilities := fs.String("capabilities", "", "comma-separated namespace:action:resource list")
	budget := fs.Int64("budget", 0, "max budget in microcents")
	depth := fs.Int("depth", 5, "max chain depth")
	ttl := fs.Duration("ttl", time.Hour, "time until expiry")
	out := fs.String("out", "", "output path for the serialized DCT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *issuerKeyPath == "" || *delegatee == "" || *delegationID == "" || *contractID == "" || *out == "" {
		return errors.New("issue: -issuer-key, -delegatee, -delegation-id, -contract-id, and -out are required")
	}

	issuer, err := loadKey(*issuerKeyPath)
	if err != nil {
		return err
	}
	caps, err := parseCapabilities(*capabilities)
	if err != nil {
		return err
	}
	backend, err := dct.NewBackend(dct.Format(*format))
	if err != nil {
		return err
	}

	token, err := backend.CreateDCT(dct.CreateParams{
		Issuer:              issuer,
		Delegatee:           *delegatee,
		DelegationID:        *delegationID,
		ContractID:          *contractID,
		Capabilities:        caps,
		MaxBudgetMicrocents: *budget,
		MaxChainDepth:       *depth,
		ExpiresAt:           time.Now().UTC().Add(*ttl),
	})
	if err != nil {
		return fmt.Errorf("create dct: %w", err)
	}
	if err := writeJSON(*out, token); err != nil {
		return err
	}
	fmt.Printf("issued %s DCT %s -> %s\n", *format, *delegationID, *out)
	return nil
}

func runAttenuate(args []string) error {
	fs := flag.NewFlagSet("attenuate", flag.ExitOnError)
	tokenPath := fs.String("token", "", "path to the parent serialized DCT")
	attenuatorKeyPath := fs.String("attenuator-key", "", "path to the attenuating principal's key file")
	delegatee := fs.String("delegatee", "", "delegatee principal ID")
	delegationID := fs.String("delegation-id", "", "delegation ID (del_...)")
	contractID := fs.String("contract-id", "", "contract ID (ctr_...)")
	capabilities := fs.String("capabilities", "", "comma-separated namespace:action:resource list, must be a subset of the parent's")
	budget := fs.Int64("budget", 0, "max budget in microcents, must not exceed the parent's")
	ttl := fs.Duration("ttl", time.Hour, "time until expiry, must not exceed the parent's")
	out := fs.String("out", "", "output path for the serialized DCT")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tokenPath == "" || *attenuatorKeyPath == "" || *delegatee == "" || *delegationID == "" || *contractID == "" || *out == "" {
		return errors.New("attenuate: -token, -attenuator-key, -delegatee, -delegation-id, -contract-id, and -out are required")
	}

	var token dct.SerializedDCT
	if err := readJSON(*tokenPath, &token); err != nil {
		return err
	}
	attenuator, err := loadKey(*attenuatorKeyPath)
	if err != nil {
		return err
	}
	caps, err := parseCapabilities(*capabilities)
	if err != nil {
		return err
	}
	backend, err := dct.NewBackend(token.Format)
	if err != nil {
		return err
	}

	attenuated, err := backend.AttenuateDCT(dct.AttenuateParams{
		Token:               &token,
		Attenuator:          attenuator,
		Delegatee:           *delegatee,
		DelegationID:        *delegationID,
		ContractID:          *contractID,
		MaxBudgetMicrocents: *budget,
		Capabilities:        caps,
		ExpiresAt:           time.Now().UTC().Add(*ttl),
	})
	if err != nil {
		return fmt.Errorf("attenuate dct: %w", err)
	}
	if err := writeJSON(*out, attenuated); err != nil {
		return err
	}
	fmt.Printf("attenuated to delegation %s -> %s\n", *delegationID, *out)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	tokenPath := fs.String("token", "", "path to the serialized DCT")
	rootKeyPath := fs.String("root-key", "", "path to the root issuer's key file (public key read from it)")
	operation := fs.String("operation", "", "requested operation")
	resource := fs.String("resource", "", "requested resource")
	spent := fs.Int64("spent", 0, "microcents already spent under this delegation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tokenPath == "" || *rootKeyPath == "" || *operation == "" || *resource == "" {
		return errors.New("verify: -token, -root-key, -operation, and -resource are required")
	}

	var token dct.SerializedDCT
	if err := readJSON(*tokenPath, &token); err != nil {
		return err
	}
	rootPub, err := loadPublicKey(*rootKeyPath)
	if err != nil {
		return err
	}
	backend, err := dct.NewBackend(token.Format)
	if err != nil {
		return err
	}

	scope, err := backend.VerifyDCT(&token, dct.VerificationContext{
		Operation:       *operation,
		Resource:        *resource,
		Now:             time.Now().UTC(),
		SpentMicrocents: *spent,
		RootPublicKey:   rootPub,
	})
	if err != nil {
		var verifyErr *dct.VerifyError
		if errors.As(err, &verifyErr) {
			fmt.Printf("denied: %s\n", verifyErr.Reason)
			os.Exit(1)
		}
		return err
	}
	fmt.Printf("authorized: remaining budget %d microcents, capabilities %v\n", scope.RemainingBudgetMicrocents, scope.Capabilities)
	return nil
}

func runRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	keyPath := fs.String("key", "", "path to the revoking principal's key file")
	revocationID := fs.String("revocation-id", "", "the block revocationId (rev_...) to revoke")
	scope := fs.String("scope", "block", "revocation scope: block or chain")
	out := fs.String("out", "", "output path for the signed revocation entry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keyPath == "" || *revocationID == "" || *out == "" {
		return errors.New("revoke: -key, -revocation-id, and -out are required")
	}

	var kf keyFile
	if err := readJSON(*keyPath, &kf); err != nil {
		return err
	}
	priv, err := crypto.Base64URLDecode(kf.PrivateKey)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}

	entry, err := revocation.Sign(ed25519.PrivateKey(priv), *revocationID, kf.PrincipalID, revocation.Scope(*scope), nil)
	if err != nil {
		return fmt.Errorf("sign revocation: %w", err)
	}
	if err := writeJSON(*out, entry); err != nil {
		return err
	}
	fmt.Printf("revoked %s (%s scope) -> %s\n", *revocationID, *scope, *out)
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
