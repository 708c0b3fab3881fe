// Copyright 2025 Certen Protocol

package chainstore

import (
	"errors"
	"testing"
	"time"
)

func mkDelegation(id, parent, contract, from, to string, depth int) Delegation {
	now := time.Now().UTC()
	return Delegation{
		DelegationID:       id,
		ParentDelegationID: parent,
		ContractID:         contract,
		From:               from,
		To:                 to,
		Depth:              depth,
		Status:             StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPutGetChildren(t *testing.T) {
	s := NewStore()
	root := mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0)
	child := mkDelegation("del_child", "del_root", "c1", "mid", "leaf", 1)
	s.Put(root)
	s.Put(child)

	kids, err := s.GetChildren("del_root")
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if len(kids) != 1 || kids[0].DelegationID != "del_child" {
		t.Fatalf("expected one child del_child, got %+v", kids)
	}
}

func TestGetChainWalksToRoot(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0))
	s.Put(mkDelegation("del_mid", "del_root", "c1", "mid", "leaf", 1))
	s.Put(mkDelegation("del_leaf", "del_mid", "c1", "leaf", "worker", 2))

	chain, err := s.GetChain("del_leaf")
	if err != nil {
		t.Fatalf("get chain: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("expected 3 delegations in chain, got %d", len(chain))
	}
	if chain[0].DelegationID != "del_leaf" || chain[2].DelegationID != "del_root" {
		t.Fatalf("expected leaf-to-root order, got %v", chain)
	}
}

func TestGetChainDetectsCycle(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_a", "del_b", "c1", "x", "y", 1))
	s.Put(mkDelegation("del_b", "del_a", "c1", "y", "x", 1))

	_, err := s.GetChain("del_a")
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestGetChainDetectsMissingParent(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_orphan", "del_ghost", "c1", "x", "y", 1))

	_, err := s.GetChain("del_orphan")
	if !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}
}

func TestVerifyChainHappyPath(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0))
	s.Put(mkDelegation("del_mid", "del_root", "c1", "mid", "leaf", 1))

	if err := s.VerifyChain("del_mid"); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestVerifyChainDetectsBrokenLinkage(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0))
	// child's From doesn't match parent's To
	s.Put(mkDelegation("del_mid", "del_root", "c1", "someone-else", "leaf", 1))

	var viol *InvariantViolation
	err := s.VerifyChain("del_mid")
	if err == nil || !errors.As(err, &viol) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestVerifyChainDetectsDepthMismatch(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0))
	s.Put(mkDelegation("del_mid", "del_root", "c1", "mid", "leaf", 5))

	var viol *InvariantViolation
	if err := s.VerifyChain("del_mid"); err == nil || !errors.As(err, &viol) {
		t.Fatalf("expected InvariantViolation for depth mismatch, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := NewStore()
	s.Put(mkDelegation("del_root", RootSentinel, "c1", "issuer", "mid", 0))

	if err := s.UpdateStatus("del_root", StatusCompleted, "att_1"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	d, err := s.Get("del_root")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != StatusCompleted || d.AttestationID != "att_1" {
		t.Fatalf("expected completed status with attestation, got %+v", d)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := NewStore()
	if err := s.UpdateStatus("del_missing", StatusCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
