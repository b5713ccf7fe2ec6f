package smtpkit

import (
	"strings"
	"testing"
)

func TestSpoolStaysInMemoryBelowThreshold(t *testing.T) {
	s := NewSpool(64)
	if _, err := s.Write([]byte("small body")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.Spilled() {
		t.Fatal("spool spilled below threshold")
	}
	got, err := s.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(got) != "small body" {
		t.Fatalf("Bytes = %q", got)
	}
}

func TestSpoolSpillsToDisk(t *testing.T) {
	s := NewSpool(16)
	defer s.Discard()

	first := "0123456789"
	second := strings.Repeat("x", 20)
	if _, err := s.Write([]byte(first)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.Spilled() {
		t.Fatal("spilled too early")
	}
	if _, err := s.Write([]byte(second)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !s.Spilled() {
		t.Fatal("did not spill past threshold")
	}
	if s.Size() != int64(len(first)+len(second)) {
		t.Fatalf("Size = %d", s.Size())
	}

	got, err := s.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(got) != first+second {
		t.Fatalf("Bytes = %q", got)
	}
}

func TestSpoolDiscard(t *testing.T) {
	s := NewSpool(4)
	s.Write([]byte("beyond the threshold"))
	if !s.Spilled() {
		t.Fatal("expected spill")
	}
	if err := s.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if s.Spilled() {
		t.Fatal("still spilled after Discard")
	}
}

func TestSpoolZeroThresholdUnbounded(t *testing.T) {
	s := NewSpool(0)
	s.Write([]byte(strings.Repeat("y", 1<<16)))
	if s.Spilled() {
		t.Fatal("zero-threshold spool spilled")
	}
}

func TestTransactionLifecycle(t *testing.T) {
	txn := NewTransaction(Path{Mailbox: "a@b.example"}, nil)
	if txn.ID == "" {
		t.Fatal("no ID assigned")
	}
	if txn.CreatedAt.IsZero() {
		t.Fatal("no creation time")
	}
	txn.AddForwardPath(Path{Mailbox: "x@y.example"})
	txn.AddForwardPath(Path{Mailbox: "postmaster"})
	if txn.RecipientCount() != 2 {
		t.Fatalf("RecipientCount = %d", txn.RecipientCount())
	}
	txn.Discard()

	// Discard tolerates nil receivers, matching engine teardown paths.
	var nilTxn *Transaction
	nilTxn.Discard()
}

func TestTransactionIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		txn := NewTransaction(Path{}, nil)
		if seen[txn.ID] {
			t.Fatalf("duplicate ID %s", txn.ID)
		}
		seen[txn.ID] = true
	}
}
