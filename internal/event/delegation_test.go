package event_test

import (
	"DelegateLedger/internal/event"
	"testing"
)

func TestAffected_NormalizesCase(t *testing.T) {
	evt := &event.DelegationChanged{
		FromDelegate: "0xAbCdEf0123456789abcdef0123456789ABCDEF01",
		ToDelegate:   "0x1111111111111111111111111111111111111111",
	}

	ids := evt.Affected()
	if len(ids) != 2 {
		t.Fatalf("expected 2 affected identifiers, got %d", len(ids))
	}
	if ids[0] != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("from not lower-cased: %s", ids[0])
	}
	if ids[1] != "0x1111111111111111111111111111111111111111" {
		t.Errorf("to changed unexpectedly: %s", ids[1])
	}
}

func TestAffected_SelfDelegationDedupes(t *testing.T) {
	evt := &event.DelegationChanged{
		FromDelegate: "0xABC0000000000000000000000000000000000001",
		ToDelegate:   "0xabc0000000000000000000000000000000000001",
	}

	ids := evt.Affected()
	if len(ids) != 1 {
		t.Fatalf("case-insensitive duplicates must collapse, got %v", ids)
	}
}

func TestIdempotencyKey_IncludesLogIndex(t *testing.T) {
	a := &event.DelegationChanged{TxHash: "0xdead", LogIndex: 0}
	b := &event.DelegationChanged{TxHash: "0xdead", LogIndex: 1}

	if a.IdempotencyKey() == b.IdempotencyKey() {
		t.Error("two logs in the same tx must have distinct keys")
	}
}

func TestNormalizeID_TrimsWhitespace(t *testing.T) {
	if got := event.NormalizeID("  0xAB  "); got != "0xab" {
		t.Errorf("got %q, want %q", got, "0xab")
	}
}
