package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func seedTrail(t *testing.T, store *MemoryStore, inst uuid.UUID, n int) {
	t.Helper()
	rec := testRecorder(store)
	for i := 0; i < n; i++ {
		if _, err := rec.Record(context.Background(), allowEntry(inst)); err != nil {
			t.Fatalf("seed record %d: %v", i, err)
		}
	}
}

func TestVerifyCleanChain(t *testing.T) {
	store := NewMemoryStore()
	inst := uuid.New()
	seedTrail(t, store, inst, 10)

	report, err := NewVerifier(store).Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected clean report, got findings %+v", report.Findings)
	}
	if report.Checked != 10 || report.LastSeq != 10 {
		t.Fatalf("checked=%d lastSeq=%d, want 10/10", report.Checked, report.LastSeq)
	}
}

func TestVerifyEmptyTrail(t *testing.T) {
	store := NewMemoryStore()

	report, err := NewVerifier(store).Verify(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Checked != 0 {
		t.Fatalf("expected empty clean report, got %+v", report)
	}
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	store := NewMemoryStore()
	inst := uuid.New()
	seedTrail(t, store, inst, 5)

	// Simulate an out-of-band delete of seq 3.
	store.mu.Lock()
	trail := store.records[inst]
	store.records[inst] = append(trail[:2:2], trail[3:]...)
	store.mu.Unlock()

	report, err := NewVerifier(store).Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("findings %+v, want exactly one", report.Findings)
	}
	f := report.Findings[0]
	if f.Kind != FindingGap || f.Seq != 4 {
		t.Fatalf("finding %+v, want sequence-gap at seq 4", f)
	}
}

func TestVerifyDetectsTamperedContents(t *testing.T) {
	store := NewMemoryStore()
	inst := uuid.New()
	seedTrail(t, store, inst, 5)

	// Rewrite a field without recomputing the hash, as a direct UPDATE would.
	store.mu.Lock()
	store.records[inst][2].Reason = "doctored"
	store.mu.Unlock()

	report, err := NewVerifier(store).Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("findings %+v, want exactly one", report.Findings)
	}
	f := report.Findings[0]
	if f.Kind != FindingHash || f.Seq != 3 {
		t.Fatalf("finding %+v, want hash-mismatch at seq 3", f)
	}
}

func TestVerifyDetectsRewrittenLink(t *testing.T) {
	store := NewMemoryStore()
	inst := uuid.New()
	seedTrail(t, store, inst, 5)

	// A smarter tamper recomputes the record's own hash. The successor's
	// prev_hash still exposes the break.
	store.mu.Lock()
	store.records[inst][2].Reason = "doctored"
	store.records[inst][2].EntryHash = ChainHash(store.records[inst][2].PrevHash, store.records[inst][2])
	store.mu.Unlock()

	report, err := NewVerifier(store).Verify(context.Background(), inst)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(report.Findings) != 1 {
		t.Fatalf("findings %+v, want exactly one", report.Findings)
	}
	f := report.Findings[0]
	if f.Kind != FindingHash || f.Seq != 4 {
		t.Fatalf("finding %+v, want hash-mismatch at seq 4", f)
	}
}

func TestChainHashIsDeterministic(t *testing.T) {
	inst := uuid.New()
	rec := Record{
		ID:            uuid.New(),
		InstitutionID: inst,
		Seq:           1,
		ActorID:       uuid.New(),
		Action:        "grade:submit",
		ResourceType:  "grade",
		Decision:      DecisionAllow,
		Reason:        "granted",
		Severity:      SeverityLow,
	}
	a := ChainHash(ZeroHash(), rec)
	b := ChainHash(ZeroHash(), rec)
	if len(a) != HashSize {
		t.Fatalf("hash size %d, want %d", len(a), HashSize)
	}
	if string(a) != string(b) {
		t.Fatal("same record hashed to different values")
	}

	rec.Reason = "explicit-deny"
	if c := ChainHash(ZeroHash(), rec); string(a) == string(c) {
		t.Fatal("changed record hashed to same value")
	}
}
