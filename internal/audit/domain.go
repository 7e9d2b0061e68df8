// Package audit maintains the tamper-evident trail of authorization
// decisions and mutating actions. Records are append-only: every record
// carries a per-institution sequence number and a hash chained to its
// predecessor, so both gaps and edits are detectable after the fact.
package audit

import (
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/shared"
)

// Decision values stored on a record.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Severity levels derived from the recorded event.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Record is one immutable audit trail entry.
type Record struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Seq           int64
	ActorID       uuid.UUID
	Action        string
	ResourceType  string
	ResourceID    string
	Decision      string
	Reason        string
	Severity      string
	IP            string
	UserAgent     string
	RequestID     string
	PrevHash      []byte
	EntryHash     []byte
	At            time.Time
}

// Entry is the caller-supplied portion of a record. Sequence number, hashes
// and client metadata are filled in by the recorder and store.
type Entry struct {
	ActorID       uuid.UUID
	InstitutionID uuid.UUID
	Action        string
	ResourceType  string
	ResourceID    string
	Decision      string
	Reason        string
	Severity      string
	At            time.Time
}

// HashSize is the byte length of chain hashes.
const HashSize = sha256.Size

// ZeroHash returns the chain seed used before an institution's first record.
func ZeroHash() []byte {
	return make([]byte, HashSize)
}

// ChainHash computes the entry hash for a record given its predecessor's
// hash. Every persisted field participates, so any edit breaks the chain.
func ChainHash(prev []byte, r Record) []byte {
	h := sha256.New()
	_, _ = h.Write(prev)
	fields := []string{
		r.ID.String(),
		r.InstitutionID.String(),
		strconv.FormatInt(r.Seq, 10),
		r.ActorID.String(),
		r.Action,
		r.ResourceType,
		r.ResourceID,
		r.Decision,
		r.Reason,
		r.Severity,
		r.IP,
		r.UserAgent,
		r.RequestID,
		r.At.UTC().Format(time.RFC3339Nano),
	}
	for _, f := range fields {
		_, _ = h.Write([]byte(f))
		_, _ = h.Write([]byte{0x1f})
	}
	return h.Sum(nil)
}

// severityFor derives the record severity from decision and reason when the
// caller did not set one.
func severityFor(decision, reason string) string {
	switch reason {
	case shared.ReasonCrossTenant:
		return SeverityCritical
	case shared.ReasonLoginLocked, shared.ReasonRoleChanged, shared.ReasonDeactivated:
		return SeverityHigh
	}
	if decision == DecisionDeny {
		return SeverityMedium
	}
	return SeverityLow
}
