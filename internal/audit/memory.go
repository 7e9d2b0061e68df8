package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store with in-process state. It backs tests and
// single-node development setups; the sequencing and chaining discipline is
// identical to the PostgreSQL store.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID][]Record
	lastHash map[uuid.UUID][]byte
	failures int
	failErr  error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[uuid.UUID][]Record),
		lastHash: make(map[uuid.UUID][]byte),
	}
}

// FailNext makes the next n Append calls fail with err. Used to exercise
// the recorder's retry and fail-closed behaviour.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

// Append assigns the next sequence number and hash link under the store
// lock.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	prev, ok := s.lastHash[rec.InstitutionID]
	if !ok {
		prev = ZeroHash()
	}
	rec.Seq = int64(len(s.records[rec.InstitutionID])) + 1
	rec.PrevHash = prev
	rec.EntryHash = ChainHash(prev, *rec)
	s.records[rec.InstitutionID] = append(s.records[rec.InstitutionID], *rec)
	s.lastHash[rec.InstitutionID] = rec.EntryHash
	return nil
}

// ListPage returns matching records after the given sequence number.
func (s *MemoryStore) ListPage(ctx context.Context, institutionID uuid.UUID, f Filter, afterSeq int64, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records[institutionID] {
		if rec.Seq <= afterSeq || !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LastSeq returns the highest assigned sequence number.
func (s *MemoryStore) LastSeq(ctx context.Context, institutionID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[institutionID]
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].Seq, nil
}

// Records returns a copy of an institution's trail, for assertions.
func (s *MemoryStore) Records(institutionID uuid.UUID) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records[institutionID]))
	copy(out, s.records[institutionID])
	return out
}

func matches(rec Record, f Filter) bool {
	if f.ActorID != uuid.Nil && rec.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Decision != "" && rec.Decision != f.Decision {
		return false
	}
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && rec.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.At.After(f.To) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
