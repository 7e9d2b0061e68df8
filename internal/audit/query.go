package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows audit reads. Zero values mean no constraint.
type Filter struct {
	ActorID  uuid.UUID
	Action   string
	Decision string
	Severity string
	From     time.Time
	To       time.Time
}

// Iterator streams an institution's records in ascending sequence order.
// It fetches lazily in batches and can be resumed from any sequence number,
// so a consumer that stops mid-stream restarts from its last-seen record.
type Iterator struct {
	store         Store
	institutionID uuid.UUID
	filter        Filter
	batchSize     int
	afterSeq      int64
	batch         []Record
	idx           int
	done          bool
}

func newIterator(store Store, institutionID uuid.UUID, f Filter) *Iterator {
	return &Iterator{
		store:         store,
		institutionID: institutionID,
		filter:        f,
		batchSize:     100,
	}
}

// Resume positions the iterator after the given sequence number.
func (it *Iterator) Resume(afterSeq int64) *Iterator {
	it.afterSeq = afterSeq
	it.batch = nil
	it.idx = 0
	it.done = false
	return it
}

// Next returns the next record, or nil when the stream is exhausted.
func (it *Iterator) Next(ctx context.Context) (*Record, error) {
	if it.done {
		return nil, nil
	}
	if it.idx >= len(it.batch) {
		batch, err := it.store.ListPage(ctx, it.institutionID, it.filter, it.afterSeq, it.batchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			it.done = true
			return nil, nil
		}
		it.batch = batch
		it.idx = 0
	}
	rec := it.batch[it.idx]
	it.idx++
	it.afterSeq = rec.Seq
	return &rec, nil
}
