package transfer

import (
	"fmt"
	"sort"
)

// Registry maps a source identifier to its record. It does no locking of its
// own: callers serialize every access.
type Registry struct {
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record tracked for id.
func (r *Registry) Get(id string) (*Record, bool) {
	rec, ok := r.records[id]

	return rec, ok
}

// Put inserts or replaces the record for id. Replacing a record that is still
// downloading or paused fails with ErrDuplicateTransfer.
func (r *Registry) Put(id string, rec *Record) error {
	if existing, ok := r.records[id]; ok && existing != rec && existing.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateTransfer, id, existing.State)
	}

	r.records[id] = rec

	return nil
}

// Remove deletes the record for id, if any.
func (r *Registry) Remove(id string) {
	delete(r.records, id)
}

func (r *Registry) Len() int {
	return len(r.records)
}

// Snapshots returns copies of every record ordered by source identifier.
func (r *Registry) Snapshots() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Snapshot())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })

	return out
}
