package ingestion

// Deduplicator drops records whose unique_key was already accepted earlier in
// the same run. The first occurrence wins. Keys are held only for the run's
// lifetime; cross-run duplicates are absorbed by the loader's ON CONFLICT DO NOTHING.
//
// Deduplicator is not safe for concurrent use; the pipeline calls it from the
// single goroutine that owns chunk ordering.
type Deduplicator struct {
	seen map[int64]struct{}
}

// NewDeduplicator returns an empty run-scoped key set.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[int64]struct{})}
}

// Admit records key and reports true the first time it is seen.
func (d *Deduplicator) Admit(key int64) bool {
	if _, dup := d.seen[key]; dup {
		return false
	}

	d.seen[key] = struct{}{}

	return true
}

// Len returns the number of distinct keys admitted so far.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}
