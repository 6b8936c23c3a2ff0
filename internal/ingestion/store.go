package ingestion

import "context"

// LoadResult reports the outcome of loading one chunk.
type LoadResult struct {
	// Inserted is the number of rows newly written.
	Inserted int
	// Skipped is the number of rows already present from an earlier run.
	Skipped int
}

// Store is the loader's view of the backing store. Implementations live in
// internal/storage.
type Store interface {
	// LoadChunk writes requests in a single transaction with insert-or-ignore
	// semantics keyed on unique_key. Either every row is committed or none is.
	LoadChunk(ctx context.Context, requests []ServiceRequest) (LoadResult, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
