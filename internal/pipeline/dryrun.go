package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

// DryRunWatermarks returns an in-memory watermark store for a dry run. When
// source is non-nil its last completed row seeds the store, so an incremental
// dry run filters exactly as a real one would without writing anything back.
func DryRunWatermarks(ctx context.Context, source watermark.Store) (*watermark.MemoryStore, error) {
	if source == nil {
		return watermark.NewMemoryStore(), nil
	}

	last, err := source.LastCompleted(ctx)
	if errors.Is(err, watermark.ErrNotFound) {
		return watermark.NewMemoryStore(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: reading last completed run: %w", watermark.ErrWatermark, err)
	}

	return watermark.NewMemoryStore(last), nil
}
