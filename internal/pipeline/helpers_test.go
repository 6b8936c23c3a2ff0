package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanflux-io/urbanflux/internal/ingestion"
	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

const csvHeader = "Unique Key,Created Date,Closed Date,Complaint Type,Descriptor,Borough,Latitude,Longitude"

// mixedRows exercises every outcome: 4 accepted, 2 duplicated, 7 rejected.
var mixedRows = []string{ //nolint:gochecknoglobals
	"100001,2025-01-15 09:30:00,2025-01-15 11:00:00,Noise,Loud Music,MANHATTAN,40.7580,-73.9855",
	"100002,2025-01-15 10:00:00,,Street Condition,Pothole,BROOKLYN,40.6782,-73.9442",
	"100003,2025-01-15 10:05:00,,Noise,Loud Talking,NEW JERSEY,40.7,-74.0",
	"100001,2025-01-15 09:30:00,,Noise,Loud Music,MANHATTAN,40.7580,-73.9855",
	"100004,01/16/2025 08:00:00 AM,01/16/2025 09:00:00 AM,Heating,No Heat,bronx,,",
	"100005,2025-01-16 09:00:00,2025-01-16 08:00:00,Heating,No Heat,QUEENS,,",
	"abc,2025-01-16 09:00:00,,Heating,,QUEENS,,",
	"100006,2025-01-17T12:00:00,,Noise,,STATEN ISLAND,40.4,-74.3",
	"100007,2025-01-17 12:00,,Noise,,,41.21,-73.5",
	"100008,2025-01-17 13:00:00,,,,QUEENS,,",
	"100004,2025-01-18 00:00:00,,Heating,,BRONX,,",
	"100009,2025-01-18,,Noise,,Queens,40.7,",
	"100010,2025-01-19 00:00:00,,Noise,Loud,BROOKLYN",
}

func writeInput(t *testing.T, rows ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "311.csv")
	content := csvHeader + "\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func testConfig(path string, chunkSize int) *Config {
	return &Config{
		Mode:                watermark.ModeFull,
		InputPath:           path,
		ChunkSize:           chunkSize,
		Workers:             3,
		LoadMaxRetries:      3,
		LoadInitialBackoff:  time.Millisecond,
		LoadMaxBackoff:      5 * time.Millisecond,
		RefreshConcurrently: true,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// memoryLoader is an in-memory service_requests table with insert-or-ignore semantics.
type memoryLoader struct {
	mu    sync.Mutex
	rows  map[int64]ingestion.ServiceRequest
	calls int

	// failures are returned by successive calls before any row is written; nil entries succeed.
	failures []error
	// lostCommits are returned by successive calls after the rows are written.
	lostCommits []error
	// afterCommit runs after every successful call.
	afterCommit func()
}

func newMemoryLoader() *memoryLoader {
	return &memoryLoader{rows: make(map[int64]ingestion.ServiceRequest)}
}

func (m *memoryLoader) LoadChunk(_ context.Context, requests []ingestion.ServiceRequest) (ingestion.LoadResult, error) {
	m.mu.Lock()
	m.calls++

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]

		if err != nil {
			m.mu.Unlock()

			return ingestion.LoadResult{}, err
		}
	}

	var res ingestion.LoadResult

	for _, r := range requests {
		if _, ok := m.rows[r.UniqueKey]; ok {
			res.Skipped++

			continue
		}

		m.rows[r.UniqueKey] = r
		res.Inserted++
	}

	if len(m.lostCommits) > 0 {
		err := m.lostCommits[0]
		m.lostCommits = m.lostCommits[1:]
		m.mu.Unlock()

		return ingestion.LoadResult{}, err
	}

	hook := m.afterCommit
	m.mu.Unlock()

	if hook != nil {
		hook()
	}

	return res, nil
}

func (m *memoryLoader) HealthCheck(context.Context) error {
	return nil
}

func (m *memoryLoader) keys() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]int64, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}

	return keys
}

type fakeViews struct {
	results []storage.RefreshResult
	err     error
	calls   int
}

func (f *fakeViews) Refresh(context.Context, bool, ...string) ([]storage.RefreshResult, error) {
	f.calls++

	return f.results, f.err
}
