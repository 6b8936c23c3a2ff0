package pipeline

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/urbanflux-io/urbanflux/internal/config"
	"github.com/urbanflux-io/urbanflux/internal/extract"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

const (
	defaultLoadMaxRetries     = 5
	defaultLoadInitialBackoff = 200 * time.Millisecond
	defaultLoadMaxBackoff     = 10 * time.Second
	defaultRejectLogRPS       = 10.0
)

var (
	// ErrInputPathEmpty is returned when no input file is configured.
	ErrInputPathEmpty = errors.New("input path cannot be empty")
	// ErrInvalidWorkers is returned for a non-positive worker count.
	ErrInvalidWorkers = errors.New("workers must be positive")
	// ErrInvalidRetries is returned for a negative retry budget.
	ErrInvalidRetries = errors.New("load retries cannot be negative")
	// ErrInvalidBackoff is returned when the backoff bounds are not positive and ordered.
	ErrInvalidBackoff = errors.New("invalid load backoff")
)

// Config holds the parameters of one pipeline run.
type Config struct {
	Mode      watermark.Mode
	InputPath string
	ChunkSize int
	Workers   int
	DryRun    bool

	// Load retry policy for transient connectivity failures.
	LoadMaxRetries     int
	LoadInitialBackoff time.Duration
	LoadMaxBackoff     time.Duration

	// BadRowsDir receives one quarantine CSV per run. Empty disables quarantine.
	BadRowsDir string

	RefreshConcurrently bool

	// RejectLogRPS caps per-row rejection log lines per second.
	RejectLogRPS float64
}

// LoadConfig reads the run configuration from ETL_* environment variables.
// CLI flags override the result before Validate is called, so an invalid
// ETL_MODE is only reported when no --mode flag replaces it.
func LoadConfig() *Config {
	mode := strings.ToLower(strings.TrimSpace(config.GetEnvStr("ETL_MODE", string(watermark.ModeFull))))

	return &Config{
		Mode:                watermark.Mode(mode),
		InputPath:           config.GetEnvStr("ETL_INPUT_PATH", ""),
		ChunkSize:           config.GetEnvInt("ETL_CHUNK_SIZE", extract.DefaultChunkSize),
		Workers:             config.GetEnvInt("ETL_WORKERS", runtime.NumCPU()),
		DryRun:              config.GetEnvBool("ETL_DRY_RUN", false),
		LoadMaxRetries:      config.GetEnvInt("ETL_LOAD_MAX_RETRIES", defaultLoadMaxRetries),
		LoadInitialBackoff:  config.GetEnvDuration("ETL_LOAD_INITIAL_BACKOFF", defaultLoadInitialBackoff),
		LoadMaxBackoff:      config.GetEnvDuration("ETL_LOAD_MAX_BACKOFF", defaultLoadMaxBackoff),
		BadRowsDir:          config.GetEnvStr("ETL_BAD_ROWS_DIR", ""),
		RefreshConcurrently: config.GetEnvBool("ETL_REFRESH_CONCURRENTLY", true),
		RejectLogRPS:        config.GetEnvFloat64("ETL_REJECT_LOG_RPS", defaultRejectLogRPS),
	}
}

// Validate checks the run configuration.
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("%w: %q", watermark.ErrInvalidMode, c.Mode)
	}

	if strings.TrimSpace(c.InputPath) == "" {
		return ErrInputPathEmpty
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %d", extract.ErrInvalidChunkSize, c.ChunkSize)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers)
	}

	if c.LoadMaxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetries, c.LoadMaxRetries)
	}

	if c.LoadInitialBackoff <= 0 || c.LoadMaxBackoff < c.LoadInitialBackoff {
		return fmt.Errorf("%w: initial %s, max %s", ErrInvalidBackoff, c.LoadInitialBackoff, c.LoadMaxBackoff)
	}

	return nil
}
