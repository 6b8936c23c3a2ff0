package pipeline

import (
	"errors"

	"github.com/urbanflux-io/urbanflux/internal/extract"
	"github.com/urbanflux-io/urbanflux/internal/storage"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
	"github.com/urbanflux-io/urbanflux/migrations"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitExtraction  = 2
	ExitValidation  = 3
	ExitLoad        = 4
	ExitRefresh     = 5
	ExitPartial     = 6
	ExitInterrupted = 130
)

// ExitCode maps a run or command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, ErrPartial):
		return ExitPartial
	case errors.Is(err, extract.ErrSourceUnavailable),
		errors.Is(err, extract.ErrRead),
		errors.Is(err, extract.ErrMissingColumns),
		errors.Is(err, extract.ErrEmptySource):
		return ExitExtraction
	case errors.Is(err, storage.ErrTransientLoad), errors.Is(err, storage.ErrLoadFailed):
		return ExitLoad
	case errors.Is(err, storage.ErrViewRefreshFailed), errors.Is(err, storage.ErrUnknownView):
		return ExitRefresh
	case errors.Is(err, watermark.ErrWatermark),
		errors.Is(err, watermark.ErrRunInProgress),
		errors.Is(err, watermark.ErrNotFound),
		errors.Is(err, watermark.ErrNotRunning),
		errors.Is(err, migrations.ErrNoMigrations),
		errors.Is(err, migrations.ErrInvalidFilename),
		errors.Is(err, migrations.ErrUnpaired),
		errors.Is(err, migrations.ErrSequenceGap),
		errors.Is(err, migrations.ErrChecksumMismatch),
		errors.Is(err, storage.ErrNoDatabaseConnection):
		return ExitValidation
	default:
		return ExitUsage
	}
}
