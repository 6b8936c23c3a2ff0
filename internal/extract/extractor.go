// Package extract streams a delimited 311 export as fixed-size chunks of raw rows.
//
// Memory is bounded to one chunk: rows are read lazily from the source and a
// chunk is only filled when the caller asks for it. In incremental mode rows at
// or before the resume watermark are dropped here, client-side.
package extract

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/urbanflux-io/urbanflux/internal/ingestion"
	"github.com/urbanflux-io/urbanflux/internal/watermark"
)

// DefaultChunkSize is the number of rows per chunk when none is configured.
const DefaultChunkSize = 100_000

const utf8BOM = "\uFEFF"

// Sentinel errors. All of them are fatal to a run.
var (
	ErrSourceUnavailable = errors.New("input source unavailable")
	ErrRead              = errors.New("input read failed")
	ErrMissingColumns    = errors.New("input is missing required columns")
	ErrEmptySource       = errors.New("input has no header row")
	ErrInvalidChunkSize  = errors.New("chunk size must be positive")
)

type (
	// Options controls chunking and the incremental filter.
	Options struct {
		// ChunkSize is the maximum number of rows per chunk.
		ChunkSize int

		// Since, when non-nil, drops rows at or before this position.
		Since *watermark.Position
	}

	// Chunk is an ordered batch of raw rows. Index starts at 0.
	Chunk struct {
		Index int
		Rows  []ingestion.RawRow
	}

	// Stats counts rows seen by the extractor.
	Stats struct {
		// Read is every data row read from the source.
		Read int
		// SkippedByWatermark is rows dropped by the incremental filter.
		SkippedByWatermark int
	}

	// Descriptor identifies the input for the run report and watermark row.
	Descriptor struct {
		Path string
		Size int64
		// Fingerprint is the BLAKE2b-256 of the bytes read; set once the source is exhausted.
		Fingerprint string
	}

	// Extractor yields chunks from a single open source. It is not restartable.
	Extractor struct {
		file    *os.File
		reader  *csv.Reader
		header  ingestion.Header
		digest  hash.Hash
		opts    Options
		desc    Descriptor
		stats   Stats
		next    int
		done    bool
		lastErr error
	}
)

// String renders the descriptor as stored in etl_watermarks.input_descriptor.
func (d Descriptor) String() string {
	s := fmt.Sprintf("file:%s size=%d", d.Path, d.Size)
	if d.Fingerprint != "" {
		s += " blake2b=" + d.Fingerprint
	}

	return s
}

// Open opens path, reads its header and prepares chunked extraction.
func Open(path string, opts Options) (*Extractor, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, opts.ChunkSize)
	}

	f, err := os.Open(path) //nolint:gosec // operator-supplied input path
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	if info.IsDir() {
		_ = f.Close()

		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, path)
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to create input digest: %w", err)
	}

	e, err := newExtractor(io.TeeReader(f, digest), opts)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	e.file = f
	e.digest = digest
	e.desc = Descriptor{Path: path, Size: info.Size()}

	return e, nil
}

// NewReader extracts from an arbitrary reader. The descriptor carries no path or fingerprint.
func NewReader(r io.Reader, opts Options) (*Extractor, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, opts.ChunkSize)
	}

	return newExtractor(r, opts)
}

func newExtractor(r io.Reader, opts Options) (*Extractor, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	names, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptySource
	}

	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrRead, err)
	}

	if len(names) > 0 {
		names[0] = strings.TrimPrefix(names[0], utf8BOM)
	}

	header, missing := ingestion.NewHeader(names)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return &Extractor{reader: reader, header: header, opts: opts}, nil
}

// Header returns the resolved column layout.
func (e *Extractor) Header() ingestion.Header {
	return e.header
}

// Next returns the next non-empty chunk, or io.EOF once the source is exhausted.
// Rows the reader cannot split are returned with RawRow.Err set; any other read
// error wraps ErrRead and ends extraction.
func (e *Extractor) Next() (Chunk, error) {
	if e.lastErr != nil {
		return Chunk{}, e.lastErr
	}

	if e.done {
		return Chunk{}, io.EOF
	}

	rows := make([]ingestion.RawRow, 0, min(e.opts.ChunkSize, 4096)) //nolint:mnd

	for len(rows) < e.opts.ChunkSize {
		row, err := e.readRow()
		if errors.Is(err, io.EOF) {
			e.finish()

			break
		}

		if err != nil {
			e.lastErr = err

			return Chunk{}, err
		}

		e.stats.Read++

		if e.skip(row) {
			e.stats.SkippedByWatermark++

			continue
		}

		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return Chunk{}, io.EOF
	}

	chunk := Chunk{Index: e.next, Rows: rows}
	e.next++

	return chunk, nil
}

// Stats returns the row counters so far.
func (e *Extractor) Stats() Stats {
	return e.stats
}

// Descriptor returns the input descriptor. The fingerprint is only set after Next returned io.EOF.
func (e *Extractor) Descriptor() Descriptor {
	return e.desc
}

// Close releases the underlying file.
func (e *Extractor) Close() error {
	if e.file == nil {
		return nil
	}

	err := e.file.Close()
	e.file = nil

	return err
}

func (e *Extractor) readRow() (ingestion.RawRow, error) {
	fields, err := e.reader.Read()
	if err == nil {
		line, _ := e.reader.FieldPos(0)

		return ingestion.RawRow{Line: line, Fields: fields}, nil
	}

	if errors.Is(err, io.EOF) {
		return ingestion.RawRow{}, io.EOF
	}

	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return ingestion.RawRow{Line: parseErr.StartLine, Err: parseErr}, nil
	}

	return ingestion.RawRow{}, fmt.Errorf("%w: %w", ErrRead, err)
}

// skip reports whether row is at or before the resume position. Rows whose key
// or created date cannot be parsed are kept so the decoder can reject them.
func (e *Extractor) skip(row ingestion.RawRow) bool {
	if e.opts.Since == nil || row.Err != nil || len(row.Fields) != e.header.Width() {
		return false
	}

	created, err := ingestion.ParseTimestamp(e.header.Value(row.Fields, ingestion.ColumnCreatedDate))
	if err != nil {
		return false
	}

	key, err := ingestion.ParseUniqueKey(e.header.Value(row.Fields, ingestion.ColumnUniqueKey))
	if err != nil {
		return false
	}

	return !e.opts.Since.Before(watermark.Position{CreatedAt: created, UniqueKey: key})
}

func (e *Extractor) finish() {
	e.done = true

	if e.digest != nil {
		e.desc.Fingerprint = hex.EncodeToString(e.digest.Sum(nil))
	}
}
