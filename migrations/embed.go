// Package migrations embeds the urbanflux schema and applies it with golang-migrate.
//
// Files follow the 001_name.up.sql / 001_name.down.sql convention. Catalog
// rejects misnamed, unpaired or gapped files before anything touches a database.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

var (
	// ErrNoMigrations is returned when the catalog contains no migration files.
	ErrNoMigrations = errors.New("no embedded migration files found")
	// ErrInvalidFilename is returned for files outside the 001_name.(up|down).sql convention.
	ErrInvalidFilename = errors.New("invalid migration filename")
	// ErrUnpaired is returned when an up migration has no down migration or vice versa.
	ErrUnpaired = errors.New("unpaired migration")
	// ErrSequenceGap is returned when sequence numbers do not run 001, 002, ... without gaps.
	ErrSequenceGap = errors.New("migration sequence gap")
	// ErrChecksumMismatch is returned when a file changed after it was first validated.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// File describes one parsed migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// Catalog is a validated view over a migration filesystem.
type Catalog struct {
	fs        fs.FS
	checksums map[string]string
}

// NewCatalog wraps filesystem, or the embedded schema when filesystem is nil.
func NewCatalog(filesystem fs.FS) *Catalog {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Catalog{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the underlying filesystem for the iofs source driver.
func (c *Catalog) FS() fs.FS {
	return c.fs
}

// List returns the sorted names of .sql files that match the naming convention.
func (c *Catalog) List() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}

		if filenamePattern.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks pairing, sequence and, on repeated calls, content checksums.
func (c *Catalog) Validate() error {
	names, err := c.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		return ErrNoMigrations
	}

	files := make([]File, 0, len(names))

	for _, name := range names {
		f, err := ParseFilename(name)
		if err != nil {
			return err
		}

		files = append(files, f)
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	if err := validateSequence(files); err != nil {
		return err
	}

	for _, name := range names {
		content, err := fs.ReadFile(c.fs, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if previous, seen := c.checksums[name]; seen && previous != checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}

		c.checksums[name] = checksum
	}

	return nil
}

// MaxSequence returns the highest sequence number in the catalog, or 0.
func (c *Catalog) MaxSequence() int {
	names, err := c.List()
	if err != nil {
		return 0
	}

	highest := 0

	for _, name := range names {
		if f, err := ParseFilename(name); err == nil && f.Sequence > highest {
			highest = f.Sequence
		}
	}

	return highest
}

// ParseFilename splits a migration filename into its parts.
func ParseFilename(filename string) (File, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd // full match + three groups
		return File{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return File{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return File{Sequence: sequence, Name: matches[2], Direction: matches[3], Filename: filename}, nil
}

func validatePairing(files []File) error {
	directions := make(map[string]map[string]bool)

	for _, f := range files {
		key := fmt.Sprintf("%03d_%s", f.Sequence, f.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][f.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("%w: missing up migration for %s", ErrUnpaired, key)
		}

		if !seen["down"] {
			return fmt.Errorf("%w: missing down migration for %s", ErrUnpaired, key)
		}
	}

	return nil
}

func validateSequence(files []File) error {
	unique := make(map[int]bool)
	for _, f := range files {
		unique[f.Sequence] = true
	}

	sequences := make([]int, 0, len(unique))
	for seq := range unique {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}
