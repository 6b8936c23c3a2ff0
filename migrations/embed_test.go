package migrations

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalogIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	catalog := NewCatalog(nil)

	require.NoError(t, catalog.Validate())
	assert.Equal(t, 3, catalog.MaxSequence())

	files, err := catalog.List()
	require.NoError(t, err)
	assert.Len(t, files, 6)
	assert.Equal(t, "001_create_service_requests.down.sql", files[0])
}

func TestCatalogValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sql := &fstest.MapFile{Data: []byte("SELECT 1;")}

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr error
	}{
		{
			name:    "empty directory",
			files:   fstest.MapFS{"README.md": &fstest.MapFile{Data: []byte("docs")}},
			wantErr: ErrNoMigrations,
		},
		{
			name: "orphaned up migration",
			files: fstest.MapFS{
				"001_init.up.sql": sql,
			},
			wantErr: ErrUnpaired,
		},
		{
			name: "orphaned down migration",
			files: fstest.MapFS{
				"001_init.down.sql": sql,
			},
			wantErr: ErrUnpaired,
		},
		{
			name: "sequence gap",
			files: fstest.MapFS{
				"001_init.up.sql":    sql,
				"001_init.down.sql":  sql,
				"003_views.up.sql":   sql,
				"003_views.down.sql": sql,
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "sequence not starting at one",
			files: fstest.MapFS{
				"002_init.up.sql":   sql,
				"002_init.down.sql": sql,
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "misnamed files are ignored",
			files: fstest.MapFS{
				"001_init.up.sql":   sql,
				"001_init.down.sql": sql,
				"init.sql":          sql,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCatalog(tt.files).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.True(t, errors.Is(err, tt.wantErr), "Validate() error = %v, want %v", err, tt.wantErr)
		})
	}
}

func TestCatalogDetectsModifiedFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files := fstest.MapFS{
		"001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE a (id INT);")},
		"001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE a;")},
	}

	catalog := NewCatalog(files)
	require.NoError(t, catalog.Validate())

	files["001_init.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE b (id INT);")}

	err := catalog.Validate()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestParseFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f, err := ParseFilename("002_create_etl_watermarks.up.sql")
	require.NoError(t, err)
	assert.Equal(t, File{
		Sequence:  2,
		Name:      "create_etl_watermarks",
		Direction: "up",
		Filename:  "002_create_etl_watermarks.up.sql",
	}, f)

	_, err = ParseFilename("2_bad.up.sql")
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.ErrorIs(t, Config{MigrationsTable: DefaultMigrationsTable}.Validate(), ErrDatabaseURLEmpty)
	assert.ErrorIs(t, Config{DatabaseURL: "postgres://localhost/db"}.Validate(), ErrMigrationsTableEmpty)
	assert.NoError(t, Config{DatabaseURL: "postgres://localhost/db", MigrationsTable: "m"}.Validate())
}
