package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanflux-io/urbanflux/migrations"
)

type fakeRunner struct {
	calls  []string
	status migrations.Status
	err    error
}

func (f *fakeRunner) Up() error   { f.calls = append(f.calls, "up"); return f.err }
func (f *fakeRunner) Down() error { f.calls = append(f.calls, "down"); return f.err }
func (f *fakeRunner) Drop() error { f.calls = append(f.calls, "drop"); return f.err }

func (f *fakeRunner) Status() (migrations.Status, error) {
	f.calls = append(f.calls, "status")

	return f.status, f.err
}

func TestExecuteCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("up and down delegate", func(t *testing.T) {
		r := &fakeRunner{}
		require.NoError(t, executeCommand("up", r, false, nil, &bytes.Buffer{}))
		require.NoError(t, executeCommand("down", r, false, nil, &bytes.Buffer{}))
		assert.Equal(t, []string{"up", "down"}, r.calls)
	})

	t.Run("status prints version and state", func(t *testing.T) {
		r := &fakeRunner{status: migrations.Status{Version: 2, Supported: 3, Applied: true, Dirty: true}}

		var out bytes.Buffer
		require.NoError(t, executeCommand("status", r, false, nil, &out))
		assert.Equal(t, "Version 2 of 3 (dirty)\n", out.String())

		out.Reset()
		require.NoError(t, executeCommand("version", r, false, nil, &out))
		assert.Equal(t, "2\n", out.String())
	})

	t.Run("status on empty database", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, executeCommand("status", &fakeRunner{status: migrations.Status{Supported: 3}}, false, nil, &out))
		assert.Contains(t, out.String(), "No migrations applied")
	})

	t.Run("drop asks for confirmation", func(t *testing.T) {
		r := &fakeRunner{}

		var out bytes.Buffer
		require.NoError(t, executeCommand("drop", r, false, strings.NewReader("n\n"), &out))
		assert.Empty(t, r.calls)
		assert.Contains(t, out.String(), "Operation cancelled.")

		require.NoError(t, executeCommand("drop", r, false, strings.NewReader("Y\n"), &out))
		require.NoError(t, executeCommand("drop", r, true, nil, &out))
		assert.Equal(t, []string{"drop", "drop"}, r.calls)
	})

	t.Run("errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		assert.ErrorIs(t, executeCommand("up", &fakeRunner{err: boom}, false, nil, &bytes.Buffer{}), boom)
		assert.Error(t, executeCommand("sideways", &fakeRunner{}, false, nil, &bytes.Buffer{}))
	})
}
