package storage

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedDriver is a minimal SQL driver whose Exec results come from a script.
// It records every executed statement and transaction outcome, so loader and
// refresh paths can be tested without a real database.
type scriptedDriver struct {
	mu        sync.Mutex
	exec      func(query string) (driver.Result, error)
	queries   []string
	commits   int
	rollbacks int
}

func (d *scriptedDriver) Open(_ string) (driver.Conn, error) {
	return &scriptedConn{d: d}, nil
}

func (d *scriptedDriver) executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.queries...)
}

type scriptedConn struct {
	d *scriptedDriver
}

func (c *scriptedConn) Prepare(query string) (driver.Stmt, error) {
	return &scriptedStmt{d: c.d, query: query}, nil
}

func (c *scriptedConn) Close() error              { return nil }
func (c *scriptedConn) Begin() (driver.Tx, error) { return &scriptedTx{d: c.d}, nil }

type scriptedStmt struct {
	d     *scriptedDriver
	query string
}

func (s *scriptedStmt) Close() error  { return nil }
func (s *scriptedStmt) NumInput() int { return -1 }

func (s *scriptedStmt) Exec(_ []driver.Value) (driver.Result, error) {
	s.d.mu.Lock()
	s.d.queries = append(s.d.queries, s.query)
	exec := s.d.exec
	s.d.mu.Unlock()

	if exec == nil {
		return driver.RowsAffected(0), nil
	}

	return exec(s.query)
}

func (s *scriptedStmt) Query(_ []driver.Value) (driver.Rows, error) {
	return &emptyRows{}, nil
}

type scriptedTx struct {
	d *scriptedDriver
}

func (t *scriptedTx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()

	t.d.commits++

	return nil
}

func (t *scriptedTx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()

	t.d.rollbacks++

	return nil
}

type emptyRows struct{}

func (r *emptyRows) Columns() []string           { return []string{"result"} }
func (r *emptyRows) Close() error                { return nil }
func (r *emptyRows) Next(_ []driver.Value) error { return io.EOF }

// newScriptedConnection registers d under a unique name and opens a Connection on it.
func newScriptedConnection(t *testing.T, d *scriptedDriver) *Connection {
	t.Helper()

	driverName := fmt.Sprintf("scripted_%s_%d", t.Name(), time.Now().UnixNano())
	sql.Register(driverName, d)

	db, err := sql.Open(driverName, "")
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return &Connection{DB: db}
}
