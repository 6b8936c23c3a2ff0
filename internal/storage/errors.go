package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

// Sentinel errors for storage operations.
var (
	// ErrNoDatabaseConnection is returned when a store is built without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrTransientLoad wraps chunk load failures caused by lost connectivity. Callers may retry.
	ErrTransientLoad = errors.New("transient chunk load failure")

	// ErrLoadFailed wraps chunk load failures that retrying cannot fix, e.g. a CHECK violation.
	ErrLoadFailed = errors.New("chunk load failed")

	// ErrViewRefreshFailed is returned when a materialized view refresh fails.
	ErrViewRefreshFailed = errors.New("materialized view refresh failed")

	// ErrUnknownView is returned when a refresh names a view that is not managed here.
	ErrUnknownView = errors.New("unknown materialized view")
)

// PostgreSQL SQLSTATE codes inspected by this package.
const (
	sqlStateUniqueViolation = "23505"
	sqlStateAdminShutdown   = "57P01"
	sqlStateCrashShutdown   = "57P02"
	sqlStateCannotConnect   = "57P03"
)

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08 and the 57P0x shutdown codes) and standard
// database/sql and network errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") ||
			code == sqlStateAdminShutdown || code == sqlStateCrashShutdown || code == sqlStateCannotConnect
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == sqlStateUniqueViolation
}
