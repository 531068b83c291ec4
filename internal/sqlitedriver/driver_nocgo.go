//go:build !cgo

package sqlitedriver

import (
	"database/sql"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	sql.Register(Name, &sqlite.Driver{})
}

const dsnParams = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Backend names the active driver implementation.
const Backend = "modernc.org/sqlite"

// IsBusy reports whether err carries SQLITE_BUSY or SQLITE_LOCKED, including
// their extended codes.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
