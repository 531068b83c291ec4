//go:build cgo

package sqlitedriver

import (
	"errors"

	"github.com/mattn/go-sqlite3" // registers "sqlite3"
)

const dsnParams = "?_busy_timeout=5000&_foreign_keys=on"

// Backend names the active driver implementation.
const Backend = "mattn/go-sqlite3"

// IsBusy reports whether err carries SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
