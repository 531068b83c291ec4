// Package sqlitedriver registers a SQLite database/sql driver under the name
// "sqlite3". CGO builds use github.com/mattn/go-sqlite3; builds without CGO
// fall back to the pure-Go modernc.org/sqlite driver.
//
// Import this package for its side effects and use DSN to build connection
// strings, since the two drivers spell connection parameters differently:
//
//	import "github.com/basket/hivestate/internal/sqlitedriver"
//	db, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
package sqlitedriver

// Name is the database/sql driver name registered by this package.
const Name = "sqlite3"

// DSN returns a connection string for path with a 5s busy timeout and
// foreign key enforcement enabled on every connection.
func DSN(path string) string {
	return path + dsnParams
}
