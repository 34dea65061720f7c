// ABOUTME: Backend selection for the configured database driver
// ABOUTME: Maps database.driver to a SQLite, Badger or in-memory Store

package store

import "fmt"

// Driver names accepted by Open.
const (
	BackendSQLite    = "sqlite"
	BackendSQLiteCgo = "sqlite3"
	BackendBadger    = "badger"
	BackendMemory    = "memory"
)

// Open creates the Store for driver at path. An empty driver selects SQLite.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", BackendSQLite:
		return NewSQLiteStoreWithDriver(DriverModernc, path)
	case BackendSQLiteCgo:
		return NewSQLiteStoreWithDriver(DriverCgo, path)
	case BackendBadger:
		return NewBadgerStore(path)
	case BackendMemory:
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
