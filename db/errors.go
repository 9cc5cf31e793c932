package db

import (
	"strings"

	"github.com/teranos/checkrun/errors"
)

// ErrDatabaseClosed marks writes attempted after the store was closed, e.g. a
// notification recorded while the CLI is shutting down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed matches ErrDatabaseClosed and the driver's own
// "sql: database is closed" error, which cannot be wrapped at its source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDatabaseClosed) || strings.Contains(err.Error(), "database is closed")
}
