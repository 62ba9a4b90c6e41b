//go:build !cgo

package ledger

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

// Pure-Go builds register modernc's driver under the libsql name so the
// DSN handling stays identical. Remote libsql URLs need the cgo driver.
const (
	driverName      = "libsql"
	remoteSupported = false
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
