//go:build libsql

package store

import (
	_ "github.com/tursodatabase/go-libsql"
)

// Built with -tags libsql the log is served by the libSQL engine instead of
// the embedded wasm build of SQLite. The file format is the same.
const driverName = "libsql"
