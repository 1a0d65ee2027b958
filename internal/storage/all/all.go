// Package all registers every storage backend. Blank-import it from the
// binary that should support all backends.
package all

import (
	_ "ingest/internal/storage/mssql"
	_ "ingest/internal/storage/postgres"
	_ "ingest/internal/storage/sqlite"
)
