// Package sql contains the dialect-aware repository implementations for
// store.CronJobRepository and store.ExecutionRepository, speaking
// SQLite/PostgreSQL/MySQL-native SQL per §6 of the spec ("callers supply
// backend-appropriate SQL files").
package sql

import (
	"fmt"
	"strings"

	"github.com/distjob/scheduler/internal/dbreg"
)

// ph renders the n-th (1-indexed) bind placeholder for backend.
func ph(backend dbreg.Backend, n int) string {
	if backend == dbreg.BackendPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// phList renders n placeholders starting at offset+1, comma-joined.
func phList(backend dbreg.Backend, offset, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = ph(backend, offset+i+1)
	}
	return strings.Join(parts, ", ")
}

// insertIgnorePrefix/insertIgnoreSuffix bracket an INSERT so that a conflict
// on the named unique constraint is a silent no-op — the coordination
// primitive behind invariant I1 (§4.3 step 4b, §6 SQL dialect notes).
func insertIgnorePrefix(backend dbreg.Backend, table string) string {
	if backend == dbreg.BackendMySQL {
		return fmt.Sprintf("INSERT IGNORE INTO %s", table)
	}
	return fmt.Sprintf("INSERT INTO %s", table)
}

func insertIgnoreSuffix(backend dbreg.Backend, conflictCols string) string {
	switch backend {
	case dbreg.BackendMySQL:
		return ""
	default: // postgres, sqlite
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictCols)
	}
}

// nowFunc renders the backend's current-UTC-timestamp expression.
func nowFunc(backend dbreg.Backend) string {
	switch backend {
	case dbreg.BackendMySQL:
		return "UTC_TIMESTAMP()"
	case dbreg.BackendSQLite:
		return "datetime('now')"
	default: // postgres
		return "NOW() AT TIME ZONE 'utc'"
	}
}

// jsonType renders the backend's JSON column type for DDL callers
// (migrations live outside this package; kept here so one place documents
// the mapping called out in §6: JSONB on Postgres, JSON on MySQL/SQLite).
func jsonType(backend dbreg.Backend) string {
	if backend == dbreg.BackendPostgres {
		return "JSONB"
	}
	return "JSON"
}
