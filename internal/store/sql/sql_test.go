package sql_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/distjob/scheduler/internal/dbreg"
)

// sqliteSchema mirrors migrations/sqlite.sql, inlined so package tests do
// not depend on a working-directory-relative file path.
const sqliteSchema = `
CREATE TABLE cron_jobs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL UNIQUE,
	cron_expression TEXT NOT NULL,
	handler_name    TEXT NOT NULL,
	handler_params  JSON,
	is_enabled      BOOLEAN NOT NULL DEFAULT 1,
	allow_overlap   BOOLEAN NOT NULL DEFAULT 0,
	max_retry       INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 30,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE job_executions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id         INTEGER REFERENCES cron_jobs (id) ON DELETE SET NULL,
	handler_name   TEXT NOT NULL,
	scheduled_time DATETIME NOT NULL,
	params         JSON,
	param_source   TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     DATETIME,
	finished_at    DATETIME,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT,
	result         JSON,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, scheduled_time)
);
`

// newTestPool opens a fresh, uniquely named in-memory SQLite pool with the
// schema above applied, so each test runs against an empty database.
func newTestPool(t *testing.T, dbName string) *dbreg.Pool {
	t.Helper()

	reg, err := dbreg.Open(map[string]dbreg.PoolConfig{
		dbreg.DefaultName: {
			Type: dbreg.BackendSQLite,
			DSN:  fmt.Sprintf("file:%s?mode=memory&cache=shared", dbName),
		},
	})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(reg.Close)

	pool, err := reg.Get(dbreg.DefaultName)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(context.Background(), false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Execute(context.Background(), stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit schema: %v", err)
	}

	return pool
}
