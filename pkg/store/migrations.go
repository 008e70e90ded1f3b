package store

import "fmt"

type migration struct {
	version     int
	description string
	statements  []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  BIGINT NOT NULL,
	description TEXT NOT NULL
)`

// sqlMigrations returns the ordered layout history of the operations table.
// Version 1 is the original queue without retry bookkeeping.
func sqlMigrations(d dialect) []migration {
	return []migration{
		{
			version:     1,
			description: "create operations table",
			statements: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS operations (
	id              TEXT PRIMARY KEY,
	method          TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	payload         %s,
	headers         TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      BIGINT NOT NULL,
	last_attempt_at BIGINT NOT NULL DEFAULT 0
)`, d.blobType),
			},
		},
		{
			version:     2,
			description: "add retry bookkeeping",
			statements: []string{
				`ALTER TABLE operations ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0`,
				`ALTER TABLE operations ADD COLUMN max_retries INTEGER NOT NULL DEFAULT 5`,
				`ALTER TABLE operations ADD COLUMN priority INTEGER NOT NULL DEFAULT 1`,
				`ALTER TABLE operations ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
				`ALTER TABLE operations ADD COLUMN next_attempt_at BIGINT NOT NULL DEFAULT 0`,
				`ALTER TABLE operations ADD COLUMN completed_at BIGINT NOT NULL DEFAULT 0`,
				// rows claimed by a process that died before the upgrade go back to the queue
				`UPDATE operations SET status = 'pending' WHERE status = 'syncing'`,
				`UPDATE operations SET completed_at = last_attempt_at WHERE status = 'completed' AND completed_at = 0`,
			},
		},
		{
			version:     3,
			description: "index status order and active idempotency keys",
			statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_operations_status_created ON operations (status, created_at)`,
				// older layouts allowed duplicate active keys; keep the oldest, park the rest
				`UPDATE operations SET status = 'failed', last_error = 'duplicate idempotency key'
WHERE status IN ('pending', 'syncing') AND EXISTS (
	SELECT 1 FROM operations o2
	WHERE o2.idempotency_key = operations.idempotency_key
	AND o2.status IN ('pending', 'syncing')
	AND (o2.created_at < operations.created_at OR (o2.created_at = operations.created_at AND o2.id < operations.id))
)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_active_key ON operations (idempotency_key) WHERE status IN ('pending', 'syncing')`,
			},
		},
	}
}
