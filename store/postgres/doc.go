// Package postgres implements the courier job and instance stores on
// PostgreSQL using pgx/v5 with raw SQL.
//
// Leasing uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never block on each other's candidates. Report calls are conditional
// UPDATEs keyed on state and lease token. Dedupe keys are enforced by a
// partial unique index. Leadership is a single-row lease table.
//
// Schema changes live in embedded migrations/*.sql files applied by
// [Store.Migrate] and tracked in courier_migrations.
package postgres
