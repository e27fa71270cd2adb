// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the case-sync tables if they don't exist.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
}

func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS casesync`,

		// 1) Case records. Index edges live in their own table so incoming
		// edges can be queried; the case row keeps the full snapshot as JSON
		// for cheap restore rendering.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casesync.cases (
			case_id            TEXT        PRIMARY KEY,
			case_type          TEXT        NOT NULL,
			case_name          TEXT        NOT NULL,
			owner_id           TEXT        NOT NULL,
			closed             BOOLEAN     NOT NULL DEFAULT FALSE,
			server_rev         BIGINT      NOT NULL,
			server_modified_on TIMESTAMPTZ NOT NULL,
			last_modified_by   TEXT        NOT NULL DEFAULT '',
			snapshot           JSON        NOT NULL
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS cases_owner_open_idx
			ON casesync.cases (owner_id) WHERE NOT closed`,

		// 2) Index edges, one row per (case, identifier)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casesync.case_indices (
			case_id         TEXT NOT NULL REFERENCES casesync.cases(case_id) ON DELETE CASCADE,
			identifier      TEXT NOT NULL,
			referenced_type TEXT NOT NULL DEFAULT '',
			referenced_id   TEXT NOT NULL,
			relationship    TEXT NOT NULL CHECK (relationship IN ('child','extension')),
			PRIMARY KEY (case_id, identifier)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS case_indices_referenced_idx
			ON casesync.case_indices (referenced_id)`,

		// 3) Per-device sync state, stored whole as JSON
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casesync.sync_logs (
			sync_id         TEXT        PRIMARY KEY,
			user_id         TEXT        NOT NULL,
			device_id       TEXT        NOT NULL DEFAULT '',
			previous_log_id TEXT        NOT NULL DEFAULT '',
			log_date        TIMESTAMPTZ NOT NULL,
			confirmed       BOOLEAN     NOT NULL DEFAULT FALSE,
			body            JSON        NOT NULL
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sync_logs_user_idx
			ON casesync.sync_logs (user_id, log_date)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS sync_logs_previous_idx
			ON casesync.sync_logs (previous_log_id) WHERE previous_log_id <> ''`,

		// 4) Per-owner cleanliness flags
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casesync.cleanliness_flags (
			owner_id     TEXT        PRIMARY KEY,
			is_clean     BOOLEAN     NOT NULL DEFAULT FALSE,
			hint         TEXT        NOT NULL DEFAULT '',
			last_checked TIMESTAMPTZ NOT NULL
		)`,

		// 5) Background restore jobs
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS casesync.restore_jobs (
			job_id       TEXT        PRIMARY KEY,
			user_id      TEXT        NOT NULL,
			device_id    TEXT        NOT NULL,
			cache_key    TEXT        NOT NULL,
			status       TEXT        NOT NULL CHECK (status IN ('pending','complete','failed','superseded')),
			sync_id      TEXT        NOT NULL DEFAULT '',
			error        TEXT        NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS restore_jobs_device_idx
			ON casesync.restore_jobs (user_id, device_id) WHERE status = 'pending'`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
