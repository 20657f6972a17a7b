// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the server-side tables if they don't exist.
func (s *Service) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

			// Full message documents, one row per message. State and
			// updated_at are lifted out of the document for querying.
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.message_docs (
				id         TEXT        PRIMARY KEY,
				uid        TEXT        NOT NULL,
				state      TEXT        NOT NULL,
				doc        JSONB       NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_message_docs_uid_updated
				ON sync.message_docs (uid, updated_at)`,
			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_message_docs_uid_state
				ON sync.message_docs (uid, state)`,

			// Food line items, fetched by message id in bounded batches.
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.food_log_foods (
				id         TEXT        PRIMARY KEY,
				uid        TEXT        NOT NULL,
				message_id TEXT        NOT NULL,
				doc        JSONB       NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_food_log_foods_uid_message
				ON sync.food_log_foods (uid, message_id)`,

			// One pending-state document per user. The server is the sole
			// writer of additions; clients only remove processed ids.
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.pending_state (
				uid                   TEXT        PRIMARY KEY,
				pending_message_ids   TEXT[]      NOT NULL DEFAULT '{}',
				processed_message_ids TEXT[]      NOT NULL DEFAULT '{}',
				updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.profiles (
				uid               TEXT        PRIMARY KEY,
				display_name      TEXT        NOT NULL DEFAULT '',
				subscription_tier TEXT        NOT NULL DEFAULT 'trial',
				updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,

			// Daily submission counters backing the rate-limit checks.
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.daily_usage (
				uid      TEXT NOT NULL,
				day      DATE NOT NULL,
				messages INT  NOT NULL DEFAULT 0,
				images   INT  NOT NULL DEFAULT 0,
				PRIMARY KEY (uid, day)
			)`,
		}

		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("schema migration failed: %w", err)
			}
		}
		return nil
	})
}
