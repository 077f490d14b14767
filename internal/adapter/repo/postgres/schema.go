package postgres

import (
	"context"
	"fmt"
)

// schema is applied at boot; every statement is idempotent so repeated starts
// and concurrent replicas are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cnpj_jobs (
		id            TEXT PRIMARY KEY,
		cnpj          TEXT NOT NULL,
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		retry_count   INT  NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cnpj_jobs_cnpj_created ON cnpj_jobs (cnpj, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_cnpj_jobs_status_updated ON cnpj_jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS cnpj_companies (
		cnpj                TEXT PRIMARY KEY,
		legal_name          TEXT NOT NULL DEFAULT '',
		trade_name          TEXT NOT NULL DEFAULT '',
		registration_status TEXT NOT NULL DEFAULT '',
		street              TEXT NOT NULL DEFAULT '',
		number              TEXT NOT NULL DEFAULT '',
		complement          TEXT NOT NULL DEFAULT '',
		neighborhood        TEXT NOT NULL DEFAULT '',
		city                TEXT NOT NULL DEFAULT '',
		state               TEXT NOT NULL DEFAULT '',
		zip_code            TEXT NOT NULL DEFAULT '',
		email               TEXT NOT NULL DEFAULT '',
		phone               TEXT NOT NULL DEFAULT '',
		main_activity_code  TEXT NOT NULL DEFAULT '',
		main_activity_text  TEXT NOT NULL DEFAULT '',
		side_activities     JSONB,
		partners            JSONB,
		simples_optant      BOOLEAN NOT NULL DEFAULT FALSE,
		simples_since       TIMESTAMPTZ,
		raw_payload         JSONB,
		provider_name       TEXT NOT NULL DEFAULT '',
		queried_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables and indexes used by the store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
