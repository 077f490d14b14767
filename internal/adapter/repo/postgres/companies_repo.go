package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

const companyColumns = `cnpj, legal_name, trade_name, registration_status,
street, number, complement, neighborhood, city, state, zip_code,
email, phone, main_activity_code, main_activity_text,
side_activities, partners, simples_optant, simples_since,
raw_payload, provider_name, queried_at, created_at, updated_at`

// MarkCompleted upserts the company record and completes the job row in one
// transaction. A unique violation on the company row means a prior run
// already enriched this CNPJ; that earlier record is authoritative, so the
// job is completed anyway.
func (s *Store) MarkCompleted(ctx context.Context, cnpj string, rec *domain.Company) error {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.MarkCompleted")
	defer span.End()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=company.mark_completed begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertCompany(ctx, tx, cnpj, rec); err != nil {
		if !isUniqueViolation(err) {
			return fmt.Errorf("op=company.mark_completed upsert: %w", err)
		}
		// Roll back the poisoned transaction and complete the job on a
		// fresh one; the existing record stands.
		_ = tx.Rollback(ctx)
		slog.Info("company record already present, completing job",
			slog.String("cnpj", cnpj))
		return s.setLatestStatus(ctx, cnpj, domain.JobCompleted, "", 0)
	}

	q := `UPDATE cnpj_jobs SET status=$2, error_message='', updated_at=$3
	WHERE id = (SELECT id FROM cnpj_jobs WHERE cnpj=$1 ORDER BY created_at DESC LIMIT 1)`
	if _, err := tx.Exec(ctx, q, cnpj, domain.JobCompleted, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=company.mark_completed job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=company.mark_completed commit: %w", err)
	}
	return nil
}

func upsertCompany(ctx context.Context, tx pgx.Tx, cnpj string, rec *domain.Company) error {
	side, err := json.Marshal(rec.SideActivities)
	if err != nil {
		return fmt.Errorf("marshal side_activities: %w", err)
	}
	partners, err := json.Marshal(rec.Partners)
	if err != nil {
		return fmt.Errorf("marshal partners: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO cnpj_companies (` + companyColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$23)
	ON CONFLICT (cnpj) DO UPDATE SET
	legal_name=EXCLUDED.legal_name, trade_name=EXCLUDED.trade_name,
	registration_status=EXCLUDED.registration_status,
	street=EXCLUDED.street, number=EXCLUDED.number, complement=EXCLUDED.complement,
	neighborhood=EXCLUDED.neighborhood, city=EXCLUDED.city, state=EXCLUDED.state,
	zip_code=EXCLUDED.zip_code, email=EXCLUDED.email, phone=EXCLUDED.phone,
	main_activity_code=EXCLUDED.main_activity_code, main_activity_text=EXCLUDED.main_activity_text,
	side_activities=EXCLUDED.side_activities, partners=EXCLUDED.partners,
	simples_optant=EXCLUDED.simples_optant, simples_since=EXCLUDED.simples_since,
	raw_payload=EXCLUDED.raw_payload, provider_name=EXCLUDED.provider_name,
	queried_at=EXCLUDED.queried_at, updated_at=EXCLUDED.updated_at`
	_, err = tx.Exec(ctx, q,
		cnpj, rec.LegalName, rec.TradeName, rec.RegistrationStatus,
		rec.Street, rec.Number, rec.Complement, rec.Neighborhood, rec.City, rec.State, rec.ZipCode,
		rec.Email, rec.Phone, rec.MainActivityCode, rec.MainActivityText,
		side, partners, rec.SimplesOptant, rec.SimplesSince,
		rec.RawPayload, rec.ProviderName, rec.QueriedAt, now)
	return err
}

// GetByCNPJ loads a normalized company record.
func (s *Store) GetByCNPJ(ctx context.Context, cnpj string) (domain.Company, error) {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.GetByCNPJ")
	defer span.End()

	q := `SELECT ` + companyColumns + ` FROM cnpj_companies WHERE cnpj=$1`
	row := s.Pool.QueryRow(ctx, q, cnpj)
	var rec domain.Company
	var side, partners []byte
	err := row.Scan(&rec.CNPJ, &rec.LegalName, &rec.TradeName, &rec.RegistrationStatus,
		&rec.Street, &rec.Number, &rec.Complement, &rec.Neighborhood, &rec.City, &rec.State, &rec.ZipCode,
		&rec.Email, &rec.Phone, &rec.MainActivityCode, &rec.MainActivityText,
		&side, &partners, &rec.SimplesOptant, &rec.SimplesSince,
		&rec.RawPayload, &rec.ProviderName, &rec.QueriedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Company{}, fmt.Errorf("op=company.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Company{}, fmt.Errorf("op=company.get: %w", err)
	}
	if len(side) > 0 {
		if err := json.Unmarshal(side, &rec.SideActivities); err != nil {
			return domain.Company{}, fmt.Errorf("op=company.get side_activities: %w", err)
		}
	}
	if len(partners) > 0 {
		if err := json.Unmarshal(partners, &rec.Partners); err != nil {
			return domain.Company{}, fmt.Errorf("op=company.get partners: %w", err)
		}
	}
	return rec, nil
}
