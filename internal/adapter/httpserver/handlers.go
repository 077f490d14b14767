package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/cnpj-enricher/internal/app"
	"github.com/fairyhunter13/cnpj-enricher/internal/config"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// Pipeline is the slice of the supervisor the HTTP layer needs.
type Pipeline interface {
	Submit(ctx context.Context, raws []string) ([]app.SubmitResult, error)
	StatusSnapshot(ctx context.Context) (app.Status, error)
	RestartQueue(ctx context.Context, includeErrors bool) (app.RestartResult, error)
	CleanupDuplicates(ctx context.Context) (app.CleanupResult, error)
}

// JobReader resolves the latest job row for one CNPJ.
type JobReader interface {
	LatestJob(ctx context.Context, cnpj string) (domain.Job, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Pipeline  Pipeline
	Companies domain.CompanyStore
	Jobs      JobReader
	DBCheck   func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, pipeline Pipeline, companies domain.CompanyStore, jobs JobReader, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Pipeline: pipeline, Companies: companies, Jobs: jobs, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitRequest struct {
	CNPJs []string `json:"cnpjs" validate:"required,min=1,max=10000,dive,required"`
}

// SubmitHandler accepts a batch of CNPJs for asynchronous enrichment.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidCNPJ), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidCNPJ, err), nil)
			return
		}
		results, err := s.Pipeline.Submit(r.Context(), req.CNPJs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batch_id": newReqID(),
			"results":  results,
		})
	}
}

// StatusHandler reports aggregate pipeline state.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.Pipeline.StatusSnapshot(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type companyView struct {
	CNPJ               string            `json:"cnpj"`
	LegalName          string            `json:"legal_name"`
	TradeName          string            `json:"trade_name,omitempty"`
	RegistrationStatus string            `json:"registration_status,omitempty"`
	Street             string            `json:"street,omitempty"`
	Number             string            `json:"number,omitempty"`
	Complement         string            `json:"complement,omitempty"`
	Neighborhood       string            `json:"neighborhood,omitempty"`
	City               string            `json:"city,omitempty"`
	State              string            `json:"state,omitempty"`
	ZipCode            string            `json:"zip_code,omitempty"`
	Email              string            `json:"email,omitempty"`
	Phone              string            `json:"phone,omitempty"`
	MainActivityCode   string            `json:"main_activity_code,omitempty"`
	MainActivityText   string            `json:"main_activity_text,omitempty"`
	SideActivities     []domain.Activity `json:"side_activities,omitempty"`
	Partners           []domain.Partner  `json:"partners,omitempty"`
	SimplesOptant      bool              `json:"simples_optant"`
	SimplesSince       *time.Time        `json:"simples_since,omitempty"`
	ProviderName       string            `json:"provider_name"`
	QueriedAt          time.Time         `json:"queried_at"`
}

type lookupResponse struct {
	Status       string       `json:"status"`
	Company      *companyView `json:"company,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RetryCount   int          `json:"retry_count,omitempty"`
}

// LookupHandler returns the enriched record for one CNPJ, or the state of its
// job when enrichment has not completed.
func (s *Server) LookupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cnpj, err := domain.CanonicalizeCNPJ(chi.URLParam(r, "cnpj"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		rec, err := s.Companies.GetByCNPJ(r.Context(), cnpj)
		if err == nil {
			writeJSON(w, http.StatusOK, lookupResponse{
				Status:  string(domain.JobCompleted),
				Company: toCompanyView(rec),
			})
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			writeError(w, r, err, nil)
			return
		}

		job, err := s.Jobs.LatestJob(r.Context(), cnpj)
		if err != nil {
			writeError(w, r, err, map[string]string{"cnpj": cnpj})
			return
		}
		writeJSON(w, http.StatusOK, lookupResponse{
			Status:       string(job.Status),
			ErrorMessage: job.ErrorMessage,
			RetryCount:   job.RetryCount,
		})
	}
}

func toCompanyView(rec domain.Company) *companyView {
	return &companyView{
		CNPJ:               rec.CNPJ,
		LegalName:          rec.LegalName,
		TradeName:          rec.TradeName,
		RegistrationStatus: rec.RegistrationStatus,
		Street:             rec.Street,
		Number:             rec.Number,
		Complement:         rec.Complement,
		Neighborhood:       rec.Neighborhood,
		City:               rec.City,
		State:              rec.State,
		ZipCode:            rec.ZipCode,
		Email:              rec.Email,
		Phone:              rec.Phone,
		MainActivityCode:   rec.MainActivityCode,
		MainActivityText:   rec.MainActivityText,
		SideActivities:     rec.SideActivities,
		Partners:           rec.Partners,
		SimplesOptant:      rec.SimplesOptant,
		SimplesSince:       rec.SimplesSince,
		ProviderName:       rec.ProviderName,
		QueriedAt:          rec.QueriedAt,
	}
}

// HealthzHandler reports process liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the database must answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable", "db": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
