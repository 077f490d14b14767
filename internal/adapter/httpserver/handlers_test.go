package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cnpj-enricher/internal/app"
	"github.com/fairyhunter13/cnpj-enricher/internal/config"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

type stubPipeline struct {
	submitted []string
	restart   app.RestartResult
	cleanup   app.CleanupResult
	status    app.Status
	err       error
}

func (s *stubPipeline) Submit(_ context.Context, raws []string) ([]app.SubmitResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.submitted = raws
	out := make([]app.SubmitResult, 0, len(raws))
	for _, r := range raws {
		out = append(out, app.SubmitResult{CNPJ: r, Status: domain.AckQueued})
	}
	return out, nil
}

func (s *stubPipeline) StatusSnapshot(context.Context) (app.Status, error) {
	return s.status, s.err
}

func (s *stubPipeline) RestartQueue(context.Context, bool) (app.RestartResult, error) {
	return s.restart, s.err
}

func (s *stubPipeline) CleanupDuplicates(context.Context) (app.CleanupResult, error) {
	return s.cleanup, s.err
}

type stubCompanies struct {
	rec domain.Company
	err error
}

func (s stubCompanies) GetByCNPJ(context.Context, string) (domain.Company, error) {
	return s.rec, s.err
}

type stubJobs struct {
	job domain.Job
	err error
}

func (s stubJobs) LatestJob(context.Context, string) (domain.Job, error) {
	return s.job, s.err
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:           "test",
		RateLimitPerMin:  1000,
		CORSAllowOrigins: "*",
	}
}

func newTestServer(p Pipeline, companies domain.CompanyStore, jobs JobReader, dbCheck func(context.Context) error) http.Handler {
	if p == nil {
		p = &stubPipeline{}
	}
	if companies == nil {
		companies = stubCompanies{err: domain.ErrNotFound}
	}
	if jobs == nil {
		jobs = stubJobs{err: domain.ErrNotFound}
	}
	return NewServer(testConfig(), p, companies, jobs, dbCheck).Router()
}

func TestSubmitAcceptsBatch(t *testing.T) {
	t.Parallel()
	p := &stubPipeline{}
	h := newTestServer(p, nil, nil, nil)

	body := `{"cnpjs":["11.222.333/0001-81","60701190000104"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/cnpjs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, p.submitted, 2)

	var resp struct {
		BatchID string             `json:"batch_id"`
		Results []app.SubmitResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 2)
	assert.Len(t, resp.BatchID, 26, "batch id is a ULID")
}

func TestSubmitRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/cnpjs", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/cnpjs", strings.NewReader(`{"cnpjs":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	p := &stubPipeline{status: app.Status{
		Counts:   domain.StatusCounts{Total: 3, Completed: 2, Queued: 1},
		QueueLen: 1,
	}}
	h := newTestServer(p, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got app.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.Counts.Total)
	assert.Equal(t, 1, got.QueueLen)

	// Counts serialize snake_case like the rest of the API.
	body := rec.Body.String()
	assert.Contains(t, body, `"total":3`)
	assert.Contains(t, body, `"rate_limited":0`)
	assert.NotContains(t, body, `"Total"`)
}

func TestLookupReturnsCompletedCompany(t *testing.T) {
	t.Parallel()
	companies := stubCompanies{rec: domain.Company{
		CNPJ: "11222333000181", LegalName: "ACME LTDA",
		ProviderName: "receitaws", QueriedAt: time.Now(),
	}}
	h := newTestServer(nil, companies, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cnpj/11.222.333.0001-81", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp lookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	require.NotNil(t, resp.Company)
	assert.Equal(t, "ACME LTDA", resp.Company.LegalName)
}

func TestLookupFallsBackToJobState(t *testing.T) {
	t.Parallel()
	jobs := stubJobs{job: domain.Job{
		CNPJ: "11222333000181", Status: domain.JobQueued, RetryCount: 1,
	}}
	h := newTestServer(nil, stubCompanies{err: domain.ErrNotFound}, jobs, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cnpj/11222333000181", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp lookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.Nil(t, resp.Company)
}

func TestLookupUnknownCNPJIs404(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cnpj/11222333000181", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLookupRejectsInvalidCNPJ(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/cnpj/garbage", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_CNPJ", env.Error.Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsDBHealth(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, func(context.Context) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newTestServer(nil, nil, nil, func(context.Context) error { return errors.New("db down") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	t.Parallel()
	h := newTestServer(nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
