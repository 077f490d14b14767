// Package domain holds the core entities and ports of the CNPJ enrichment
// pipeline. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidCNPJ         = errors.New("invalid cnpj")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyPending      = errors.New("already pending")
	ErrAlreadyDone         = errors.New("already done")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrInternal            = errors.New("internal error")
)

// JobStatus is the durable state of the latest enrichment attempt for a CNPJ.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobError       JobStatus = "error"
	JobRateLimited JobStatus = "rate_limited"
)

// Job tracks one CNPJ through the queue. The newest row per CNPJ (by
// created_at) is authoritative; RetryCount counts attempts after the first.
type Job struct {
	ID           string
	CNPJ         string
	Status       JobStatus
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Company is the normalized registry record for one CNPJ. Fields are
// best-effort per provider; absent data stays at the zero value.
type Company struct {
	CNPJ               string
	LegalName          string
	TradeName          string
	RegistrationStatus string
	Street             string
	Number             string
	Complement         string
	Neighborhood       string
	City               string
	State              string
	ZipCode            string
	Email              string
	Phone              string
	MainActivityCode   string
	MainActivityText   string
	SideActivities     []Activity
	Partners           []Partner
	SimplesOptant      bool
	SimplesSince       *time.Time
	RawPayload         []byte
	ProviderName       string
	QueriedAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Activity is one CNAE entry.
type Activity struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Partner is one entry of the company's ownership board (QSA).
type Partner struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// OutcomeKind tags a provider query result so the router can branch on
// failure classes uniformly instead of unwrapping errors.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeNotFound
	OutcomeRateLimited
	OutcomeTransient
	OutcomeInvalid
)

// ProviderOutcome is the tagged result of a single provider call.
type ProviderOutcome struct {
	Kind   OutcomeKind
	Record *Company
	Cause  error
}

func OutcomeSuccess(rec *Company) ProviderOutcome {
	return ProviderOutcome{Kind: OutcomeOK, Record: rec}
}

func OutcomeMissing() ProviderOutcome { return ProviderOutcome{Kind: OutcomeNotFound} }

func OutcomeLimited() ProviderOutcome { return ProviderOutcome{Kind: OutcomeRateLimited} }

func OutcomeTransientErr(cause error) ProviderOutcome {
	return ProviderOutcome{Kind: OutcomeTransient, Cause: cause}
}

func OutcomeInvalidReq(cause error) ProviderOutcome {
	return ProviderOutcome{Kind: OutcomeInvalid, Cause: cause}
}

// ProviderClient performs exactly one HTTP call per Query. Implementations
// must not retry or sleep; pacing and retries belong to the router and queue.
type ProviderClient interface {
	Name() string
	Query(ctx context.Context, cnpj string) ProviderOutcome
}

// ProviderSpec is the static metadata the limiter needs per provider.
type ProviderSpec struct {
	Name           string
	LimitPerMinute int
	Enabled        bool
}

// EnqueueAck reports the per-CNPJ result of a submit call.
type EnqueueAck string

const (
	AckQueued         EnqueueAck = "queued"
	AckAlreadyPending EnqueueAck = "already_pending"
	AckAlreadyDone    EnqueueAck = "already_done"
	AckInvalid        EnqueueAck = "invalid"
)

// StatusCounts aggregates durable job counts by status.
type StatusCounts struct {
	Total       int64 `json:"total"`
	Queued      int64 `json:"queued"`
	Processing  int64 `json:"processing"`
	Completed   int64 `json:"completed"`
	Error       int64 `json:"error"`
	RateLimited int64 `json:"rate_limited"`
}

// JobStore is the sole mediator of durable job state. Each method runs in its
// own transaction; implementations roll back on any error.
type JobStore interface {
	// Enqueue inserts a queued row unless the latest row for cnpj is already
	// pending or completed. Returns the resulting ack.
	Enqueue(ctx context.Context, cnpj string) (EnqueueAck, error)
	// Claim transitions the latest row for cnpj from queued to processing.
	// Returns the claimed job and false when the row is no longer claimable.
	Claim(ctx context.Context, cnpj string) (Job, bool, error)
	// MarkCompleted upserts the company record and completes the job in one
	// transaction. A unique violation on the company row is treated as
	// success: the prior enrichment is authoritative.
	MarkCompleted(ctx context.Context, cnpj string, rec *Company) error
	MarkError(ctx context.Context, cnpj, message string) error
	MarkRateLimited(ctx context.Context, cnpj, message string) error
	// Requeue flips the latest row back to queued and bumps retry_count by
	// the given delta (0 for reaper rescues).
	Requeue(ctx context.Context, cnpj string, retryDelta int) error
	// FindStuck resets processing rows older than threshold back to queued
	// and returns their CNPJs. Row-locked to avoid racing Claim.
	FindStuck(ctx context.Context, threshold time.Duration) ([]string, error)
	// LoadPending returns the oldest queued CNPJs, up to limit (<=0 means all).
	LoadPending(ctx context.Context, limit int) ([]string, error)
	// ResetFailed flips error and rate_limited rows back to queued and
	// returns how many were reset.
	ResetFailed(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)
	RecentJobs(ctx context.Context, limit int) ([]Job, error)
	// DedupeDuplicates keeps the newest row per CNPJ in both tables and
	// reports how many rows were removed from each.
	DedupeDuplicates(ctx context.Context) (jobsRemoved, companiesRemoved int64, err error)
}

// CompanyStore reads normalized records for the API surface.
type CompanyStore interface {
	GetByCNPJ(ctx context.Context, cnpj string) (Company, error)
}
