// Package router drives one CNPJ lookup across the enabled providers,
// delegating pacing decisions to the adaptive rate limiter.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
	"github.com/fairyhunter13/cnpj-enricher/internal/domain"
)

// Limiter is the slice of the adaptive rate limiter the router needs.
type Limiter interface {
	PickProvider(candidates ...string) string
	WaitForAny(ctx context.Context, timeout time.Duration, candidates ...string) string
	Consume(name string) bool
	OnSuccess(name string)
	OnRateLimited(name string)
	OnTransientError(name string)
}

// Router fans a lookup across providers until one answers or all are spent.
type Router struct {
	limiter        Limiter
	clients        map[string]domain.ProviderClient
	perRequestWait time.Duration
}

// New wires the router. perRequestWait bounds how long a single lookup may
// wait for any provider to become available.
func New(limiter Limiter, clients []domain.ProviderClient, perRequestWait time.Duration) *Router {
	m := make(map[string]domain.ProviderClient, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	if perRequestWait <= 0 {
		perRequestWait = 30 * time.Second
	}
	return &Router{limiter: limiter, clients: m, perRequestWait: perRequestWait}
}

// Route performs one lookup. Transiently rejected providers are dropped from
// the candidate set and the next best one is tried; a provider that answers
// authoritatively (found or not) ends the loop.
func (r *Router) Route(ctx context.Context, cnpj string) (*domain.Company, error) {
	candidates := make(map[string]struct{}, len(r.clients))
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		candidates[name] = struct{}{}
		names = append(names, name)
	}

	var lastProvider string
	var lastCause error

	for len(candidates) > 0 {
		names = names[:0]
		for name := range candidates {
			names = append(names, name)
		}

		provider := r.limiter.PickProvider(names...)
		if provider == "" {
			provider = r.limiter.WaitForAny(ctx, r.perRequestWait, names...)
		}
		if provider == "" {
			return nil, fmt.Errorf("op=router.route cnpj=%s: %w", cnpj, domain.ErrNoProviderAvailable)
		}
		if !r.limiter.Consume(provider) {
			// Another worker drained the bucket between pick and take.
			continue
		}

		start := time.Now()
		outcome := r.clients[provider].Query(ctx, cnpj)
		observability.ProviderRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

		switch outcome.Kind {
		case domain.OutcomeOK:
			r.limiter.OnSuccess(provider)
			observability.ProviderRequestsTotal.WithLabelValues(provider, "ok").Inc()
			rec := outcome.Record
			rec.ProviderName = provider
			if rec.QueriedAt.IsZero() {
				rec.QueriedAt = time.Now().UTC()
			}
			return rec, nil
		case domain.OutcomeNotFound:
			// The provider is healthy; the CNPJ simply does not exist.
			r.limiter.OnSuccess(provider)
			observability.ProviderRequestsTotal.WithLabelValues(provider, "not_found").Inc()
			return nil, fmt.Errorf("op=router.route provider=%s: %w: CNPJ not found", provider, domain.ErrNotFound)
		case domain.OutcomeInvalid:
			r.limiter.OnSuccess(provider)
			observability.ProviderRequestsTotal.WithLabelValues(provider, "invalid").Inc()
			return nil, fmt.Errorf("op=router.route provider=%s: %w: %v", provider, domain.ErrInvalidCNPJ, outcome.Cause)
		case domain.OutcomeRateLimited:
			r.limiter.OnRateLimited(provider)
			observability.ProviderRequestsTotal.WithLabelValues(provider, "rate_limited").Inc()
			slog.Warn("provider rejected with rate limit, trying next",
				slog.String("provider", provider), slog.String("cnpj", cnpj))
			lastProvider, lastCause = provider, domain.ErrUpstreamRateLimit
			delete(candidates, provider)
		case domain.OutcomeTransient:
			r.limiter.OnTransientError(provider)
			observability.ProviderRequestsTotal.WithLabelValues(provider, "transient").Inc()
			slog.Warn("provider transient failure, trying next",
				slog.String("provider", provider), slog.String("cnpj", cnpj), slog.Any("error", outcome.Cause))
			lastProvider, lastCause = provider, outcome.Cause
			delete(candidates, provider)
		}
	}

	return nil, fmt.Errorf("op=router.route cnpj=%s: %w: last failure from %s: %v",
		cnpj, domain.ErrAllProvidersFailed, lastProvider, lastCause)
}
