// Package provider implements the HTTP clients for the public CNPJ registry
// APIs. Each client performs exactly one request per Query and reports a
// tagged outcome; retries, pacing and provider selection live elsewhere.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes bounds how much of a provider response is read. Registry
// payloads are a few KB; anything bigger is garbage.
const maxBodyBytes = 1 << 20

// newHTTPClient builds the shared client shape: hard deadline, traced
// transport.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// get issues one GET and returns status plus body. Network errors and
// deadline expiry surface as errors for the caller to classify as transient.
func get(ctx context.Context, hc *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("op=provider.get: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("op=provider.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("op=provider.get: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

var errUnexpectedStatus = errors.New("unexpected status")

// cleanZip strips the punctuation registries sprinkle into CEPs.
func cleanZip(zip string) string {
	zip = strings.ReplaceAll(zip, ".", "")
	zip = strings.ReplaceAll(zip, "-", "")
	return zip
}

// parseDate accepts the YYYY-MM-DD and DD/MM/YYYY forms seen across the
// registries; nil when absent or unparseable.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
