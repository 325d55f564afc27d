// Package dispatch fans a conversion event out to the advertising platforms
// a shop has configured, gated by trust and consent.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"pixel-relay-backend/trust"
)

// Credentials are the decrypted fields of one platform config, e.g.
// {"pixel_id": ..., "access_token": ...}.
type Credentials map[string]string

func (c Credentials) require(keys ...string) error {
	for _, k := range keys {
		if c[k] == "" {
			return fmt.Errorf("missing credential field %q", k)
		}
	}
	return nil
}

// SendResult is one platform's outcome for one event.
type SendResult struct {
	Success    bool
	StatusCode int
	Err        error
	// Permanent marks failures that retrying cannot fix (bad credentials,
	// payload rejected as invalid).
	Permanent bool
}

// Platform is one advertising destination. Implementations must be safe for
// concurrent use; sends for one job run fully in parallel.
type Platform interface {
	Name() string
	ConsentCategory() trust.Category
	ValidateCredentials(creds Credentials) error
	Send(ctx context.Context, creds Credentials, payload ConversionPayload, eventID string) SendResult
}

// Registry maps platform names to implementations. No string switches at
// call sites: unknown names simply miss the lookup.
type Registry struct {
	platforms map[string]Platform
}

func NewRegistry(platforms ...Platform) *Registry {
	r := &Registry{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		r.platforms[p.Name()] = p
	}
	return r
}

func (r *Registry) Lookup(name string) (Platform, bool) {
	p, ok := r.platforms[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for n := range r.platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry wires the production adapters with a shared HTTP client.
func DefaultRegistry(timeout time.Duration) *Registry {
	client := &http.Client{Timeout: timeout}
	return NewRegistry(
		NewGA4(client),
		NewMeta(client),
		NewTikTok(client),
	)
}

// classifyStatus maps an HTTP status to retryability. Auth and validation
// rejections are permanent; rate limits and server errors are not.
func classifyStatus(code int) (permanent bool) {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return true
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return true
	case code == http.StatusTooManyRequests:
		return false
	default:
		return false
	}
}
