// Package router dispatches completion requests to model provider
// drivers. It retries transient provider failures with exponential
// backoff, tracks per-provider latency, and guarantees every response
// carries token usage, estimated when the provider reports none.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/pkg/contracts"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

const (
	// DefaultMaxAttempts is how many times a provider call is tried
	// before the failure is surfaced.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the delay before the first retry. Each
	// subsequent retry doubles it.
	DefaultInitialBackoff = 1 * time.Second

	// structuredCallOverhead is added to estimated token counts for
	// schema-constrained calls to account for the schema in the prompt.
	structuredCallOverhead = 20
)

// ModelRouter resolves provider drivers by kind and runs completion
// calls through them with retry.
type ModelRouter struct {
	mu      sync.RWMutex
	drivers map[string]contracts.ProviderDriver

	maxAttempts    int
	initialBackoff time.Duration

	// Rolling average latency per provider kind, in milliseconds.
	latencyMu sync.RWMutex
	latencies map[string]int64
}

// Option configures a ModelRouter.
type Option func(*ModelRouter)

// WithMaxAttempts overrides how many attempts each call gets.
func WithMaxAttempts(n int) Option {
	return func(mr *ModelRouter) {
		if n > 0 {
			mr.maxAttempts = n
		}
	}
}

// WithInitialBackoff overrides the delay before the first retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(mr *ModelRouter) {
		if d > 0 {
			mr.initialBackoff = d
		}
	}
}

// NewModelRouter creates a router with no drivers registered. Callers
// register the drivers their deployment is configured for.
func NewModelRouter(opts ...Option) *ModelRouter {
	mr := &ModelRouter{
		drivers:        make(map[string]contracts.ProviderDriver),
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		latencies:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// RegisterDriver adds a driver, replacing any existing driver of the
// same kind.
func (mr *ModelRouter) RegisterDriver(d contracts.ProviderDriver) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.drivers[d.Kind()] = d
}

// GetDriver returns the driver for a provider kind, or nil.
func (mr *ModelRouter) GetDriver(kind string) contracts.ProviderDriver {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns the registered driver kinds.
func (mr *ModelRouter) ListDrivers() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	kinds := make([]string, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Complete runs a completion request through the named provider's
// driver. Failures are retried with exponential backoff; once attempts
// are exhausted the last error is returned wrapped in a ProviderError.
// The returned response always has non-nil Usage.
func (mr *ModelRouter) Complete(ctx context.Context, provider string, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	driver := mr.GetDriver(provider)
	if driver == nil {
		return nil, &models.ProviderError{
			Provider: provider,
			Err:      fmt.Errorf("no driver registered for provider %q", provider),
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = mr.initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var resp *models.CompletionResponse
	attempt := 0
	operation := func() error {
		attempt++
		start := time.Now()
		r, err := driver.Complete(ctx, req)
		if err != nil {
			log.Warn().
				Str("provider", provider).
				Str("model", req.Model).
				Int("attempt", attempt).
				Err(err).
				Msg("Provider call failed")
			return err
		}
		mr.trackLatency(provider, time.Since(start).Milliseconds())
		resp = r
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(mr.maxAttempts-1)), ctx))
	if err != nil {
		return nil, &models.ProviderError{Provider: provider, Err: err}
	}

	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage == nil {
		resp.Usage = EstimateUsage(req, resp.Content)
	}
	return resp, nil
}

// HealthCheckAll runs every driver's health check and returns the
// result per kind. A nil value means healthy.
func (mr *ModelRouter) HealthCheckAll(ctx context.Context) map[string]error {
	mr.mu.RLock()
	drivers := make([]contracts.ProviderDriver, 0, len(mr.drivers))
	for _, d := range mr.drivers {
		drivers = append(drivers, d)
	}
	mr.mu.RUnlock()

	results := make(map[string]error, len(drivers))
	for _, d := range drivers {
		results[d.Kind()] = d.HealthCheck(ctx)
	}
	return results
}

func (mr *ModelRouter) trackLatency(provider string, ms int64) {
	mr.latencyMu.Lock()
	defer mr.latencyMu.Unlock()
	prev := mr.latencies[provider]
	if prev == 0 {
		mr.latencies[provider] = ms
		return
	}
	// Exponential moving average
	mr.latencies[provider] = (prev*7 + ms*3) / 10
}

// Latency returns the rolling average latency for a provider in
// milliseconds, or 0 if the provider has not been called yet.
func (mr *ModelRouter) Latency(provider string) int64 {
	mr.latencyMu.RLock()
	defer mr.latencyMu.RUnlock()
	return mr.latencies[provider]
}

// ── Token estimation ────────────────────────────────────────

// EstimateTokens approximates the token count of a text at roughly four
// characters per token, rounded up.
func EstimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// EstimateUsage builds token usage for providers that report none.
// Schema-constrained calls get a fixed overhead on the input side.
func EstimateUsage(req *models.CompletionRequest, content string) *models.TokenUsage {
	var input int64
	for _, m := range req.Messages {
		input += EstimateTokens(m.Content)
	}
	if req.ResponseSchema != nil {
		input += structuredCallOverhead
	}
	output := EstimateTokens(content)
	return &models.TokenUsage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      input + output,
	}
}
