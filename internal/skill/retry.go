package skill

import (
	"context"
	"strings"
	"time"
)

const maxInferRetries = 2

// cliRetryMarkers cover transient Claude CLI failures.
var cliRetryMarkers = []string{
	"timed out",
	"failed rc=1",
	"no json object found",
}

// transientRetryMarkers additionally cover rate limiting, which Codex CLI
// and the HTTP providers surface in their error text.
var transientRetryMarkers = []string{
	"timed out",
	"failed rc=1",
	"no json object found",
	"rate limit",
}

// retryClient retries transient inference failures with capped
// exponential backoff: 1s, 2s, 4s ceiling.
type retryClient struct {
	inner   Client
	markers []string
	sleep   func(time.Duration)
}

func withRetries(inner Client, markers []string) *retryClient {
	return &retryClient{inner: inner, markers: markers, sleep: time.Sleep}
}

func (r *retryClient) isRetryable(err error) bool {
	text := strings.ToLower(err.Error())
	for _, marker := range r.markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (r *retryClient) run(infer func() (map[string]any, error)) (map[string]any, error) {
	attempt := 0
	for {
		payload, err := infer()
		if err == nil {
			return payload, nil
		}
		if attempt >= maxInferRetries || !r.isRetryable(err) {
			return nil, err
		}
		delay := time.Duration(1<<attempt) * time.Second
		if delay > 4*time.Second {
			delay = 4 * time.Second
		}
		r.sleep(delay)
		attempt++
	}
}

func (r *retryClient) InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error) {
	return r.run(func() (map[string]any, error) {
		return r.inner.InferSession(ctx, skillPrompt, digest)
	})
}

func (r *retryClient) InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error) {
	return r.run(func() (map[string]any, error) {
		return r.inner.InferIncremental(ctx, skillPrompt, input)
	})
}
