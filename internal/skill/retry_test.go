package skill

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) next() (map[string]any, error) {
	defer func() { s.calls++ }()
	if s.calls < len(s.errs) && s.errs[s.calls] != nil {
		return nil, s.errs[s.calls]
	}
	return map[string]any{"summary": "成功"}, nil
}

func (s *scriptedClient) InferSession(context.Context, string, map[string]any) (map[string]any, error) {
	return s.next()
}

func (s *scriptedClient) InferIncremental(context.Context, string, map[string]any) (map[string]any, error) {
	return s.next()
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &scriptedClient{errs: []error{
		errors.New("claude_cli timed out after 3m0s"),
		errors.New("claude_cli failed rc=1: transient"),
		nil,
	}}
	var delays []time.Duration
	client := withRetries(inner, cliRetryMarkers)
	client.sleep = func(d time.Duration) { delays = append(delays, d) }

	payload, err := client.InferSession(context.Background(), "skill", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if payload["summary"] != "成功" {
		t.Errorf("payload = %v", payload)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v", delays)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	inner := &scriptedClient{errs: []error{errors.New("HTTP 401: unauthorized")}}
	client := withRetries(inner, transientRetryMarkers)
	client.sleep = func(time.Duration) { t.Error("should not sleep for non-retryable error") }

	_, err := client.InferSession(context.Background(), "skill", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	inner := &scriptedClient{errs: []error{
		errors.New("rate limit exceeded"),
		errors.New("rate limit exceeded"),
		errors.New("rate limit exceeded"),
		errors.New("rate limit exceeded"),
	}}
	var delays []time.Duration
	client := withRetries(inner, transientRetryMarkers)
	client.sleep = func(d time.Duration) { delays = append(delays, d) }

	_, err := client.InferIncremental(context.Background(), "skill", map[string]any{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
	if len(delays) != 2 {
		t.Errorf("delays = %v", delays)
	}
}

func TestRateLimitNotRetryableForClaudeCLI(t *testing.T) {
	inner := &scriptedClient{errs: []error{errors.New("rate limit exceeded")}}
	client := withRetries(inner, cliRetryMarkers)
	client.sleep = func(time.Duration) { t.Error("claude_cli markers should not retry rate limits") }

	if _, err := client.InferSession(context.Background(), "skill", map[string]any{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}
