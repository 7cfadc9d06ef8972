package skill

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Supported provider names.
const (
	ProviderClaudeCLI = "claude_cli"
	ProviderCodexCLI  = "codex_cli"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Client runs Skill inference against one provider.
type Client interface {
	InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error)
	InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error)
}

// IsSupportedProvider reports whether name is a known provider.
func IsSupportedProvider(name string) bool {
	switch name {
	case ProviderClaudeCLI, ProviderCodexCLI, ProviderOpenAI, ProviderAnthropic:
		return true
	}
	return false
}

// DefaultModel returns the per-provider default model.
func DefaultModel(provider string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		return "claude-3-5-sonnet-latest", nil
	case ProviderOpenAI:
		return "gpt-4o-mini", nil
	case ProviderClaudeCLI:
		return "sonnet", nil
	case ProviderCodexCLI:
		return "gpt-5-codex", nil
	}
	return "", fmt.Errorf("unsupported provider: %s", provider)
}

// NewClient builds the provider client, wrapped with transient-failure
// retries. HTTP providers require their API key env var up front so the
// failure surfaces before any inference starts.
func NewClient(provider, model string, timeout time.Duration) (Client, error) {
	switch provider {
	case ProviderClaudeCLI:
		return withRetries(&claudeCLIClient{model: model, timeout: timeout}, cliRetryMarkers), nil
	case ProviderCodexCLI:
		return withRetries(&codexCLIClient{model: model, timeout: timeout}, transientRetryMarkers), nil
	case ProviderOpenAI:
		key, err := requireEnvKey("OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return withRetries(newOpenAIClient(key, model, timeout), transientRetryMarkers), nil
	case ProviderAnthropic:
		key, err := requireEnvKey("ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return withRetries(newAnthropicClient(key, model, timeout), transientRetryMarkers), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", provider)
}

func requireEnvKey(name string) (string, error) {
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", fmt.Errorf("%s is not set", name)
	}
	return key, nil
}
