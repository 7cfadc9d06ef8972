package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// minCLITimeout keeps CLI startup from tripping tiny configured timeouts.
const minCLITimeout = 10 * time.Second

// claudeCLIClient shells out to the local claude binary, reusing its login
// instead of an API key.
type claudeCLIClient struct {
	model   string
	timeout time.Duration
}

func (c *claudeCLIClient) InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, sessionInputName, digest, sessionOutputSchema)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, prompt, "claude_cli")
}

func (c *claudeCLIClient) InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, incrementalInputName, input, incrementalOutputName)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, prompt, "claude_cli incremental")
}

func (c *claudeCLIClient) run(ctx context.Context, userPrompt, label string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout(c.timeout))
	defer cancel()

	cmd := exec.CommandContext(ctx, "claude",
		"-p",
		"--output-format", "json",
		"--no-session-persistence",
		"--model", c.model,
		"--system-prompt", SystemPrompt(),
		userPrompt,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", label, cliTimeout(c.timeout))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s failed rc=%d: %s",
				label, exitErr.ExitCode(), truncateText(strings.TrimSpace(stderr.String()), 500))
		}
		return nil, fmt.Errorf("%s failed: %w", label, err)
	}
	return extractCLIJSONResponse(stdout.String())
}

func cliTimeout(timeout time.Duration) time.Duration {
	if timeout < minCLITimeout {
		return minCLITimeout
	}
	return timeout
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}
