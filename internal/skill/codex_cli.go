package skill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const codexReasoningEffort = "medium"

// codexCLIClient shells out to the local codex binary. The final answer is
// collected through --output-last-message instead of stdout, which codex
// fills with progress noise.
type codexCLIClient struct {
	model   string
	timeout time.Duration
}

// codexWorkdir is an isolated directory so repository-level agent
// instruction files never leak into inference.
func codexWorkdir() (string, error) {
	dir := filepath.Join(os.TempDir(), "conversation-insights-codex-runtime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create codex workdir: %w", err)
	}
	return dir, nil
}

func (c *codexCLIClient) InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, sessionInputName, digest, sessionOutputSchema)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, prompt, "codex_cli")
}

func (c *codexCLIClient) InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, incrementalInputName, input, incrementalOutputName)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, prompt, "codex_cli incremental")
}

func (c *codexCLIClient) run(ctx context.Context, userPrompt, label string) (map[string]any, error) {
	workdir, err := codexWorkdir()
	if err != nil {
		return nil, err
	}
	outputPath := filepath.Join(os.TempDir(), "codex-last-msg-"+uuid.NewString()+".txt")
	defer os.Remove(outputPath)

	ctx, cancel := context.WithTimeout(ctx, cliTimeout(c.timeout))
	defer cancel()

	cmd := exec.CommandContext(ctx, "codex",
		"exec",
		"--skip-git-repo-check",
		"-C", workdir,
		"--sandbox", "workspace-write",
		"--model", c.model,
		"-c", fmt.Sprintf("model_reasoning_effort=%q", codexReasoningEffort),
		"--output-last-message", outputPath,
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
			hint := strings.TrimSpace(stderr.String())
			if hint == "" {
				hint = strings.TrimSpace(stdout.String())
			}
			return nil, fmt.Errorf("%s failed rc=%d: %s", label, exitErr.ExitCode(), truncateText(hint, 500))
		}
		return nil, fmt.Errorf("%s failed: %w", label, err)
	}

	text, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%s finished without output-last-message file", label)
	}
	return ExtractJSONObject(string(text))
}
