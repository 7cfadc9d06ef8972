package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIEndpoint    = "https://api.openai.com/v1/chat/completions"
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"

	inferenceTemperature = 0.2

	anthropicSessionMaxTokens     = 2000
	anthropicIncrementalMaxTokens = 3000
)

// postJSON issues one JSON POST and decodes the response into out.
// HTTP-level failures carry the status and a bounded body excerpt.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timed out: %w", err)
		}
		return fmt.Errorf("Network error: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Network error: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateText(string(data), 500))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- OpenAI Chat Completions ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string             `json:"model"`
	Temperature    float64            `json:"temperature"`
	ResponseFormat chatResponseFormat `json:"response_format"`
	Messages       []chatMessage      `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func newOpenAIClient(apiKey, model string, timeout time.Duration) *openAIClient {
	return &openAIClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    openAIEndpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *openAIClient) InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, sessionInputName, digest, sessionOutputSchema)
	if err != nil {
		return nil, err
	}
	return c.infer(ctx, prompt)
}

func (c *openAIClient) InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, incrementalInputName, input, incrementalOutputName)
	if err != nil {
		return nil, err
	}
	return c.infer(ctx, prompt)
}

func (c *openAIClient) infer(ctx context.Context, userPrompt string) (map[string]any, error) {
	request := chatRequest{
		Model:          c.model,
		Temperature:    inferenceTemperature,
		ResponseFormat: chatResponseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: userPrompt},
		},
	}
	var response chatResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := postJSON(ctx, c.httpClient, c.baseURL, headers, request, &response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI response missing choices")
	}
	return ExtractJSONObject(decodeChatContent(response.Choices[0].Message.Content))
}

// decodeChatContent accepts both the plain string form and the structured
// parts form of chat completion content.
func decodeChatContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString(part.Text)
		}
		return b.String()
	}
	return ""
}

// --- Anthropic Messages ---

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func newAnthropicClient(apiKey, model string, timeout time.Duration) *anthropicClient {
	return &anthropicClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    anthropicEndpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *anthropicClient) InferSession(ctx context.Context, skillPrompt string, digest map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, sessionInputName, digest, sessionOutputSchema)
	if err != nil {
		return nil, err
	}
	return c.infer(ctx, prompt, anthropicSessionMaxTokens)
}

func (c *anthropicClient) InferIncremental(ctx context.Context, skillPrompt string, input map[string]any) (map[string]any, error) {
	prompt, err := BuildUserPrompt(skillPrompt, incrementalInputName, input, incrementalOutputName)
	if err != nil {
		return nil, err
	}
	return c.infer(ctx, prompt, anthropicIncrementalMaxTokens)
}

func (c *anthropicClient) infer(ctx context.Context, userPrompt string, maxTokens int) (map[string]any, error) {
	request := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: inferenceTemperature,
		System:      SystemPrompt(),
		Messages: []anthropicMessage{
			{Role: "user", Content: []anthropicContent{{Type: "text", Text: userPrompt}}},
		},
	}
	var response anthropicResponse
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := postJSON(ctx, c.httpClient, c.baseURL, headers, request, &response); err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return ExtractJSONObject(b.String())
}
