// Package notion is a minimal Notion API v1 client covering the database
// and block operations the report sync needs.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	notionVersion  = "2022-06-28"

	maxRetries          = 3
	initialBackoff      = time.Second
	requestTimeout      = 30 * time.Second
	maxBlocksPerRequest = 100
	maxQueryPageSize    = 100
)

// Client talks to the Notion API with retry on rate limits and network
// failures.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sleep      func(time.Duration)
}

// NewClient creates a Client using the given integration token.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		sleep:      time.Sleep,
	}
}

// WithBaseURL overrides the API base URL, used for testing.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// request performs one API call with up to maxRetries attempts. 429
// responses honour Retry-After; network errors back off exponentially.
func (c *Client) request(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Notion-Version", notionVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				c.sleep(backoff)
				backoff *= 2
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("network error on %s %s: %v", method, path, err)
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if attempt < maxRetries {
				c.sleep(backoff)
				backoff *= 2
				lastErr = readErr
				continue
			}
			return nil, fmt.Errorf("network error on %s %s: %v", method, path, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt < maxRetries {
				wait := backoff
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if secs, err := strconv.ParseFloat(ra, 64); err == nil {
						wait = time.Duration(secs * float64(time.Second))
					}
				}
				c.sleep(wait)
				backoff *= 2
				lastErr = fmt.Errorf("HTTP 429: %s", data)
				continue
			}
			return nil, fmt.Errorf("Notion API error %d %s %s: %s", resp.StatusCode, method, path, data)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("Notion API error %d %s %s: %s", resp.StatusCode, method, path, data)
		}

		result := map[string]any{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, fmt.Errorf("decode response from %s %s: %w", method, path, err)
			}
		}
		return result, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", maxRetries, lastErr)
}

// QueryDatabase returns every page of a database query, following
// pagination cursors automatically.
func (c *Client) QueryDatabase(ctx context.Context, dbID string, filter map[string]any, sorts []map[string]any) ([]map[string]any, error) {
	var results []map[string]any
	var startCursor string
	for {
		payload := map[string]any{"page_size": maxQueryPageSize}
		if filter != nil {
			payload["filter"] = filter
		}
		if len(sorts) > 0 {
			payload["sorts"] = sorts
		}
		if startCursor != "" {
			payload["start_cursor"] = startCursor
		}

		resp, err := c.request(ctx, http.MethodPost, "/databases/"+dbID+"/query", payload)
		if err != nil {
			return nil, err
		}
		if pages, ok := resp["results"].([]any); ok {
			for _, page := range pages {
				if m, ok := page.(map[string]any); ok {
					results = append(results, m)
				}
			}
		}
		hasMore, _ := resp["has_more"].(bool)
		if !hasMore {
			return results, nil
		}
		startCursor, _ = resp["next_cursor"].(string)
		if startCursor == "" {
			return results, nil
		}
	}
}

// CreatePage creates a page in a database. When more than 100 children
// are supplied, the first 100 go into the create call and the rest are
// appended afterwards.
func (c *Client) CreatePage(ctx context.Context, databaseID string, properties map[string]any, children []map[string]any) (map[string]any, error) {
	payload := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": properties,
	}
	initial := children
	var overflow []map[string]any
	if len(children) > maxBlocksPerRequest {
		initial = children[:maxBlocksPerRequest]
		overflow = children[maxBlocksPerRequest:]
	}
	if len(initial) > 0 {
		payload["children"] = initial
	}

	page, err := c.request(ctx, http.MethodPost, "/pages", payload)
	if err != nil {
		return nil, err
	}
	if len(overflow) > 0 {
		pageID, _ := page["id"].(string)
		if err := c.AppendBlocks(ctx, pageID, overflow); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// UpdatePage sets page properties (partial update).
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties map[string]any) (map[string]any, error) {
	return c.request(ctx, http.MethodPatch, "/pages/"+pageID, map[string]any{"properties": properties})
}

// ArchivePage soft-deletes a page.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	_, err := c.request(ctx, http.MethodPatch, "/pages/"+pageID, map[string]any{"archived": true})
	return err
}

// GetBlocks returns all child blocks of a page or block, paginated.
func (c *Client) GetBlocks(ctx context.Context, blockID string) ([]map[string]any, error) {
	var results []map[string]any
	var startCursor string
	for {
		path := "/blocks/" + blockID + "/children?page_size=100"
		if startCursor != "" {
			path += "&start_cursor=" + startCursor
		}
		resp, err := c.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		if blocks, ok := resp["results"].([]any); ok {
			for _, block := range blocks {
				if m, ok := block.(map[string]any); ok {
					results = append(results, m)
				}
			}
		}
		hasMore, _ := resp["has_more"].(bool)
		if !hasMore {
			return results, nil
		}
		startCursor, _ = resp["next_cursor"].(string)
		if startCursor == "" {
			return results, nil
		}
	}
}

// AppendBlocks appends children to a page in batches of 100.
func (c *Client) AppendBlocks(ctx context.Context, pageID string, blocks []map[string]any) error {
	for start := 0; start < len(blocks); start += maxBlocksPerRequest {
		end := start + maxBlocksPerRequest
		if end > len(blocks) {
			end = len(blocks)
		}
		batch := make([]any, 0, end-start)
		for _, block := range blocks[start:end] {
			batch = append(batch, block)
		}
		if _, err := c.request(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", map[string]any{"children": batch}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBlock archives one block.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	_, err := c.request(ctx, http.MethodDelete, "/blocks/"+blockID, nil)
	return err
}

// ClearPage removes every child block of a page.
func (c *Client) ClearPage(ctx context.Context, pageID string) error {
	blocks, err := c.GetBlocks(ctx, pageID)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		blockID, _ := block["id"].(string)
		if blockID == "" {
			continue
		}
		if err := c.DeleteBlock(ctx, blockID); err != nil {
			return err
		}
	}
	return nil
}
