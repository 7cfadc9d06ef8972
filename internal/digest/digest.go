// Package digest compresses a full conversation into the bounded
// SessionDigestV1 view used as LLM input.
package digest

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxTimelineTurns      = 12
	userSnippetLimit      = 140
	assistantSnippetLimit = 120
)

// ParseTimestamp parses an ISO-8601 timestamp with optional Z suffix or
// offset; naive timestamps are treated as UTC. Empty or unparseable input
// falls back to the current time.
func ParseTimestamp(value string) time.Time {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Now().UTC()
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

// WeekLabel converts a timestamp into its ISO week label YYYY-Www.
func WeekLabel(value string) string {
	year, week := ParseTimestamp(value).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Snippet collapses whitespace and bounds text to limit characters.
func Snippet(text string, limit int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	runes := []rune(cleaned)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return cleaned
}

// selectTimelineTurns keeps all turns when they fit, otherwise the first
// half and last half of the cap, deduplicated by turn_id keeping the first
// occurrence. First turns anchor task framing; last turns anchor outcome.
func selectTimelineTurns(turns []map[string]any, maxTurns int) []map[string]any {
	if len(turns) <= maxTurns {
		return turns
	}

	head := maxTurns / 2
	tail := maxTurns - head
	selected := make([]map[string]any, 0, maxTurns)
	selected = append(selected, turns[:head]...)
	selected = append(selected, turns[len(turns)-tail:]...)

	deduped := make([]map[string]any, 0, len(selected))
	seen := map[int]bool{}
	for _, turn := range selected {
		turnID := intValue(turn["turn_id"])
		if turnID > 0 && seen[turnID] {
			continue
		}
		if turnID > 0 {
			seen[turnID] = true
		}
		deduped = append(deduped, turn)
	}
	return deduped
}

// Build derives a SessionDigestV1 from a unified conversation record.
func Build(conv map[string]any) map[string]any {
	metadata, _ := conv["metadata"].(map[string]any)
	llm, _ := mapValue(metadata, "llm_metadata")
	createdAt := stringValue(conv["created_at"])
	turns := mapSlice(conv["turns"])

	timeline := make([]map[string]any, 0, maxTimelineTurns)
	for idx, turn := range selectTimelineTurns(turns, maxTimelineTurns) {
		userMessage, _ := turn["user_message"].(map[string]any)
		assistantResponse, _ := turn["assistant_response"].(map[string]any)
		toolUses := mapSlice(valueOf(assistantResponse, "tool_uses"))

		tools := make([]string, 0, len(toolUses))
		for _, tool := range toolUses {
			if name := stringValue(tool["tool_name"]); name != "" {
				tools = append(tools, name)
			}
		}

		turnID := intValue(turn["turn_id"])
		if turnID <= 0 {
			turnID = idx + 1
		}

		corrections, _ := turn["corrections"].([]any)
		timeline = append(timeline, map[string]any{
			"turn_id":           turnID,
			"user_snippet":      Snippet(stringValue(valueOf(userMessage, "content")), userSnippetLimit),
			"assistant_snippet": Snippet(stringValue(valueOf(assistantResponse, "content")), assistantSnippetLimit),
			"correction_count":  len(corrections),
			"tools":             tools,
		})
	}

	turnCount := intValue(valueOf(metadata, "total_turns"))
	if turnCount <= 0 {
		turnCount = len(turns)
	}

	return map[string]any{
		"schema_version":   "session-digest.v1",
		"session_id":       stringValue(conv["session_id"]),
		"source":           stringOr(conv["source"], "unknown"),
		"model":            stringOr(conv["model"], "unknown"),
		"title":            stringValue(conv["title"]),
		"created_at":       createdAt,
		"week":             WeekLabel(createdAt),
		"turn_count":       turnCount,
		"tool_count":       intValue(valueOf(metadata, "total_tool_uses")),
		"primary_language": stringOr(valueOf(metadata, "primary_language"), "unknown"),
		"detected_domains": stringSlice(valueOf(metadata, "detected_domains")),
		"llm_metadata": map[string]any{
			"conversation_intent":  llm["conversation_intent"],
			"task_type":            llm["task_type"],
			"actual_domains":       anySliceOrEmpty(llm["actual_domains"]),
			"difficulty":           llm["difficulty"],
			"outcome":              llm["outcome"],
			"key_topics":           anySliceOrEmpty(llm["key_topics"]),
			"prompt_quality":       mapOrEmpty(llm["prompt_quality"]),
			"cognitive_patterns":   anySliceOrEmpty(llm["cognitive_patterns"]),
			"conversation_summary": stringValue(llm["conversation_summary"]),
		},
		"timeline": timeline,
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func valueOf(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func mapValue(m map[string]any, key string) (map[string]any, bool) {
	child, ok := valueOf(m, key).(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	return child, true
}

func mapSlice(v any) []map[string]any {
	items, _ := v.([]any)
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func anySliceOrEmpty(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	return []any{}
}

func mapOrEmpty(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
