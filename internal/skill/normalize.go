package skill

import (
	"fmt"
	"strconv"
	"strings"
)

// GeneratedBy stamps provenance metadata onto normalized payloads.
type GeneratedBy struct {
	Engine      string
	Provider    string
	Model       string
	RunID       string
	GeneratedAt string
}

// asNonEmptyText flattens any scalar into whitespace-collapsed text.
func asNonEmptyText(value any) string {
	var text string
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		text = v
	default:
		text = fmt.Sprint(v)
	}
	return strings.Join(strings.Fields(text), " ")
}

// coerceTurnID accepts positive ints and digit strings.
func coerceTurnID(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		if v > 0 {
			return v, true
		}
	case int64:
		if v > 0 {
			return int(v), true
		}
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return 0, false
		}
		parsed, err := strconv.Atoi(raw)
		if err == nil && parsed > 0 {
			return parsed, true
		}
	}
	return 0, false
}

// coerceConfidence accepts numbers and parseable numeric strings.
func coerceConfidence(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// normalizeEvidenceList keeps only entries carrying session_id, a positive
// turn_id, and a snippet. Unknown tiers are dropped, not rejected.
func normalizeEvidenceList(value any) []any {
	var entries []map[string]any
	switch v := value.(type) {
	case map[string]any:
		entries = []map[string]any{v}
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				entries = append(entries, m)
			}
		}
	}

	normalized := make([]any, 0, len(entries))
	for _, entry := range entries {
		sessionID := asNonEmptyText(entry["session_id"])
		turnID, hasTurnID := coerceTurnID(entry["turn_id"])
		snippet := asNonEmptyText(entry["snippet"])
		if sessionID == "" || !hasTurnID || snippet == "" {
			continue
		}
		item := map[string]any{
			"session_id": sessionID,
			"turn_id":    turnID,
			"snippet":    snippet,
		}
		if tier := asNonEmptyText(entry["tier"]); tier == "primary" || tier == "supporting" {
			item["tier"] = tier
		}
		normalized = append(normalized, item)
	}
	return normalized
}

func firstNonEmptyText(payload map[string]any, keys []string) string {
	for _, key := range keys {
		if value := asNonEmptyText(payload[key]); value != "" {
			return value
		}
	}
	return ""
}

// normalizeActions maps loose action vocabularies onto the contract keys.
func normalizeActions(value any) []any {
	var items []map[string]any
	switch v := value.(type) {
	case map[string]any:
		items = []map[string]any{v}
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				items = append(items, m)
			}
		}
	}

	normalized := make([]any, 0, len(items))
	for _, item := range items {
		normalized = append(normalized, map[string]any{
			"trigger":           firstNonEmptyText(item, []string{"trigger", "when", "condition"}),
			"action":            firstNonEmptyText(item, []string{"action", "do", "step"}),
			"expected_gain":     firstNonEmptyText(item, []string{"expected_gain", "expect", "benefit", "outcome"}),
			"validation_window": firstNonEmptyText(item, []string{"validation_window", "validate", "window"}),
		})
	}
	return normalized
}

// SanitizeSessionOutput coerces free-form model output toward the session
// mechanism shape without inventing content. Missing fields fall back to
// common alias keys the models tend to emit instead.
func SanitizeSessionOutput(raw map[string]any) map[string]any {
	item := make(map[string]any, len(raw)+6)
	for k, v := range raw {
		item[k] = v
	}

	var whatHappened []string
	if list, ok := item["what_happened"].([]any); ok {
		for _, entry := range list {
			if text := asNonEmptyText(entry); text != "" {
				whatHappened = append(whatHappened, text)
			}
		}
	}
	if len(whatHappened) == 0 {
		for _, key := range []string{"event", "outcome", "observed_behavior", "observation", "phenomenon"} {
			if text := asNonEmptyText(item[key]); text != "" {
				whatHappened = append(whatHappened, text)
			}
		}
		if _, present := item["snippet"]; present {
			if text := asNonEmptyText(item["snippet"]); text != "" {
				whatHappened = append(whatHappened, text)
			}
		}
	}
	whatHappenedList := make([]any, 0, len(whatHappened))
	for _, text := range whatHappened {
		whatHappenedList = append(whatHappenedList, text)
	}
	item["what_happened"] = whatHappenedList

	summary := asNonEmptyText(item["summary"])
	if summary == "" && len(whatHappened) > 0 {
		summary = whatHappened[0]
	}
	item["summary"] = summary

	var sourceItems []map[string]any
	switch why := item["why"].(type) {
	case []any:
		for _, entry := range why {
			if m, ok := entry.(map[string]any); ok {
				sourceItems = append(sourceItems, m)
			}
		}
	case map[string]any:
		sourceItems = []map[string]any{why}
	}
	if len(sourceItems) == 0 && asNonEmptyText(item["hypothesis"]) != "" {
		sourceItems = []map[string]any{{
			"hypothesis": item["hypothesis"],
			"confidence": item["confidence"],
			"evidence":   item["evidence"],
		}}
	}

	whyItems := make([]any, 0, len(sourceItems))
	for _, entry := range sourceItems {
		hypothesis := firstNonEmptyText(entry, []string{"hypothesis", "root_cause", "reasoning"})
		evidence := normalizeEvidenceList(entry["evidence"])
		if len(evidence) == 0 {
			if _, present := item["evidence"]; present {
				evidence = normalizeEvidenceList(item["evidence"])
			}
		}
		whyItem := map[string]any{"hypothesis": hypothesis, "evidence": evidence}
		if confidence, ok := coerceConfidence(entry["confidence"]); ok {
			whyItem["confidence"] = confidence
		}
		whyItems = append(whyItems, whyItem)
	}
	item["why"] = whyItems

	actions := normalizeActions(item["how_to_improve"])
	if len(actions) == 0 {
		for _, fallbackKey := range []string{"interventions", "recommendations", "actions"} {
			actions = normalizeActions(item[fallbackKey])
			if len(actions) > 0 {
				break
			}
		}
	}
	item["how_to_improve"] = actions

	switch labels := item["labels"].(type) {
	case string:
		if trimmed := strings.TrimSpace(labels); trimmed != "" {
			item["labels"] = []any{trimmed}
		} else {
			item["labels"] = []any{}
		}
	case []any:
		kept := make([]any, 0, len(labels))
		for _, label := range labels {
			if text := asNonEmptyText(label); text != "" {
				kept = append(kept, text)
			}
		}
		item["labels"] = kept
	default:
		item["labels"] = []any{}
	}

	return item
}

// NormalizeSessionOutput sanitizes raw model output and stamps the session
// mechanism envelope from the digest it was generated for.
func NormalizeSessionOutput(raw, digest map[string]any, meta GeneratedBy) map[string]any {
	item := SanitizeSessionOutput(raw)

	week := asNonEmptyText(digest["week"])
	periodID := asNonEmptyText(digest["period_id"])
	if periodID == "" {
		periodID = week
	}

	item["schema_version"] = "session-mechanism.v1"
	item["session_id"] = asNonEmptyText(digest["session_id"])
	item["created_at"] = asNonEmptyText(digest["created_at"])
	if week != "" {
		item["week"] = week
	}
	if periodID != "" {
		item["period_id"] = periodID
	}
	item["generated_by"] = map[string]any{
		"engine":       meta.Engine,
		"provider":     meta.Provider,
		"model":        meta.Model,
		"run_id":       meta.RunID,
		"generated_at": meta.GeneratedAt,
	}
	return item
}
