package contract

import (
	"strings"
)

const evidenceSnippetLimit = 240

// NormalizeEvidenceText collapses whitespace and bounds a snippet for
// dedupe and display.
func NormalizeEvidenceText(text string) string {
	content := strings.Join(strings.Fields(text), " ")
	if len(content) > evidenceSnippetLimit {
		content = content[:evidenceSnippetLimit]
	}
	return content
}

type evidenceIdentity struct {
	SessionID string
	TurnID    int
	Snippet   string
}

func identityOf(item map[string]any) (evidenceIdentity, bool) {
	sessionID := strings.TrimSpace(stringValue(item["session_id"]))
	if sessionID == "" {
		return evidenceIdentity{}, false
	}
	turnID, ok := asInt(item["turn_id"])
	if !ok || turnID <= 0 {
		return evidenceIdentity{}, false
	}
	snippet := NormalizeEvidenceText(stringValue(item["snippet"]))
	if snippet == "" {
		return evidenceIdentity{}, false
	}
	return evidenceIdentity{sessionID, turnID, strings.ToLower(snippet)}, true
}

// DedupeEvidence drops entries sharing a (session_id, turn_id, snippet)
// identity, keeping first occurrence.
func DedupeEvidence(entries []map[string]any) []map[string]any {
	seen := map[evidenceIdentity]bool{}
	var result []map[string]any
	for _, entry := range entries {
		key, ok := identityOf(entry)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, map[string]any{
			"session_id": key.SessionID,
			"turn_id":    key.TurnID,
			"snippet":    NormalizeEvidenceText(stringValue(entry["snippet"])),
		})
	}
	return result
}

// SelectDiverseEvidence picks layered evidence: distinct sessions first as
// "primary" (capped), then remaining entries as "supporting".
func SelectDiverseEvidence(entries []map[string]any, maxItems, primaryLimit int) []map[string]any {
	if maxItems <= 0 {
		return nil
	}
	deduped := DedupeEvidence(entries)
	if len(deduped) == 0 {
		return nil
	}

	primaryCap := primaryLimit
	if primaryCap > maxItems {
		primaryCap = maxItems
	}
	if primaryCap < 1 {
		primaryCap = 1
	}

	var selected []map[string]any
	seenSessions := map[string]bool{}
	for _, entry := range deduped {
		sid := stringValue(entry["session_id"])
		if sid == "" || seenSessions[sid] {
			continue
		}
		selected = append(selected, withTier(entry, "primary"))
		seenSessions[sid] = true
		if len(selected) >= primaryCap {
			break
		}
	}

	for _, entry := range deduped {
		if len(selected) >= maxItems {
			break
		}
		if containsEvidence(selected, entry) {
			continue
		}
		selected = append(selected, withTier(entry, "supporting"))
	}
	return selected
}

func withTier(entry map[string]any, tier string) map[string]any {
	out := make(map[string]any, len(entry)+1)
	for k, v := range entry {
		out[k] = v
	}
	out["tier"] = tier
	return out
}

func containsEvidence(selected []map[string]any, entry map[string]any) bool {
	entryTurn, _ := asInt(entry["turn_id"])
	for _, existing := range selected {
		existingTurn, _ := asInt(existing["turn_id"])
		if stringValue(existing["session_id"]) == stringValue(entry["session_id"]) &&
			existingTurn == entryTurn &&
			stringValue(existing["snippet"]) == stringValue(entry["snippet"]) {
			return true
		}
	}
	return false
}

// HasValidEvidenceItem reports whether an evidence entry is concrete:
// a real session id, a positive turn id, and a non-placeholder snippet.
func HasValidEvidenceItem(item map[string]any) bool {
	sessionID := strings.TrimSpace(stringValue(item["session_id"]))
	lowered := strings.ToLower(sessionID)
	if sessionID == "" || lowered == "n/a" || lowered == "unknown" {
		return false
	}
	turnID, ok := asInt(item["turn_id"])
	if !ok || turnID <= 0 {
		return false
	}
	snippet := strings.TrimSpace(stringValue(item["snippet"]))
	if snippet == "" || ContainsPlaceholder(snippet) {
		return false
	}
	return true
}

// SessionHasMechanismSignal reports whether a session sidecar carries at
// least one non-placeholder hypothesis backed by concrete evidence.
func SessionHasMechanismSignal(session map[string]any) bool {
	if GeneratedByBlockReason(session["generated_by"]) != "" {
		return false
	}
	if ContainsPlaceholder(stringValue(session["summary"])) {
		return false
	}

	whyItems, _ := session["why"].([]any)
	for _, entry := range whyItems {
		why, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		hypothesis := strings.TrimSpace(stringValue(why["hypothesis"]))
		if hypothesis == "" || ContainsPlaceholder(hypothesis) {
			continue
		}
		evidence, ok := why["evidence"].([]any)
		if !ok {
			continue
		}
		for _, evEntry := range evidence {
			if ev, ok := evEntry.(map[string]any); ok && HasValidEvidenceItem(ev) {
				return true
			}
		}
	}
	return false
}
