// Package contract validates SessionMechanismV1 and IncrementalMechanismV1
// payloads. Validators never fail hard: they return the full ordered list of
// violations and leave accept/reject policy to the caller.
package contract

import (
	"fmt"
	"strings"
)

const (
	// SessionSchema is the schema_version of per-session mechanism sidecars.
	SessionSchema = "session-mechanism.v1"
	// IncrementalSchema is the schema_version of per-period aggregates.
	IncrementalSchema = "incremental-mechanism.v1"
)

// placeholderTokens mark low-quality filler text. The same list backs both
// the contract validator and the report-sync quality gate.
var placeholderTokens = []string{
	"placeholder",
	"insufficient-evidence",
	"no validated",
	"need more session mechanism outputs",
	"collect-more-session-insights",
	"tbd",
	"trigger-missing",
	"action-missing",
	"root-cause-missing",
	"gain-missing",
	"window-missing",
}

// mechanismTokens are the markers of mechanism-level explanation or action
// language. ASCII tokens match case-insensitively, CJK tokens by exact
// substring.
var mechanismTokens = []string{
	"机制",
	"根因",
	"导致",
	"因为",
	"动作",
	"验证",
	"改善",
	"干预",
	"hypothesis",
	"root cause",
	"trigger",
	"action",
	"validation",
}

var disallowedEngines = map[string]bool{
	"manual":   true,
	"mock":     true,
	"template": true,
}

var disallowedProviders = map[string]bool{
	"skill-manual": true,
	"manual":       true,
	"mock":         true,
	"api-mock":     true,
	"template":     true,
}

var disallowedRunIDTokens = []string{
	"replace-mock-sidecars",
	"mock-sidecar",
	"mock-backfill",
}

// ContainsPlaceholder reports whether text is empty or carries a
// low-quality placeholder marker.
func ContainsPlaceholder(text string) bool {
	content := strings.ToLower(strings.TrimSpace(text))
	if content == "" {
		return true
	}
	for _, token := range placeholderTokens {
		if strings.Contains(content, token) {
			return true
		}
	}
	return false
}

// LooksMechanistic reports whether text contains at least one
// mechanism-language marker.
func LooksMechanistic(text string) bool {
	content := strings.ToLower(strings.TrimSpace(text))
	if content == "" {
		return false
	}
	for _, token := range mechanismTokens {
		if strings.Contains(content, token) {
			return true
		}
	}
	return false
}

// ContainsCJK reports whether text carries any character in the CJK
// unified ideograph range U+4E00..U+9FFF.
func ContainsCJK(text string) bool {
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

// GeneratedByBlockReason returns a non-empty reason when generated_by
// metadata indicates simulated output.
func GeneratedByBlockReason(generatedBy any) string {
	meta, ok := generatedBy.(map[string]any)
	if !ok {
		return ""
	}

	engine := strings.ToLower(strings.TrimSpace(stringValue(meta["engine"])))
	provider := strings.ToLower(strings.TrimSpace(stringValue(meta["provider"])))
	runID := strings.ToLower(strings.TrimSpace(stringValue(meta["run_id"])))

	if disallowedEngines[engine] {
		return fmt.Sprintf("generated_by.engine=%s is not allowed", engine)
	}
	if disallowedProviders[provider] {
		return fmt.Sprintf("generated_by.provider=%s is not allowed", provider)
	}
	for _, token := range disallowedRunIDTokens {
		if strings.Contains(runID, token) {
			return fmt.Sprintf("generated_by.run_id contains blocked token: %s", runID)
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
