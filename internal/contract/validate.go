package contract

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"convoinsights/internal/dimensions"
)

const maxDetailLinesPerReport = 80

var evidenceDumpPattern = regexp.MustCompile(`(?i)(#t\d+|session[_-]?id|主证据[:：]|辅助证据[:：])`)

// nonEmptyString reports whether v is a string with non-blank content.
func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

// asInt accepts JSON-decoded numbers: encoding/json produces float64 for
// untyped trees, while normalized payloads carry real ints.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, float64:
		return true
	}
	return false
}

func validateEvidence(evidence map[string]any, index int) []string {
	var errs []string

	if !nonEmptyString(evidence["session_id"]) {
		errs = append(errs, fmt.Sprintf("evidence[%d].session_id must be non-empty string", index))
	}
	if turnID, ok := asInt(evidence["turn_id"]); !ok || turnID <= 0 {
		errs = append(errs, fmt.Sprintf("evidence[%d].turn_id must be positive integer", index))
	}
	if !nonEmptyString(evidence["snippet"]) {
		errs = append(errs, fmt.Sprintf("evidence[%d].snippet must be non-empty string", index))
	}
	if tier, present := evidence["tier"]; present && tier != nil {
		if s, ok := tier.(string); !ok || (s != "primary" && s != "supporting") {
			errs = append(errs, fmt.Sprintf("evidence[%d].tier must be 'primary' or 'supporting' when present", index))
		}
	}
	return errs
}

// ValidateSessionMechanism checks a SessionMechanismV1 payload and returns
// every violation found. An empty result means the payload is valid.
func ValidateSessionMechanism(payload map[string]any) []string {
	var errs []string

	if payload["schema_version"] != SessionSchema {
		errs = append(errs, fmt.Sprintf("schema_version must be '%s'", SessionSchema))
	}
	if !nonEmptyString(payload["session_id"]) {
		errs = append(errs, "session_id must be non-empty string")
	}
	if !nonEmptyString(payload["created_at"]) {
		errs = append(errs, "created_at must be non-empty string")
	}
	if week, present := payload["week"]; present && week != nil && !nonEmptyString(week) {
		errs = append(errs, "week must be non-empty string when present")
	}
	if periodID, present := payload["period_id"]; present && periodID != nil && !nonEmptyString(periodID) {
		errs = append(errs, "period_id must be non-empty string when present")
	}

	whatHappened, ok := payload["what_happened"].([]any)
	if !ok || len(whatHappened) == 0 {
		errs = append(errs, "what_happened must be non-empty list")
	} else {
		for idx, entry := range whatHappened {
			if s, ok := entry.(string); ok && ContainsPlaceholder(s) {
				errs = append(errs, fmt.Sprintf("what_happened[%d] contains placeholder content", idx))
			}
		}
	}

	whyItems, ok := payload["why"].([]any)
	if !ok || len(whyItems) == 0 {
		errs = append(errs, "why must be non-empty list")
	} else {
		for idx, entry := range whyItems {
			item, ok := entry.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Sprintf("why[%d] must be object", idx))
				continue
			}
			if !nonEmptyString(item["hypothesis"]) {
				errs = append(errs, fmt.Sprintf("why[%d].hypothesis must be non-empty string", idx))
			} else if ContainsPlaceholder(item["hypothesis"].(string)) {
				errs = append(errs, fmt.Sprintf("why[%d].hypothesis contains placeholder content", idx))
			}
			if confidence, present := item["confidence"]; present && confidence != nil && !isNumber(confidence) {
				errs = append(errs, fmt.Sprintf("why[%d].confidence must be number when present", idx))
			}
			evidence, ok := item["evidence"].([]any)
			if !ok || len(evidence) == 0 {
				errs = append(errs, fmt.Sprintf("why[%d].evidence must be non-empty list", idx))
				continue
			}
			for evIdx, evEntry := range evidence {
				ev, ok := evEntry.(map[string]any)
				if !ok {
					errs = append(errs, fmt.Sprintf("why[%d].evidence[%d] must be object", idx, evIdx))
					continue
				}
				errs = append(errs, validateEvidence(ev, evIdx)...)
			}
		}
	}

	actions, ok := payload["how_to_improve"].([]any)
	if !ok || len(actions) == 0 {
		errs = append(errs, "how_to_improve must be non-empty list")
	} else {
		for idx, entry := range actions {
			action, ok := entry.(map[string]any)
			if !ok {
				errs = append(errs, fmt.Sprintf("how_to_improve[%d] must be object", idx))
				continue
			}
			for _, key := range []string{"trigger", "action", "expected_gain", "validation_window"} {
				if !nonEmptyString(action[key]) {
					errs = append(errs, fmt.Sprintf("how_to_improve[%d].%s must be non-empty string", idx, key))
				} else if ContainsPlaceholder(action[key].(string)) {
					errs = append(errs, fmt.Sprintf("how_to_improve[%d].%s contains placeholder content", idx, key))
				}
			}
		}
	}

	if labels, present := payload["labels"]; present && labels != nil {
		if _, ok := labels.([]any); !ok {
			errs = append(errs, "labels must be list when present")
		}
	}

	if !nonEmptyString(payload["summary"]) {
		errs = append(errs, "summary must be non-empty string")
	} else if ContainsPlaceholder(payload["summary"].(string)) {
		errs = append(errs, "summary contains placeholder content")
	}

	generatedBy, ok := payload["generated_by"].(map[string]any)
	if !ok {
		errs = append(errs, "generated_by must be object")
	} else {
		for _, key := range []string{"engine", "provider", "model", "run_id", "generated_at"} {
			if !nonEmptyString(generatedBy[key]) {
				errs = append(errs, fmt.Sprintf("generated_by.%s must be non-empty string", key))
			}
		}
		if reason := GeneratedByBlockReason(generatedBy); reason != "" {
			errs = append(errs, fmt.Sprintf("generated_by is blocked: %s", reason))
		}
	}

	return errs
}

// ValidateIncrementalMechanism checks an IncrementalMechanismV1 payload and
// returns every violation found.
func ValidateIncrementalMechanism(payload map[string]any) []string {
	var errs []string

	if payload["schema_version"] != IncrementalSchema {
		errs = append(errs, fmt.Sprintf("schema_version must be '%s'", IncrementalSchema))
	}

	periodID := stringValue(payload["period_id"])
	week := stringValue(payload["week"])
	if strings.TrimSpace(periodID) == "" && strings.TrimSpace(week) == "" {
		errs = append(errs, "period_id or week must be provided")
	}

	if period, present := payload["period"]; present && period != nil {
		periodObj, ok := period.(map[string]any)
		if !ok {
			errs = append(errs, "period must be object when present")
		} else {
			for _, key := range []string{"since", "until"} {
				if value, has := periodObj[key]; has && !nonEmptyString(value) {
					errs = append(errs, fmt.Sprintf("period.%s must be non-empty string when present", key))
				}
			}
		}
	}

	reports, ok := payload["reports"].([]any)
	if !ok || len(reports) == 0 {
		errs = append(errs, "reports must be non-empty list")
	} else {
		errs = append(errs, validateReports(reports, periodID, week)...)
	}

	coverage, ok := payload["coverage"].(map[string]any)
	if !ok {
		errs = append(errs, "coverage must be object")
	} else {
		for _, key := range []string{"sessions_total", "sessions_with_mechanism"} {
			if n, ok := asInt(coverage[key]); !ok || n < 0 {
				errs = append(errs, fmt.Sprintf("coverage.%s must be non-negative integer", key))
			}
		}
		total, okTotal := asInt(coverage["sessions_total"])
		with, okWith := asInt(coverage["sessions_with_mechanism"])
		if okTotal && okWith && with > total {
			errs = append(errs, "coverage.sessions_with_mechanism cannot exceed coverage.sessions_total")
		}
	}

	if whatHappened, present := payload["what_happened"]; present && whatHappened != nil {
		if _, ok := whatHappened.([]any); !ok {
			errs = append(errs, "what_happened must be list when present")
		}
	}

	return errs
}

func validateReports(reports []any, periodID, week string) []string {
	var errs []string
	seenKeys := map[[2]string]bool{}

	for idx, entry := range reports {
		item, ok := entry.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("reports[%d] must be object", idx))
			continue
		}
		for _, key := range []string{"dimension", "layer", "title", "key_insights"} {
			if !nonEmptyString(item[key]) {
				errs = append(errs, fmt.Sprintf("reports[%d].%s must be non-empty string", idx, key))
			}
		}
		dimension := strings.TrimSpace(stringValue(item["dimension"]))
		layer := strings.TrimSpace(stringValue(item["layer"]))
		if dimension != "" && !dimensions.IsSupported(dimension) {
			errs = append(errs, fmt.Sprintf("reports[%d].dimension must be one of [%s]", idx, dimensions.SupportedList()))
		}
		if expected, ok := dimensions.ExpectedLayer(dimension); ok && layer != "" && layer != expected {
			errs = append(errs, fmt.Sprintf("reports[%d].layer must be '%s' for dimension '%s'", idx, expected, dimension))
		}

		for _, key := range []string{"period", "date"} {
			if value, present := item[key]; present && value != nil && !nonEmptyString(value) {
				errs = append(errs, fmt.Sprintf("reports[%d].%s must be non-empty string when present", idx, key))
			}
		}
		periodKey := strings.TrimSpace(stringValue(item["period"]))
		if periodKey == "" {
			periodKey = strings.TrimSpace(periodID)
		}
		if periodKey == "" {
			periodKey = strings.TrimSpace(week)
		}
		if dimension != "" && periodKey != "" {
			key := [2]string{dimension, periodKey}
			if seenKeys[key] {
				errs = append(errs, fmt.Sprintf("duplicate report key detected for dimension+period: %s+%s", dimension, periodKey))
			} else {
				seenKeys[key] = true
			}
		}

		if conv, present := item["conversations_analyzed"]; present && conv != nil {
			if n, ok := asInt(conv); !ok || n < 0 {
				errs = append(errs, fmt.Sprintf("reports[%d].conversations_analyzed must be non-negative integer when present", idx))
			}
		}

		errs = append(errs, validateReportDetail(item, idx)...)
	}
	return errs
}

func validateReportDetail(item map[string]any, idx int) []string {
	var errs []string

	detailLines, linesIsList := item["detail_lines"].([]any)
	detailText := stringValue(item["detail_text"])

	var normalized []string
	if linesIsList {
		for _, line := range detailLines {
			if s, ok := line.(string); ok && strings.TrimSpace(s) != "" {
				normalized = append(normalized, strings.TrimSpace(s))
			}
		}
	}

	if len(normalized) == 0 && strings.TrimSpace(detailText) == "" {
		errs = append(errs, fmt.Sprintf("reports[%d] requires detail_lines or detail_text", idx))
	}
	if linesIsList {
		if len(normalized) > maxDetailLinesPerReport {
			errs = append(errs, fmt.Sprintf(
				"reports[%d].detail_lines has %d lines; expected aggregated insights <= %d",
				idx, len(normalized), maxDetailLinesPerReport))
		}
		if len(normalized) >= 20 {
			evidenceLike := 0
			for _, line := range normalized {
				if evidenceDumpPattern.MatchString(line) {
					evidenceLike++
				}
			}
			if float64(evidenceLike)/float64(len(normalized)) >= 0.7 {
				errs = append(errs, fmt.Sprintf(
					"reports[%d] looks like per-session evidence dump; aggregate into mechanism-level insights", idx))
			}
		}
	}
	return errs
}
