package skill

import (
	"encoding/json"
	"errors"
	"strings"

	"convoinsights/internal/contract"
)

// ExtractJSONObject pulls the first JSON object out of free-form model
// text. The whole text is tried first; otherwise decoding starts at each
// brace or bracket, tolerating prose before and after.
func ExtractJSONObject(text string) (map[string]any, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, errors.New("empty model output")
	}

	var direct map[string]any
	if err := json.Unmarshal([]byte(content), &direct); err == nil {
		return direct, nil
	}

	for idx, ch := range content {
		if ch != '{' && ch != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(content[idx:]))
		var parsed any
		if err := dec.Decode(&parsed); err != nil {
			continue
		}
		if obj, ok := parsed.(map[string]any); ok {
			return obj, nil
		}
	}
	return nil, errors.New("no JSON object found in model output")
}

// extractCLIJSONResponse unwraps the Claude CLI JSON envelope before
// extracting the target payload. The envelope carries either a result
// string or content text blocks; the payload itself is also accepted.
func extractCLIJSONResponse(stdout string) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &parsed); err == nil {
		if result, ok := parsed["result"].(string); ok && strings.TrimSpace(result) != "" {
			return ExtractJSONObject(result)
		}
		if content, ok := parsed["content"].([]any); ok {
			var b strings.Builder
			for _, block := range content {
				m, ok := block.(map[string]any)
				if !ok {
					continue
				}
				if blockType, _ := m["type"].(string); blockType != "text" {
					continue
				}
				if text, _ := m["text"].(string); text != "" {
					b.WriteString(text)
				}
			}
			if strings.TrimSpace(b.String()) != "" {
				return ExtractJSONObject(b.String())
			}
		}
		if parsed["schema_version"] == contract.SessionSchema {
			return parsed, nil
		}
		if sessionID, _ := parsed["session_id"].(string); sessionID != "" {
			return parsed, nil
		}
	}
	return ExtractJSONObject(stdout)
}
