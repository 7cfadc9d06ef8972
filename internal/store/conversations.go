package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"convoinsights/internal/contract"
)

// ConversationFilter narrows LoadConversations results. Since and Until are
// inclusive ISO dates compared against the date prefix of created_at.
type ConversationFilter struct {
	Since  string
	Until  string
	Source string
}

// LoadConversations reads every parseable conversation under dir, applies
// the filter, and returns them sorted by created_at descending. Malformed
// files are skipped silently; they are not errors at this layer.
func LoadConversations(dir string, filter ConversationFilter) []map[string]any {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var conversations []map[string]any
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, err := ReadJSON(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}

		if filter.Source != "" {
			if source, _ := conv["source"].(string); source != filter.Source {
				continue
			}
		}

		createdAt, _ := conv["created_at"].(string)
		created := createdAt
		if len(created) > 10 {
			created = created[:10]
		}
		if filter.Since != "" && created < filter.Since {
			continue
		}
		if filter.Until != "" && created > filter.Until {
			continue
		}

		conversations = append(conversations, conv)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		a, _ := conversations[i]["created_at"].(string)
		b, _ := conversations[j]["created_at"].(string)
		return a > b
	})
	return conversations
}

// LoadSessionSidecars reads every parseable session sidecar under dir in
// filename order, dropping payloads whose generated_by metadata is blocked.
func LoadSessionSidecars(dir string) []map[string]any {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var sidecars []map[string]any
	for _, name := range names {
		payload, err := ReadJSON(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if contract.GeneratedByBlockReason(payload["generated_by"]) != "" {
			continue
		}
		sidecars = append(sidecars, payload)
	}
	return sidecars
}
