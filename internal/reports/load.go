package reports

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"convoinsights/internal/contract"
	"convoinsights/internal/store"
)

// LoadIncrementalMechanism reads one incremental sidecar. With a period
// id it loads that period's file; otherwise it picks the newest period by
// filename. Missing, malformed, or contract-invalid files yield nil.
func LoadIncrementalMechanism(st *store.Store, periodID string) map[string]any {
	var path string
	if strings.TrimSpace(periodID) != "" {
		path = st.IncrementalSidecarPath(strings.TrimSpace(periodID))
	} else {
		entries, err := os.ReadDir(st.IncrementalInsightsDir())
		if err != nil {
			return nil
		}
		var stems []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			stems = append(stems, strings.TrimSuffix(name, ".json"))
		}
		if len(stems) == 0 {
			return nil
		}
		sort.Strings(stems)
		path = st.IncrementalSidecarPath(stems[len(stems)-1])
	}

	payload, err := store.ReadJSON(filepath.Clean(path))
	if err != nil {
		return nil
	}
	if errs := contract.ValidateIncrementalMechanism(payload); len(errs) > 0 {
		return nil
	}
	return payload
}
