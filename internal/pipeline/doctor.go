package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"convoinsights/internal/contract"
	"convoinsights/internal/store"
)

type doctorCheck struct {
	Name   string
	OK     bool
	Detail any
}

type contractHealth struct {
	Total     int
	Malformed int
	Invalid   int
}

func (h contractHealth) asMap() map[string]any {
	return map[string]any{
		"total":     h.Total,
		"malformed": h.Malformed,
		"invalid":   h.Invalid,
	}
}

func dirHasFiles(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func jsonFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	return paths
}

func sidecarHealth(dir string, validate func(map[string]any) []string) contractHealth {
	var health contractHealth
	for _, path := range jsonFiles(dir) {
		health.Total++
		payload, err := store.ReadJSON(path)
		if err != nil {
			health.Malformed++
			continue
		}
		if len(validate(payload)) > 0 {
			health.Invalid++
		}
	}
	return health
}

// Doctor runs read-only health checks over the project layout, the
// conversation corpus, and both mechanism contracts. The returned value
// is the process exit code.
func (p *Pipeline) Doctor(jsonOutput bool) int {
	var checks []doctorCheck

	checks = append(checks,
		doctorCheck{"config_exists", fileExists(p.store.ConfigPath()), p.store.ConfigPath()},
		doctorCheck{"data_dir_exists", dirHasFiles(p.store.ConversationsDir()), p.store.ConversationsDir()},
		doctorCheck{"insights_session_dir_exists", dirHasFiles(p.store.SessionInsightsDir()), p.store.SessionInsightsDir()},
		doctorCheck{"insights_incremental_dir_exists", dirHasFiles(p.store.IncrementalInsightsDir()), p.store.IncrementalInsightsDir()},
	)

	files, schemaV12, llmMeta, malformed := 0, 0, 0, 0
	for _, path := range jsonFiles(p.store.ConversationsDir()) {
		files++
		conv, err := store.ReadJSON(path)
		if err != nil {
			malformed++
			continue
		}
		if conv["schema_version"] == "1.2" {
			schemaV12++
		}
		if metadata, ok := conv["metadata"].(map[string]any); ok {
			if llm, ok := metadata["llm_metadata"].(map[string]any); ok && len(llm) > 0 {
				llmMeta++
			}
		}
	}
	validFiles := files - malformed
	if validFiles < 0 {
		validFiles = 0
	}

	checks = append(checks,
		doctorCheck{"conversation_files", files > 0, files},
		doctorCheck{"schema_v12_coverage", files == 0 || schemaV12 == validFiles,
			map[string]any{"v12": schemaV12, "valid": validFiles}},
		doctorCheck{"llm_metadata_coverage", files == 0 || llmMeta == validFiles,
			map[string]any{"with_llm_metadata": llmMeta, "valid": validFiles}},
		doctorCheck{"malformed_json", malformed == 0, malformed},
	)

	sessionHealth := sidecarHealth(p.store.SessionInsightsDir(), contract.ValidateSessionMechanism)
	incrementalHealth := sidecarHealth(p.store.IncrementalInsightsDir(), contract.ValidateIncrementalMechanism)
	checks = append(checks,
		doctorCheck{"session_mechanism_contract",
			sessionHealth.Malformed == 0 && sessionHealth.Invalid == 0, sessionHealth.asMap()},
		doctorCheck{"incremental_mechanism_contract",
			incrementalHealth.Malformed == 0 && incrementalHealth.Invalid == 0, incrementalHealth.asMap()},
	)

	overallOK := true
	for _, check := range checks {
		if !check.OK {
			overallOK = false
		}
	}

	if jsonOutput {
		checkItems := make([]any, 0, len(checks))
		for _, check := range checks {
			checkItems = append(checkItems, map[string]any{
				"name":   check.Name,
				"ok":     check.OK,
				"detail": check.Detail,
			})
		}
		report, err := store.EncodeCanonical(map[string]any{
			"timestamp":  p.now().UTC().Format(time.RFC3339),
			"overall_ok": overallOK,
			"checks":     checkItems,
		})
		if err == nil {
			fmt.Fprint(p.stdout, string(report))
		}
	} else {
		fmt.Fprintln(p.stdout, strings.Repeat("=", 60))
		fmt.Fprintln(p.stdout, "Pipeline Doctor")
		fmt.Fprintln(p.stdout, strings.Repeat("=", 60))
		for _, check := range checks {
			status := "OK"
			if !check.OK {
				status = "FAIL"
			}
			fmt.Fprintf(p.stdout, "[%s] %s: %s\n", status, check.Name, formatDetail(check.Detail))
		}
	}

	if overallOK {
		return 0
	}
	return 1
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func formatDetail(detail any) string {
	switch v := detail.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case map[string]any:
		encoded, err := store.EncodeCompact(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.TrimSpace(string(encoded))
	default:
		return fmt.Sprintf("%v", v)
	}
}
