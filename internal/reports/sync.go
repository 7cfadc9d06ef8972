// Package reports syncs Skill-authored incremental reports into the Notion
// analysis reports database with dedupe and a quality gate.
package reports

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"convoinsights/internal/contract"
	"convoinsights/internal/dimensions"
	"convoinsights/internal/notion"
)

// PageWriter is the slice of the Notion client the sync needs. Tests
// substitute a fake; production passes *notion.Client.
type PageWriter interface {
	QueryDatabase(ctx context.Context, dbID string, filter map[string]any, sorts []map[string]any) ([]map[string]any, error)
	CreatePage(ctx context.Context, databaseID string, properties map[string]any, children []map[string]any) (map[string]any, error)
	UpdatePage(ctx context.Context, pageID string, properties map[string]any) (map[string]any, error)
	ArchivePage(ctx context.Context, pageID string) error
	AppendBlocks(ctx context.Context, pageID string, blocks []map[string]any) error
	ClearPage(ctx context.Context, pageID string) error
}

// Syncer upserts report pages keyed by Dimension+Period.
type Syncer struct {
	client PageWriter
	dbID   string
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

// NewSyncer wires a Syncer over the given client and database.
func NewSyncer(client PageWriter, dbID string) *Syncer {
	return &Syncer{
		client: client,
		dbID:   dbID,
		stdout: os.Stdout,
		stderr: os.Stderr,
		now:    time.Now,
	}
}

func normalizeLines(value any, maxItems int) []string {
	var lines []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if text := strings.TrimSpace(stringOf(item)); text != "" {
				lines = append(lines, text)
			}
		}
	case []string:
		for _, item := range v {
			if text := strings.TrimSpace(item); text != "" {
				lines = append(lines, text)
			}
		}
	case string:
		for _, raw := range strings.Split(v, "\n") {
			if text := strings.TrimSpace(raw); text != "" {
				lines = append(lines, text)
			}
		}
	}
	if len(lines) > maxItems {
		return lines[:maxItems]
	}
	return lines
}

// dedupeLines drops case-insensitive repeats while preserving order.
func dedupeLines(lines []string, maxItems int) []string {
	var deduped []string
	seen := map[string]bool{}
	for _, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		key := strings.ToLower(text)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, text)
		if len(deduped) >= maxItems {
			break
		}
	}
	return deduped
}

// normalizeReportItem shapes one Skill-authored report into the Notion
// write contract, or nil when required fields or detail are missing.
// The detail budget scales with the session count so big periods get
// room without letting any report sprawl.
func normalizeReportItem(item map[string]any, defaultPeriod, defaultDate string, defaultConversations int) map[string]any {
	dimension := strings.TrimSpace(stringOf(item["dimension"]))
	layer := strings.TrimSpace(stringOf(item["layer"]))
	title := strings.TrimSpace(stringOf(item["title"]))
	keyInsights := strings.TrimSpace(stringOf(item["key_insights"]))
	if dimension == "" || layer == "" || title == "" || keyInsights == "" {
		return nil
	}

	period := strings.TrimSpace(stringOf(item["period"]))
	if period == "" {
		period = defaultPeriod
	}
	date := strings.TrimSpace(stringOf(item["date"]))
	if date == "" {
		date = defaultDate
	}

	conversations := defaultConversations
	if n, ok := intOf(item["conversations_analyzed"]); ok && n >= 0 {
		conversations = n
	}

	maxDetailLines := int(math.Sqrt(float64(defaultConversations)) * 2)
	if maxDetailLines < 12 {
		maxDetailLines = 12
	}
	if maxDetailLines > 80 {
		maxDetailLines = 80
	}
	detailLines := normalizeLines(item["detail_lines"], maxDetailLines*3)
	if len(detailLines) == 0 {
		detailLines = normalizeLines(item["detail_text"], maxDetailLines*3)
	}
	detailLines = dedupeLines(detailLines, maxDetailLines)
	if len(detailLines) == 0 {
		return nil
	}

	detailText := strings.TrimSpace(stringOf(item["detail_text"]))
	if detailText == "" {
		detailText = strings.Join(detailLines, "\n")
	}

	return map[string]any{
		"dimension":              dimension,
		"layer":                  layer,
		"title":                  title,
		"period":                 period,
		"date":                   date,
		"conversations_analyzed": conversations,
		"key_insights":           keyInsights,
		"detail_text":            detailText,
		"detail_lines":           detailLines,
	}
}

// BuildReportsFromIncremental extracts and normalizes the Skill-authored
// reports of an incremental payload, sorted in registry order.
func BuildReportsFromIncremental(incremental map[string]any, now time.Time) []map[string]any {
	reportsRaw, ok := incremental["reports"].([]any)
	if !ok {
		return nil
	}

	defaultPeriod := strings.TrimSpace(stringOf(incremental["period_id"]))
	if defaultPeriod == "" {
		defaultPeriod = strings.TrimSpace(stringOf(incremental["week"]))
	}
	if defaultPeriod == "" {
		defaultPeriod = "unknown-period"
	}
	defaultDate := now.Format("2006-01-02")

	defaultConversations := 0
	if coverage, ok := incremental["coverage"].(map[string]any); ok {
		if n, ok := intOf(coverage["sessions_with_mechanism"]); ok {
			defaultConversations = n
		}
	}

	var reports []map[string]any
	for _, raw := range reportsRaw {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if normalized := normalizeReportItem(item, defaultPeriod, defaultDate, defaultConversations); normalized != nil {
			reports = append(reports, normalized)
		}
	}
	return dimensions.SortReports(reports)
}

// EvaluatePayloadQuality rejects payloads whose reports are placeholder
// shells or statistics dumps with no mechanism language.
func EvaluatePayloadQuality(incremental map[string]any, now time.Time) (bool, []string) {
	var reasons []string
	reports := BuildReportsFromIncremental(incremental, now)
	if len(reports) == 0 {
		return false, []string{"no valid skill-authored reports found"}
	}

	for idx, report := range reports {
		title := stringOf(report["title"])
		insight := stringOf(report["key_insights"])
		lines, _ := report["detail_lines"].([]string)

		if contract.ContainsPlaceholder(title) {
			reasons = append(reasons, fmt.Sprintf("reports[%d] title looks placeholder", idx))
		}
		if contract.ContainsPlaceholder(insight) {
			reasons = append(reasons, fmt.Sprintf("reports[%d] key_insights looks placeholder", idx))
		}

		var clean []string
		for _, line := range lines {
			if !contract.ContainsPlaceholder(line) {
				clean = append(clean, line)
			}
		}
		if len(clean) == 0 {
			reasons = append(reasons, fmt.Sprintf("reports[%d] detail lines are empty or placeholder-only", idx))
			continue
		}

		probeParts := append([]string{insight}, clean[:min(8, len(clean))]...)
		if !contract.LooksMechanistic(strings.Join(probeParts, " ")) {
			reasons = append(reasons, fmt.Sprintf("reports[%d] lacks mechanism/action language; avoid statistics-only summary", idx))
		}
	}
	return len(reasons) == 0, reasons
}

func reportKey(report map[string]any) [2]string {
	return [2]string{
		strings.TrimSpace(stringOf(report["dimension"])),
		strings.TrimSpace(stringOf(report["period"])),
	}
}

// buildReportChildren renders the page body: summary, divider, then the
// detailed insights as bullets.
func buildReportChildren(report map[string]any) []map[string]any {
	var blocks []map[string]any

	if summary := strings.TrimSpace(stringOf(report["key_insights"])); summary != "" {
		blocks = append(blocks, notion.Heading("摘要", 3))
		blocks = append(blocks, notion.Paragraph(summary))
	}

	blocks = append(blocks, notion.Divider())
	blocks = append(blocks, notion.Heading("详细洞察", 3))

	lines, _ := report["detail_lines"].([]string)
	if len(lines) > 0 {
		for _, line := range lines {
			if text := strings.TrimSpace(line); text != "" {
				blocks = append(blocks, notion.BulletedList(text))
			}
		}
		return blocks
	}
	if detailText := strings.TrimSpace(stringOf(report["detail_text"])); detailText != "" {
		blocks = append(blocks, notion.Paragraph(detailText))
	} else {
		blocks = append(blocks, notion.Paragraph("暂无可展开的详细洞察。"))
	}
	return blocks
}

type duplicatePage struct {
	pageID string
	key    string
	title  string
}

// buildReportIndexAndDuplicates groups existing pages by Dimension+Period.
// Per key one keeper survives: Chinese-content pages are preferred, then
// the most recently edited. Everything else is queued for archival.
func (s *Syncer) buildReportIndexAndDuplicates(ctx context.Context) (map[[2]string]string, []duplicatePage, error) {
	type pageItem struct {
		id          string
		title       string
		keyInsights string
		sortKey     string
		isZH        bool
	}

	pages, err := s.client.QueryDatabase(ctx, s.dbID, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	grouped := map[[2]string][]pageItem{}
	var keyOrder [][2]string
	for _, page := range pages {
		props, _ := page["properties"].(map[string]any)
		key := [2]string{
			selectName(props["Dimension"]),
			selectName(props["Period"]),
		}
		if key[0] == "" || key[1] == "" {
			continue
		}
		pageID := strings.TrimSpace(stringOf(page["id"]))
		if pageID == "" {
			continue
		}
		title := titleText(props["Title"])
		insights := richTextText(props["Key Insights"])
		sortKey := stringOf(page["last_edited_time"])
		if sortKey == "" {
			sortKey = stringOf(page["created_time"])
		}
		if _, exists := grouped[key]; !exists {
			keyOrder = append(keyOrder, key)
		}
		grouped[key] = append(grouped[key], pageItem{
			id:          pageID,
			title:       title,
			keyInsights: insights,
			sortKey:     sortKey,
			isZH:        contract.ContainsCJK(title) || contract.ContainsCJK(insights),
		})
	}

	index := map[[2]string]string{}
	var duplicates []duplicatePage
	for _, key := range keyOrder {
		items := grouped[key]
		pool := items
		var zhItems []pageItem
		for _, item := range items {
			if item.isZH {
				zhItems = append(zhItems, item)
			}
		}
		if len(zhItems) > 0 {
			pool = zhItems
		}
		sorted := make([]pageItem, len(pool))
		copy(sorted, pool)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].sortKey > sorted[j].sortKey })
		keeper := sorted[0]
		index[key] = keeper.id

		for _, item := range items {
			if item.id != keeper.id {
				duplicates = append(duplicates, duplicatePage{
					pageID: item.id,
					key:    key[0] + "|" + key[1],
					title:  item.title,
				})
			}
		}
	}
	return index, duplicates, nil
}

// writeReport upserts one report page; failures are logged, not fatal,
// so the remaining reports still get written.
func (s *Syncer) writeReport(ctx context.Context, report map[string]any, index map[[2]string]string) bool {
	conversations, _ := intOf(report["conversations_analyzed"])
	props := map[string]any{
		"Title":                  notion.TitleProperty(stringOf(report["title"])),
		"Dimension":              notion.SelectProperty(stringOf(report["dimension"])),
		"Layer":                  notion.SelectProperty(stringOf(report["layer"])),
		"Period":                 notion.SelectProperty(stringOf(report["period"])),
		"Date":                   notion.DateProperty(stringOf(report["date"])),
		"Conversations Analyzed": notion.NumberProperty(float64(conversations)),
		"Key Insights":           notion.RichTextProperty(stringOf(report["key_insights"])),
	}
	children := buildReportChildren(report)
	key := reportKey(report)

	if existingID := index[key]; existingID != "" {
		if _, err := s.client.UpdatePage(ctx, existingID, props); err != nil {
			fmt.Fprintf(s.stderr, "ERROR writing report '%s': %v\n", stringOf(report["title"]), err)
			return false
		}
		if err := s.client.ClearPage(ctx, existingID); err != nil {
			fmt.Fprintf(s.stderr, "ERROR writing report '%s': %v\n", stringOf(report["title"]), err)
			return false
		}
		if len(children) > 0 {
			if err := s.client.AppendBlocks(ctx, existingID, children); err != nil {
				fmt.Fprintf(s.stderr, "ERROR writing report '%s': %v\n", stringOf(report["title"]), err)
				return false
			}
		}
		return true
	}

	created, err := s.client.CreatePage(ctx, s.dbID, props, children)
	if err != nil {
		fmt.Fprintf(s.stderr, "ERROR writing report '%s': %v\n", stringOf(report["title"]), err)
		return false
	}
	if pageID := strings.TrimSpace(stringOf(created["id"])); pageID != "" {
		index[key] = pageID
	}
	return true
}

// SyncFromIncremental validates, quality-gates, dedupes, and upserts the
// reports of one incremental payload. The returned value is the process
// exit code.
func (s *Syncer) SyncFromIncremental(ctx context.Context, incremental map[string]any, dryRun bool) int {
	if errs := contract.ValidateIncrementalMechanism(incremental); len(errs) > 0 {
		fmt.Fprintln(s.stderr, "ERROR: mechanism validation failed:")
		for _, err := range errs {
			fmt.Fprintf(s.stderr, "  - %s\n", err)
		}
		return 1
	}

	qualityOK, reasons := EvaluatePayloadQuality(incremental, s.now())
	if !qualityOK {
		fmt.Fprintln(s.stderr, "ERROR: incremental mechanism quality gate failed:")
		for _, reason := range reasons {
			fmt.Fprintf(s.stderr, "  - %s\n", reason)
		}
		return 1
	}

	reportItems := BuildReportsFromIncremental(incremental, s.now())

	if dryRun {
		fmt.Fprintf(s.stdout, "[sync-reports] dry-run with %d reports\n", len(reportItems))
		for _, report := range reportItems {
			preview := stringOf(report["key_insights"])
			if runes := []rune(preview); len(runes) > 80 {
				preview = string(runes[:80])
			}
			fmt.Fprintf(s.stdout, "  - %s: %s\n", stringOf(report["title"]), preview)
		}
		return 0
	}

	index, duplicates, err := s.buildReportIndexAndDuplicates(ctx)
	if err != nil {
		fmt.Fprintf(s.stderr, "ERROR: failed to query analysis reports database: %v\n", err)
		return 1
	}
	if len(duplicates) > 0 {
		archived, failed := 0, 0
		for _, dup := range duplicates {
			if err := s.client.ArchivePage(ctx, dup.pageID); err != nil {
				failed++
				fmt.Fprintf(s.stderr, "ERROR archiving duplicate page %s: %v\n", dup.pageID, err)
				continue
			}
			archived++
		}
		fmt.Fprintf(s.stdout, "[sync-reports] dedupe archived=%d failed=%d (keep_key=Dimension+Period, prefer=中文)\n",
			archived, failed)
		if failed > 0 {
			return 1
		}
	}

	written := 0
	for _, report := range reportItems {
		if s.writeReport(ctx, report, index) {
			written++
		}
	}
	fmt.Fprintf(s.stdout, "[sync-reports] written %d/%d reports\n", written, len(reportItems))
	if written == len(reportItems) {
		return 0
	}
	return 1
}

// --- Notion property readers ---

func titleText(prop any) string {
	m, _ := prop.(map[string]any)
	values, _ := m["title"].([]any)
	if len(values) == 0 {
		return ""
	}
	first, _ := values[0].(map[string]any)
	if text := strings.TrimSpace(stringOf(first["plain_text"])); text != "" {
		return text
	}
	inner, _ := first["text"].(map[string]any)
	return strings.TrimSpace(stringOf(inner["content"]))
}

func selectName(prop any) string {
	m, _ := prop.(map[string]any)
	sel, _ := m["select"].(map[string]any)
	return strings.TrimSpace(stringOf(sel["name"]))
}

func richTextText(prop any) string {
	m, _ := prop.(map[string]any)
	values, _ := m["rich_text"].([]any)
	var parts []string
	for _, value := range values {
		item, _ := value.(map[string]any)
		if item == nil {
			continue
		}
		text := strings.TrimSpace(stringOf(item["plain_text"]))
		if text == "" {
			inner, _ := item["text"].(map[string]any)
			text = strings.TrimSpace(stringOf(inner["content"]))
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) (int, bool) {
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
