// Package dimensions defines the canonical dimension registry shared by
// IncrementalMechanismV1 validation and report synchronization.
package dimensions

import (
	"sort"
	"strings"
)

type pair struct {
	Dimension string
	Layer     string
}

// Ordered from foundational diagnosis to higher-level intervention planning.
var dimensionLayerPairs = []pair{
	{"incremental-trigger-chains", "L2"},
	{"incremental-first-pass-diagnostics", "L2"},
	{"incremental-coverage-gap", "L2"},
	{"incremental-task-stratification", "L2"},
	{"incremental-root-causes", "L3"},
	{"incremental-change-delta", "L3"},
	{"incremental-interventions", "L3"},
	{"incremental-intervention-impact", "L3"},
	{"incremental-validation-loop", "L3"},
	{"incremental-reuse-assets", "L3"},
	{"incremental-compounding", "L3"},
}

var (
	layerByDimension = map[string]string{}
	orderByDimension = map[string]int{}
)

func init() {
	for i, p := range dimensionLayerPairs {
		layerByDimension[p.Dimension] = p.Layer
		orderByDimension[p.Dimension] = i
	}
}

// ExpectedLayer returns the fixed layer (L2/L3) for a dimension.
func ExpectedLayer(dimension string) (string, bool) {
	layer, ok := layerByDimension[strings.TrimSpace(dimension)]
	return layer, ok
}

// IsSupported reports whether the dimension belongs to the registry.
func IsSupported(dimension string) bool {
	_, ok := layerByDimension[strings.TrimSpace(dimension)]
	return ok
}

// SupportedList returns the registry dimensions sorted alphabetically,
// formatted for validator error messages.
func SupportedList() string {
	names := make([]string, 0, len(layerByDimension))
	for name := range layerByDimension {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// rank returns the canonical position of a dimension; unknown sorts last.
func rank(dimension string) int {
	if idx, ok := orderByDimension[strings.TrimSpace(dimension)]; ok {
		return idx
	}
	return len(orderByDimension)
}

func stringField(report map[string]any, key string) string {
	value, _ := report[key].(string)
	return strings.TrimSpace(value)
}

type reportKey struct {
	Rank   int
	Period string
	Date   string
	Title  string
}

func sortKey(report map[string]any) reportKey {
	return reportKey{
		Rank:   rank(stringField(report, "dimension")),
		Period: stringField(report, "period"),
		Date:   stringField(report, "date"),
		Title:  stringField(report, "title"),
	}
}

func (k reportKey) less(other reportKey) bool {
	if k.Rank != other.Rank {
		return k.Rank < other.Rank
	}
	if k.Period != other.Period {
		return k.Period < other.Period
	}
	if k.Date != other.Date {
		return k.Date < other.Date
	}
	return k.Title < other.Title
}

// SortReports returns reports ordered by (rank, period, date, title).
// Unknown dimensions sort after every registry dimension.
func SortReports(reports []map[string]any) []map[string]any {
	sorted := make([]map[string]any, len(reports))
	copy(sorted, reports)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sortKey(sorted[i]).less(sortKey(sorted[j]))
	})
	return sorted
}
