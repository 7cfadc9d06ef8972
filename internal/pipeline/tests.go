package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// segmentedTestPackages are the contract-critical packages exercised by
// the fast test mode.
var segmentedTestPackages = []string{
	"./internal/contract/...",
	"./internal/diagnose/...",
	"./internal/reports/...",
	"./internal/pipeline/...",
}

// Test compiles the module with go vet, then runs either the segmented
// package set or the full suite. The returned value is the process exit
// code.
func (p *Pipeline) Test(ctx context.Context, mode string) int {
	vetArgv := []string{"go", "vet", "./..."}
	fmt.Fprintf(p.stdout, "[pipeline] exec: %s\n", strings.Join(vetArgv, " "))
	if rc := p.execCommand(ctx, vetArgv); rc != 0 {
		return rc
	}

	targets := []string{"./..."}
	if mode == "segmented" {
		targets = segmentedTestPackages
	}
	testArgv := append([]string{"go", "test", "-count=1"}, targets...)
	fmt.Fprintf(p.stdout, "[pipeline] exec: %s\n", strings.Join(testArgv, " "))
	return p.execCommand(ctx, testArgv)
}
