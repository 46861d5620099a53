package workspace

import (
	"context"
	"os/exec"

	"github.com/theirongolddev/cdispatch/internal/config"
)

// maxCheckOutput bounds the stored output of a quality check.
const maxCheckOutput = 4096

// CheckResult is the outcome of one quality check.
type CheckResult struct {
	Name   string
	Passed bool
	Output string
}

// RunQualityChecks runs each configured check in dir, in order. A check
// passes when its command exits zero.
func RunQualityChecks(ctx context.Context, dir string, checks []config.QualityCheckConfig) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, qc := range checks {
		name := qc.Name
		if name == "" {
			name = qc.Command
		}
		cmd := exec.CommandContext(ctx, qc.Command, qc.Args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()

		output := string(out)
		if err != nil && len(out) == 0 {
			output = err.Error()
		}
		results = append(results, CheckResult{
			Name:   name,
			Passed: err == nil,
			Output: tail(output, maxCheckOutput),
		})
	}
	return results
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
