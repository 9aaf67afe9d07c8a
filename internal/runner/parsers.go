// internal/runner/parsers.go
package runner

import (
	"regexp"
	"strconv"
	"strings"
)

// Diagnostic is one structured linter finding
type Diagnostic struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// file.go:12:5: message  |  file.go:12: message
var diagPattern = regexp.MustCompile(`^([^\s:]+\.\w+):(\d+)(?::(\d+))?:\s*(.+)$`)

// ParseLintOutput extracts file:line:col diagnostics from linter output.
// Lines that do not match the diagnostic shape are skipped.
func ParseLintOutput(output string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		match := diagPattern.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(match[2])
		col := 0
		if match[3] != "" {
			col, _ = strconv.Atoi(match[3])
		}
		diags = append(diags, Diagnostic{
			File:    match[1],
			Line:    lineNo,
			Column:  col,
			Message: match[4],
		})
	}
	return diags
}

// TestSummary is the parsed outcome of a test-runner invocation
type TestSummary struct {
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	FailedTests []string `json:"failedTests,omitempty"`
	Ok          bool     `json:"ok"`
}

var (
	testResultPattern = regexp.MustCompile(`^--- (PASS|FAIL|SKIP): (\S+)`)
	packageFailLine   = regexp.MustCompile(`^FAIL\s+\S+`)
	packageOkLine     = regexp.MustCompile(`^ok\s+\S+`)
)

// ParseTestOutput summarizes go-test style output: per-test PASS/FAIL/SKIP
// lines plus the package verdict lines.
func ParseTestOutput(output string) TestSummary {
	summary := TestSummary{Ok: true}
	sawVerdict := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if match := testResultPattern.FindStringSubmatch(line); match != nil {
			switch match[1] {
			case "PASS":
				summary.Passed++
			case "FAIL":
				summary.Failed++
				summary.FailedTests = append(summary.FailedTests, match[2])
			case "SKIP":
				summary.Skipped++
			}
			continue
		}
		if packageFailLine.MatchString(line) {
			summary.Ok = false
			sawVerdict = true
		} else if packageOkLine.MatchString(line) {
			sawVerdict = true
		}
	}

	if summary.Failed > 0 {
		summary.Ok = false
	}
	if !sawVerdict && summary.Passed == 0 && summary.Failed == 0 {
		summary.Ok = false
	}
	return summary
}
