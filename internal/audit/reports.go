// internal/audit/reports.go
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/types"
)

// Report is a compliance-standard projection of the audit trail
type Report struct {
	Standard        types.Standard `json:"standard"`
	GeneratedAt     time.Time      `json:"generatedAt"`
	PeriodStart     time.Time      `json:"periodStart,omitempty"`
	PeriodEnd       time.Time      `json:"periodEnd,omitempty"`
	TotalOperations int            `json:"totalOperations"`
	ViolationCount  int            `json:"violationCount"`
	IntegrityValid  bool           `json:"integrityValid"`
	Sections        map[string]any `json:"sections"`
}

// GenerateComplianceReport projects the trail into a standard-specific
// shape. Unknown standards fail with UnsupportedStandard.
func (r *Recorder) GenerateComplianceReport(standard types.Standard) (*Report, error) {
	if !types.ValidStandard(standard) {
		return nil, fmt.Errorf("%w: %s", recovery.ErrUnsupportedStandard, standard)
	}

	entries := r.Entries()
	violations := r.Violations()
	integrity := r.VerifyIntegrity()

	report := &Report{
		Standard:        standard,
		GeneratedAt:     time.Now().UTC(),
		TotalOperations: len(entries),
		ViolationCount:  len(violations),
		IntegrityValid:  integrity.Valid,
		Sections:        make(map[string]any),
	}
	if len(entries) > 0 {
		report.PeriodStart = entries[0].Timestamp
		report.PeriodEnd = entries[len(entries)-1].Timestamp
	}

	switch standard {
	case types.StandardSOX:
		report.Sections["changeControl"] = filterByTypes(entries, "commit", "merge", "push", "deploy", "rollback")
		report.Sections["accessEvents"] = countByUser(entries)
		report.Sections["segregationOfDuties"] = usersByType(entries)

	case types.StandardGDPR:
		report.Sections["dataAccess"] = filterByTypes(entries, "read", "query", "export_state", "data_access")
		report.Sections["dataSubjects"] = userList(entries)
		report.Sections["retentionPolicyDays"] = r.retentionDays
		report.Sections["erasureRequests"] = filterByTypes(entries, "delete", "erase")

	case types.StandardSOC2:
		report.Sections["securityEvents"] = filterByTypes(entries, "auth", "login", "credential_refresh", "permission_change")
		report.Sections["violations"] = violations
		report.Sections["changeManagement"] = filterByTypes(entries, "commit", "merge", "deploy")
		report.Sections["monitoringCoverage"] = countByType(entries)

	case types.StandardISO27001:
		report.Sections["incidents"] = violations
		report.Sections["operationInventory"] = countByType(entries)
		report.Sections["accessControl"] = countByUser(entries)

	case types.StandardNIST:
		report.Sections["identify"] = countByType(entries)
		report.Sections["protect"] = len(filterByTypes(entries, "auth", "permission_change", "credential_refresh"))
		report.Sections["detect"] = len(violations)
		report.Sections["respond"] = len(filterByTypes(entries, "rollback", "recovery", "incident_response"))
		report.Sections["recover"] = len(filterByTypes(entries, "restore", "reinitialize", "repair"))
	}

	return report, nil
}

func filterByTypes(entries []Entry, opTypes ...string) []Entry {
	var out []Entry
	for _, e := range entries {
		for _, t := range opTypes {
			if strings.EqualFold(e.Type, t) || strings.HasPrefix(strings.ToLower(e.Type), t+".") {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func countByUser(entries []Entry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		out[e.User]++
	}
	return out
}

func countByType(entries []Entry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Type]++
	}
	return out
}

func usersByType(entries []Entry) map[string][]string {
	seen := make(map[string]map[string]struct{})
	for _, e := range entries {
		if seen[e.Type] == nil {
			seen[e.Type] = make(map[string]struct{})
		}
		seen[e.Type][e.User] = struct{}{}
	}
	out := make(map[string][]string, len(seen))
	for opType, users := range seen {
		for user := range users {
			out[opType] = append(out[opType], user)
		}
	}
	return out
}

func userList(entries []Entry) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if _, ok := seen[e.User]; !ok {
			seen[e.User] = struct{}{}
			out = append(out, e.User)
		}
	}
	return out
}
