// Package contract implements the Output Contract (C2): converting a raw
// model completion into a typed AgentOutput via structured-output
// extraction, verdict normalization, and schema validation.
package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/pipelinecore/internal/model"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// roleFields is the expected field set per role, used to detect a
// standalone JSON object belonging to that role when no fenced block is
// present.
var roleFields = map[model.Role][]string{
	model.RoleCoder:    {"summary", "files_changed", "diff", "todo_next"},
	model.RoleQA:       {"verdict", "tests", "coverage", "issues"},
	model.RoleReviewer: {"verdict", "risks", "security_score", "approved_files", "blocked_files"},
	model.RoleStamp:    {"verdict", "score", "blocking_issues", "requires_escalation"},
	model.RolePM:       {"action", "tasks", "summary"},
	model.RoleAuditor:  {"verdict", "notes"},
}

// auditorVerdicts is the fixed three-way enum the auditor's own verdict
// must belong to, independent of any downstream role's typed schema.
var auditorVerdicts = map[string]bool{
	"APPROVE": true, "REVISE": true, "REJECT": true,
}

// Extract parses a raw completion into an AgentOutput for role, following
// the algorithm: fenced-json-block-or-standalone-object extraction ->
// JSON parse -> verdict normalization -> schema validation. On extraction
// failure it falls back to a degraded last-512-bytes verdict-token scan.
func Extract(role model.Role, completion string) (model.AgentOutput, error) {
	raw, extractErr := extractJSONObject(role, completion)
	if extractErr == nil {
		out, err := parseAndValidate(role, raw)
		if err == nil {
			return out, nil
		}
		return degradedFallback(role, completion, err)
	}
	return degradedFallback(role, completion, extractErr)
}

// extractJSONObject implements step 1: a fenced ```json block takes
// precedence; otherwise scan for a standalone object whose keys
// intersect the role's expected field set.
func extractJSONObject(role model.Role, completion string) (map[string]any, error) {
	if m := fencedJSONBlock.FindStringSubmatch(completion); m != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	expected := roleFields[role]
	candidates := findBalancedObjects(completion)
	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err != nil {
			continue
		}
		if objectMatchesRole(obj, expected) {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no json object found matching role %s", role)
}

// findBalancedObjects scans s for top-level brace-balanced substrings
// that look like JSON objects, without requiring a regex that can't
// express nesting.
func findBalancedObjects(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

func objectMatchesRole(obj map[string]any, expected []string) bool {
	for _, f := range expected {
		if _, ok := obj[f]; ok {
			return true
		}
	}
	return false
}

func parseAndValidate(role model.Role, obj map[string]any) (model.AgentOutput, error) {
	out := model.AgentOutput{Role: role}

	if role == model.RoleAuditor {
		v, _ := obj["verdict"].(string)
		upper := strings.ToUpper(v)
		if !auditorVerdicts[upper] {
			return out, &model.ParseFailure{Reason: "auditor output verdict not in APPROVE/REVISE/REJECT", MissingFields: []string{"verdict"}}
		}
		out.AuditorVerdict = model.Verdict(upper)
		out.AuditorNotes, _ = obj["notes"].(string)
		return out, nil
	}

	if v, ok := obj["verdict"].(string); ok {
		norm, ok := model.NormalizeVerdict(strings.ToUpper(v))
		if !ok {
			// Pass through raw PASS/FAIL/SKIP/APPROVE/REVISE/REJECT tokens
			// that are already role-specific enum values rather than the
			// generic approve/revise equivalence classes.
			norm = model.Verdict(strings.ToUpper(v))
		}
		switch role {
		case model.RoleQA:
			out.QAVerdict = model.Verdict(strings.ToUpper(v))
		case model.RoleReviewer:
			out.ReviewerVerdict = norm
			if strings.ToUpper(v) == "REJECT" {
				out.ReviewerVerdict = model.VerdictReject
			}
		case model.RoleStamp:
			out.StampVerdict = norm
		}
	}

	switch role {
	case model.RoleCoder:
		out.Summary, _ = obj["summary"].(string)
		out.Diff, _ = obj["diff"].(string)
		out.TodoNext, _ = obj["todo_next"].(string)
		out.FilesChanged = toStringSlice(obj["files_changed"])
		if out.Summary == "" && out.Diff == "" {
			return out, &model.ParseFailure{Reason: "coder output missing summary and diff", MissingFields: []string{"summary", "diff"}}
		}
	case model.RoleQA:
		out.Tests = toStringSlice(obj["tests"])
		out.Issues = toStringSlice(obj["issues"])
		if cov, ok := obj["coverage"].(float64); ok {
			out.Coverage = cov
		}
		if out.QAVerdict == "" {
			return out, &model.ParseFailure{Reason: "qa output missing verdict", MissingFields: []string{"verdict"}}
		}
	case model.RoleReviewer:
		out.Risks, _ = obj["risks"].(string)
		out.ApprovedFiles = toStringSlice(obj["approved_files"])
		out.BlockedFiles = toStringSlice(obj["blocked_files"])
		if score, ok := obj["security_score"].(float64); ok {
			out.SecurityScore = int(score)
		}
		if out.ReviewerVerdict == "" {
			return out, &model.ParseFailure{Reason: "reviewer output missing verdict", MissingFields: []string{"verdict"}}
		}
	case model.RoleStamp:
		out.BlockingIssues = toStringSlice(obj["blocking_issues"])
		if score, ok := obj["score"].(float64); ok {
			out.StampScore = score
		}
		if esc, ok := obj["requires_escalation"].(bool); ok {
			out.RequiresEscalation = esc
		}
	case model.RolePM:
		out.PMAction, _ = obj["action"].(string)
		out.PMSummary, _ = obj["summary"].(string)
		out.PMTasks = toPMTasks(obj["tasks"])
		if out.PMAction == "" {
			return out, &model.ParseFailure{Reason: "pm output missing action", MissingFields: []string{"action"}}
		}
	}

	return out, nil
}

func toPMTasks(v any) []model.PMTaskRequest {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.PMTaskRequest, 0, len(arr))
	for _, e := range arr {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		t := model.PMTaskRequest{}
		t.Role, _ = m["role"].(string)
		t.Mode, _ = m["mode"].(string)
		t.Payload, _ = m["payload"].(string)
		out = append(out, t)
	}
	return out
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// degradedFallback implements the §4.2 fallback: scan the last 512 bytes
// case-insensitively for a verdict token and synthesize a minimal output
// with only `verdict` populated, marking DegradedParse=true.
func degradedFallback(role model.Role, completion string, cause error) (model.AgentOutput, error) {
	tail := completion
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	upper := strings.ToUpper(tail)

	if role == model.RoleAuditor {
		for _, tok := range []string{"APPROVE", "REVISE", "REJECT"} {
			if strings.Contains(upper, tok) {
				return model.AgentOutput{Role: role, AuditorVerdict: model.Verdict(tok), DegradedParse: true}, nil
			}
		}
		return model.AgentOutput{}, &model.ParseFailure{Reason: fmt.Sprintf("no json object and no auditor verdict token found: %v", cause)}
	}

	for _, tok := range []string{"APPROVE", "SHIP", "DONE", "PASS", "REJECT", "REVISE", "HOLD", "NEED_INFO", "FAIL", "SKIP"} {
		if strings.Contains(upper, tok) {
			out := model.AgentOutput{Role: role, DegradedParse: true}
			switch role {
			case model.RoleQA:
				out.QAVerdict = model.Verdict(tok)
			case model.RoleReviewer:
				out.ReviewerVerdict = model.Verdict(tok)
			case model.RoleStamp:
				out.StampVerdict = model.Verdict(tok)
			}
			return out, nil
		}
	}

	return model.AgentOutput{}, &model.ParseFailure{Reason: fmt.Sprintf("no json object and no verdict token found: %v", cause)}
}
