// Package guard implements the Semantic Guard (C3): rejecting outputs
// that are syntactically valid but semantically empty, via a bilingual
// blacklist and per-role-field minimum constraints.
package guard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/msageha/pipelinecore/internal/model"
)

// Violation is the result of a failed guard check, carrying the error
// kind the Escalator needs to build a FailureSignature.
type Violation struct {
	Kind   model.ErrorKind
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s on field %q: %s", v.Kind, v.Field, v.Reason)
}

// blacklistPhrases are bilingual (English + Korean) phrases equivalent to
// a vacuous "looks fine to me" response.
var blacklistPhrases = []string{
	"i have reviewed",
	"looks good",
	"no issues",
	"seems fine",
	"검토했습니다",
	"문제 없습니다",
	"괜찮아 보입니다",
}

var unifiedDiffHeader = regexp.MustCompile(`^(---|\+\+\+|diff --git)`)

// Check runs the blacklist and per-role minimum-field rules against out,
// returning the first Violation found, or nil if out passes.
func Check(out model.AgentOutput) *Violation {
	if v := checkBlacklist(out); v != nil {
		return v
	}
	switch out.Role {
	case model.RoleCoder:
		return checkCoder(out)
	case model.RoleQA:
		return checkQA(out)
	case model.RoleReviewer:
		return checkReviewer(out)
	}
	return nil
}

func checkBlacklist(out model.AgentOutput) *Violation {
	fields := map[string]string{
		"summary": out.Summary,
		"risks":   out.Risks,
	}
	for field, content := range fields {
		if MatchesBlacklist(content) {
			return &Violation{Kind: model.ErrSemanticNull, Field: field, Reason: "matches a blacklisted phrase"}
		}
	}
	return nil
}

// MatchesBlacklist reports whether text contains one of the bilingual
// vacuous-response phrases, independent of any per-role field checks.
// Exposed for callers (e.g. the Decision Machine) that only need the
// blacklist half of Check, not the full per-role validation.
func MatchesBlacklist(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range blacklistPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func checkCoder(out model.AgentOutput) *Violation {
	if len(out.Summary) < 10 || !hasVerbAndSubject(out.Summary) {
		return &Violation{Kind: model.ErrFieldTooShort, Field: "summary", Reason: "must be >= 10 chars and contain a verb and a subject token"}
	}
	if len(out.Diff) < 20 || !unifiedDiffHeader.MatchString(out.Diff) {
		return &Violation{Kind: model.ErrFieldTooShort, Field: "diff", Reason: "must be >= 20 chars and begin with a unified-diff header"}
	}
	if len(out.FilesChanged) == 0 {
		return &Violation{Kind: model.ErrInvalidValue, Field: "files_changed", Reason: "must be non-empty when diff is non-empty"}
	}
	return nil
}

func checkQA(out model.AgentOutput) *Violation {
	switch out.QAVerdict {
	case model.VerdictPass, model.VerdictFail, model.VerdictSkip:
	default:
		return &Violation{Kind: model.ErrInvalidValue, Field: "verdict", Reason: "must be one of PASS, FAIL, SKIP"}
	}
	if out.QAVerdict == model.VerdictPass && len(out.Tests) == 0 {
		return &Violation{Kind: model.ErrInvalidValue, Field: "tests", Reason: "must be non-empty when verdict=PASS"}
	}
	return nil
}

func checkReviewer(out model.AgentOutput) *Violation {
	switch out.ReviewerVerdict {
	case model.VerdictApprove, model.VerdictRevise, model.VerdictReject:
	default:
		return &Violation{Kind: model.ErrInvalidValue, Field: "verdict", Reason: "must be one of APPROVE, REVISE, REJECT"}
	}
	if out.SecurityScore < 0 || out.SecurityScore > 10 {
		return &Violation{Kind: model.ErrInvalidValue, Field: "security_score", Reason: "must be an integer 0-10"}
	}
	if out.ReviewerVerdict == model.VerdictReject && strings.TrimSpace(out.Risks) == "" {
		return &Violation{Kind: model.ErrInvalidValue, Field: "risks", Reason: "must be non-empty when verdict=REJECT"}
	}
	return nil
}

// hasVerbAndSubject is a lightweight heuristic standing in for a full POS
// tagger: require at least two alphabetic tokens, one of which starts or
// ends with a verb hint (an inflection such as "ed"/"ing"/"s" or a verb
// stem such as "fix"/"add"), which rules out one-word fragments like "done".
var verbHints = []string{"ed", "s", "ing", "add", "fix", "remove", "update", "implement", "refactor", "write", "create"}

func hasVerbAndSubject(s string) bool {
	tokens := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(tokens) < 2 {
		return false
	}
	hasVerb := false
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		for _, hint := range verbHints {
			if strings.HasPrefix(lower, hint) || strings.HasSuffix(lower, hint) {
				hasVerb = true
			}
		}
	}
	return hasVerb
}
