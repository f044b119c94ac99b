package model

// Verdict is the normalized outcome token every role's output collapses
// to. PASS/FAIL map in for QA; APPROVE/SHIP/DONE/PASS collapse to
// VerdictApprove, REJECT/REVISE/HOLD/NEED_INFO/FAIL collapse to
// VerdictRevise.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictRevise  Verdict = "REVISE"
	VerdictReject  Verdict = "REJECT"
	VerdictPass    Verdict = "PASS"
	VerdictFail    Verdict = "FAIL"
	VerdictSkip    Verdict = "SKIP"
)

// approveEquivalent and reviseEquivalent are the raw-token normalization
// tables from the output contract algorithm (§4.2 step 3).
var approveEquivalent = map[string]bool{
	"APPROVE": true, "SHIP": true, "DONE": true, "PASS": true,
}

var reviseEquivalent = map[string]bool{
	"REJECT": true, "REVISE": true, "HOLD": true, "NEED_INFO": true, "FAIL": true,
}

// NormalizeVerdict maps a raw verdict token to its normalized form,
// reporting ok=false for tokens outside either equivalence class.
func NormalizeVerdict(raw string) (v Verdict, ok bool) {
	switch {
	case approveEquivalent[raw]:
		return VerdictApprove, true
	case reviseEquivalent[raw]:
		return VerdictRevise, true
	default:
		return "", false
	}
}

// AgentOutput is the role-specific typed result of a worker invocation.
// Only the fields relevant to the producing role are populated; all
// others remain zero. DegradedParse marks an output synthesized via the
// last-512-bytes verdict-token fallback rather than full JSON extraction.
type AgentOutput struct {
	Role Role

	// Coder fields.
	Summary      string
	FilesChanged []string
	Diff         string
	TodoNext     string

	// QA fields.
	QAVerdict Verdict
	Tests     []string
	Coverage  float64
	Issues    []string

	// Reviewer fields.
	ReviewerVerdict Verdict
	Risks           string
	SecurityScore   int
	ApprovedFiles   []string
	BlockedFiles    []string

	// Stamp fields.
	StampVerdict        Verdict
	StampScore          float64
	BlockingIssues      []string
	RequiresEscalation  bool

	// Auditor fields: the supervisor's own fixed APPROVE/REVISE/REJECT
	// verdict, independent of the next role's typed output schema.
	AuditorVerdict Verdict
	AuditorNotes   string

	// PM fields: a raw proposal consumed by the Decision Machine (§4.7),
	// not yet validated against the fixed action state graph.
	PMAction  string
	PMTasks   []PMTaskRequest
	PMSummary string

	DegradedParse bool
}

// PMTaskRequest is a single successor job requested by a PM DISPATCH
// action, prior to Decision Machine validation.
type PMTaskRequest struct {
	Role    string
	Mode    string
	Payload string
}

// ParseFailure is returned by the Output Contract when a completion
// cannot be turned into a typed AgentOutput.
type ParseFailure struct {
	Reason        string
	MissingFields []string
}

func (f *ParseFailure) Error() string {
	return "parse failure: " + f.Reason
}
