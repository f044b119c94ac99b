package model

import "time"

// PipelineState is the lifecycle state of a Pipeline.
type PipelineState string

const (
	PipelineRunning   PipelineState = "running"
	PipelineBlocked   PipelineState = "blocked"
	PipelineEscalated PipelineState = "escalated"
	PipelineDone      PipelineState = "done"
	PipelineCancelled PipelineState = "cancelled"
)

// IsTerminal reports whether s admits no further transitions.
func (s PipelineState) IsTerminal() bool {
	return s == PipelineDone || s == PipelineCancelled
}

// MaxReworkRounds is the per-role rework cap (§3 invariant:
// rework_rounds[role] <= MaxReworkRounds).
const MaxReworkRounds = 2

// Pipeline is the causal thread of a single user request: the ordered
// chain of jobs spawned in service of it.
type Pipeline struct {
	ID           string             `json:"id" yaml:"id"`
	RootRequest  string             `json:"root_request" yaml:"root_request"`
	SessionID    string             `json:"session_id" yaml:"session_id"`
	State        PipelineState      `json:"state" yaml:"state"`
	ReworkRounds map[Role]int       `json:"rework_rounds" yaml:"rework_rounds"`
	CreatedAt    time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" yaml:"updated_at"`
	// Cancelled is polled by the Supervisor between Write/Audit/Stamp
	// stages; once set, Run aborts the in-flight task with a cancelled
	// outcome instead of proceeding to the next stage.
	Cancelled bool `json:"cancelled" yaml:"cancelled"`
}

// NewPipeline constructs a fresh, running pipeline.
func NewPipeline(id, rootRequest, sessionID string, now time.Time) *Pipeline {
	return &Pipeline{
		ID:           id,
		RootRequest:  rootRequest,
		SessionID:    sessionID,
		State:        PipelineRunning,
		ReworkRounds: make(map[Role]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IncrementRework bumps the rework counter for role and reports whether
// the pipeline has now exceeded MaxReworkRounds and must be forced BLOCKED.
func (p *Pipeline) IncrementRework(role Role) (exceeded bool) {
	p.ReworkRounds[role]++
	return p.ReworkRounds[role] > MaxReworkRounds
}

var validPipelineTransitions = map[PipelineState]map[PipelineState]bool{
	PipelineRunning:   {PipelineBlocked: true, PipelineEscalated: true, PipelineDone: true, PipelineRunning: true, PipelineCancelled: true},
	PipelineBlocked:   {PipelineRunning: true, PipelineEscalated: true, PipelineCancelled: true},
	PipelineEscalated: {PipelineDone: true},
}

// ValidatePipelineTransition enforces the pipeline-level state graph.
func ValidatePipelineTransition(from, to PipelineState) error {
	if from.IsTerminal() {
		return &TransitionError{From: string(from), To: string(to), Reason: "terminal state has no outgoing transitions"}
	}
	allowed, ok := validPipelineTransitions[from]
	if !ok || !allowed[to] {
		return &TransitionError{From: string(from), To: string(to), Reason: "transition not permitted"}
	}
	return nil
}
