// Package model defines the core data types of the orchestration engine:
// jobs, pipelines, events, failure signatures, escalation records,
// decisions and typed agent outputs.
package model

import "time"

// Role identifies which persona a job is addressed to.
type Role string

const (
	RolePM         Role = "pm"
	RoleExcavator  Role = "excavator"
	RoleStrategist Role = "strategist"
	RoleCoder      Role = "coder"
	RoleQA         Role = "qa"
	RoleReviewer   Role = "reviewer"
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleStamp      Role = "stamp"
	RoleCouncil    Role = "council"
	// RoleAuditor identifies the Dual-Engine Supervisor's own audit call.
	// Its output always carries the fixed APPROVE/REVISE/REJECT verdict
	// enum, independent of whatever typed schema the next downstream role
	// (QA's PASS/FAIL, Reviewer's own APPROVE/REVISE/REJECT) would use.
	RoleAuditor Role = "auditor"
)

// Mode distinguishes a worker invocation from a review invocation of the
// same role.
type Mode string

const (
	ModeWorker   Mode = "worker"
	ModeReviewer Mode = "reviewer"
)

// Priority is the job's scheduling tier. Higher-numbered tiers are served
// first; aging promotes a job by one tier after AgeThreshold seconds.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobLeased    JobState = "leased"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether s admits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is the unit of scheduled work dispatched to exactly one worker at a
// time under an exclusive lease.
type Job struct {
	ID           string    `json:"id" yaml:"id"`
	PipelineID   string    `json:"pipeline_id" yaml:"pipeline_id"`
	ParentJobID  *string   `json:"parent_job_id,omitempty" yaml:"parent_job_id,omitempty"`
	Role         Role      `json:"role" yaml:"role"`
	Mode         Mode      `json:"mode" yaml:"mode"`
	Sequence     int       `json:"sequence" yaml:"sequence"`
	State        JobState  `json:"state" yaml:"state"`
	Payload      []byte    `json:"payload" yaml:"payload"`
	Context      []byte    `json:"context,omitempty" yaml:"context,omitempty"`
	Priority     Priority  `json:"priority" yaml:"priority"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	LeasedAt     *time.Time `json:"leased_at,omitempty" yaml:"leased_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	LeaseDeadline *time.Time `json:"lease_deadline,omitempty" yaml:"lease_deadline,omitempty"`
	LeaseOwner   string    `json:"lease_owner,omitempty" yaml:"lease_owner,omitempty"`
	LeaseEpoch   int       `json:"lease_epoch" yaml:"lease_epoch"`
	AttemptCount int       `json:"attempt_count" yaml:"attempt_count"`
	LastError    string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// RetriedFromJobID, when set, is the id of the job this one supersedes
	// after a retry. No code in this module sets it, and nothing re-points
	// dependents of the superseded job at this one.
	RetriedFromJobID *string `json:"retried_from_job_id,omitempty" yaml:"retried_from_job_id,omitempty"`
}

// DedupKey is the admission-dedup tuple: (pipeline_id, role, mode,
// parent job id). Identical keys must resolve to the same job id.
func (j *Job) DedupKey() string {
	parent := ""
	if j.ParentJobID != nil {
		parent = *j.ParentJobID
	}
	return j.PipelineID + "|" + string(j.Role) + "|" + string(j.Mode) + "|" + parent
}

// validJobTransitions mirrors the teacher's status-transition-map idiom:
// an explicit allow-list validated on every mutation rather than trusting
// callers to only ever construct legal states.
var validJobTransitions = map[JobState]map[JobState]bool{
	JobPending: {JobLeased: true, JobCancelled: true},
	JobLeased:  {JobSucceeded: true, JobFailed: true, JobPending: true, JobCancelled: true},
}

// ValidateJobTransition reports an error if from->to is not an allowed
// job-state transition.
func ValidateJobTransition(from, to JobState) error {
	if from.IsTerminal() {
		return &TransitionError{From: string(from), To: string(to), Reason: "terminal state has no outgoing transitions"}
	}
	allowed, ok := validJobTransitions[from]
	if !ok || !allowed[to] {
		return &TransitionError{From: string(from), To: string(to), Reason: "transition not permitted"}
	}
	return nil
}

// TransitionError reports an invalid state-machine transition attempt.
type TransitionError struct {
	From, To, Reason string
}

func (e *TransitionError) Error() string {
	return "invalid transition " + e.From + " -> " + e.To + ": " + e.Reason
}
