// Package queue implements the Job Queue & Dispatch API (C6): FIFO
// scheduling with priority aging, a lease model with TTL-based
// reclamation, admission dedup, and at-least-once push delivery.
package queue

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
)

// key identifies a (role, mode) dispatch partition.
type key struct {
	Role model.Role
	Mode model.Mode
}

// Queue holds every job the engine knows about, keyed by id, plus
// per-(role,mode) pending ordering and the admission dedup index.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	dedup    map[string]string // DedupKey() -> job id
	sequence map[string]int    // pipeline_id|role|mode -> next sequence number
	cfg      model.QueueConfig
	log      *logging.Logger
}

// New constructs an empty Queue.
func New(cfg model.QueueConfig, log *logging.Logger) *Queue {
	return &Queue{
		jobs:     make(map[string]*model.Job),
		dedup:    make(map[string]string),
		sequence: make(map[string]int),
		cfg:      cfg,
		log:      log.With("queue"),
	}
}

// Create admits a new job, assigning it the next sequence number within
// its (pipeline_id, role, mode) partition. If a job with a parent and the
// same DedupKey already exists, Create returns the existing job instead of
// creating a duplicate (idempotent admission for successor creation); a
// job without a parent is always admitted as a new job.
func (q *Queue) Create(job *model.Job) (existing bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ParentJobID != nil {
		if existingID, ok := q.dedup[job.DedupKey()]; ok {
			*job = *q.jobs[existingID]
			return true, nil
		}
	}

	seqKey := job.PipelineID + "|" + string(job.Role) + "|" + string(job.Mode)
	job.Sequence = q.sequence[seqKey]
	q.sequence[seqKey] = job.Sequence + 1

	if job.State == "" {
		job.State = model.JobPending
	}
	q.jobs[job.ID] = job
	if job.ParentJobID != nil {
		q.dedup[job.DedupKey()] = job.ID
	}
	q.log.Info("job created id=%s pipeline=%s role=%s mode=%s seq=%d", job.ID, job.PipelineID, job.Role, job.Mode, job.Sequence)
	return false, nil
}

// Get returns the job with the given id.
func (q *Queue) Get(id string) (*model.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return j, ok
}

// List returns a snapshot of every job, optionally filtered by pipeline.
func (q *Queue) List(pipelineID string) []*model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.Job
	for _, j := range q.jobs {
		if pipelineID == "" || j.PipelineID == pipelineID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// EffectivePriority applies aging: effective = priority +
// floor(age_seconds / age_threshold_sec), where priority tiers are
// treated as small integers (low=0, medium=1, high=2), so a job gains one
// tier of urgency for every full threshold period it has waited. A
// non-positive threshold disables aging.
func EffectivePriority(priority model.Priority, createdAt time.Time, ageThresholdSec int, now time.Time) int {
	if ageThresholdSec <= 0 {
		return int(priority)
	}
	ageSec := now.Sub(createdAt).Seconds()
	aging := int(math.Floor(ageSec / float64(ageThresholdSec)))
	result := int(priority) + aging // aging increases effective priority so older jobs are served sooner
	return result
}

// Pull atomically dequeues the highest-effective-priority pending job
// for (role, mode), ordered by effective priority desc, then created_at
// asc, then id asc, and transitions it to leased.
func (q *Queue) Pull(role model.Role, mode model.Mode, owner string, now time.Time) (*model.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*model.Job
	for _, j := range q.jobs {
		if j.Role == role && j.Mode == mode && j.State == model.JobPending {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		pi := EffectivePriority(candidates[i].Priority, candidates[i].CreatedAt, q.cfg.AgeThresholdSec, now)
		pk := EffectivePriority(candidates[k].Priority, candidates[k].CreatedAt, q.cfg.AgeThresholdSec, now)
		if pi != pk {
			return pi > pk
		}
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].ID < candidates[k].ID
	})

	job := candidates[0]
	if err := model.ValidateJobTransition(job.State, model.JobLeased); err != nil {
		return nil, false, err
	}
	job.State = model.JobLeased
	leasedAt := now
	job.LeasedAt = &leasedAt
	deadline := now.Add(time.Duration(q.cfg.LeaseTTLSec) * time.Second)
	job.LeaseDeadline = &deadline
	job.LeaseOwner = owner
	job.LeaseEpoch++

	q.log.Info("job leased id=%s role=%s mode=%s owner=%s epoch=%d deadline=%s", job.ID, role, mode, owner, job.LeaseEpoch, deadline.Format(time.RFC3339))
	return job, true, nil
}

// PushResult is the outcome of Push.
type PushResult int

const (
	PushOK PushResult = iota
	PushDuplicate
	PushLeaseExpired
)

// Push atomically transitions a leased job to succeeded or failed,
// recording the result/error. It rejects a push whose lease has already
// expired (PushLeaseExpired — the job may already be back in pending or
// re-leased to another owner) and is a no-op returning PushDuplicate if
// the job is already terminal (idempotent retry of an already-applied
// push).
func (q *Queue) Push(jobID string, succeeded bool, errMsg string, now time.Time) (*model.Job, PushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, PushOK, fmt.Errorf("job %s not found", jobID)
	}
	if job.State.IsTerminal() {
		return job, PushDuplicate, nil
	}
	if job.State != model.JobLeased {
		return nil, PushOK, fmt.Errorf("job %s is %s, not leased", jobID, job.State)
	}
	if job.LeaseDeadline != nil && now.After(*job.LeaseDeadline) {
		return nil, PushLeaseExpired, nil
	}

	target := model.JobSucceeded
	if !succeeded {
		target = model.JobFailed
	}
	if err := model.ValidateJobTransition(job.State, target); err != nil {
		return nil, PushOK, err
	}
	job.State = target
	finishedAt := now
	job.FinishedAt = &finishedAt
	job.LastError = errMsg

	q.log.Info("job pushed id=%s state=%s", jobID, job.State)
	return job, PushOK, nil
}

// ReapExpired scans for leased jobs whose lease deadline has passed,
// returning each to pending (and incrementing its attempt count) or, if
// it has now exhausted MaxAttempts, transitioning it to failed so its
// pipeline can be escalated by the caller.
func (q *Queue) ReapExpired(now time.Time) (returned, deadLettered []*model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.State != model.JobLeased {
			continue
		}
		if job.LeaseDeadline == nil || !now.After(*job.LeaseDeadline) {
			continue
		}

		job.AttemptCount++
		if job.AttemptCount >= q.cfg.MaxAttempts {
			job.State = model.JobFailed
			finishedAt := now
			job.FinishedAt = &finishedAt
			job.LastError = "lease expired after max attempts"
			q.log.Warn("job dead-lettered id=%s attempts=%d", job.ID, job.AttemptCount)
			deadLettered = append(deadLettered, job)
			continue
		}

		job.State = model.JobPending
		job.LeasedAt = nil
		job.LeaseDeadline = nil
		job.LeaseOwner = ""
		q.log.Warn("job lease expired, returned to pending id=%s attempts=%d", job.ID, job.AttemptCount)
		returned = append(returned, job)
	}
	return returned, deadLettered
}

// Cancel transitions job to cancelled if it is not already terminal.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err := model.ValidateJobTransition(job.State, model.JobCancelled); err != nil {
		return err
	}
	job.State = model.JobCancelled
	return nil
}
