// Package escalator implements the Failure Signature & Escalator (C4):
// classifying failures into equivalence classes and driving the
// monotonic self_repair -> role_switch -> hard_fail ladder.
package escalator

import (
	"fmt"
	"sync"

	"github.com/msageha/pipelinecore/internal/model"
)

// lruCapacity is the minimum bound on the signature map named in the
// requirements (capacity >= 4096).
const lruCapacity = 4096

// Decision is returned to the caller after recording a failure: the new
// level and the retry parameters appropriate to it.
type Decision struct {
	Level          model.EscalationLevel
	Signature      model.FailureSignature
	Count          int
	// RetryWithFeedback carries the prior error for a self_repair retry
	// (appended to the next prompt as feedback).
	RetryWithFeedback string
	// SwitchToProfile names an alternate persona/profile for a
	// role_switch retry. Nothing in this package sets it:
	// AssignSwitchProfile only marks a profile as used on the signature's
	// record.
	SwitchToProfile string
}

// Escalator tracks one EscalationRecord per FailureSignature, bounded by
// a simple LRU eviction so long-running processes do not grow the map
// unboundedly. Access is serialized by a dedicated lock, independent of
// the Job Queue's and Event Log's own locks, per the single-mutator
// resource policy.
type Escalator struct {
	mu       sync.RWMutex
	records  map[string]*model.EscalationRecord
	order    []string // LRU order, most-recently-used at the end
	capacity int
}

// New constructs an Escalator with the LRU capacity named above.
func New() *Escalator {
	return &Escalator{
		records:  make(map[string]*model.EscalationRecord),
		capacity: lruCapacity,
	}
}

// RecordFailure computes sig's signature key, increments its count, and
// advances the escalation level per the monotonic ladder: count==1 ->
// self_repair, count==2 -> role_switch (capped at one switch per profile
// per pipeline by the caller via AssignSwitchProfile), count>=3 ->
// hard_fail.
func (e *Escalator) RecordFailure(sig model.FailureSignature, priorError string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sig.Key()
	rec, ok := e.records[key]
	if !ok {
		rec = model.NewEscalationRecord()
		e.records[key] = rec
		e.touch(key)
		e.evictIfNeeded()
	} else {
		e.touch(key)
	}

	rec.Count++
	next := levelForCount(rec.Count)
	if next.LessSevereThan(rec.Level) {
		// Monotonicity invariant: level never decreases. A caller that
		// somehow re-derives a lower count (e.g. after process restart
		// with a partially restored record) must not regress it.
		next = rec.Level
	}
	rec.Level = next

	d := Decision{Level: rec.Level, Signature: sig, Count: rec.Count}
	if rec.Level == model.LevelSelfRepair {
		d.RetryWithFeedback = priorError
	}
	return d
}

func levelForCount(count int) model.EscalationLevel {
	switch {
	case count <= 1:
		return model.LevelSelfRepair
	case count == 2:
		return model.LevelRoleSwitch
	default:
		return model.LevelHardFail
	}
}

// AssignSwitchProfile records that profile has now been used for a
// role_switch retry of sig within the current pipeline, enforcing the
// at-most-once-per-profile invariant. It returns an error if the profile
// was already used for this signature.
func (e *Escalator) AssignSwitchProfile(sig model.FailureSignature, profile string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sig.Key()
	rec, ok := e.records[key]
	if !ok {
		return fmt.Errorf("no escalation record for signature %s", key)
	}
	if rec.SwitchedProfiles[profile] {
		return fmt.Errorf("profile %q already used for role_switch on this signature", profile)
	}
	rec.SwitchedProfiles[profile] = true
	return nil
}

// Level reports the current escalation level for sig, or self_repair's
// zero-state if no failure has been recorded yet.
func (e *Escalator) Level(sig model.FailureSignature) model.EscalationLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[sig.Key()]
	if !ok {
		return model.LevelSelfRepair
	}
	return rec.Level
}

// Snapshot returns a stable copy of every tracked record, keyed by
// signature key, for persistence or inspection. Persistence across
// restarts is best-effort per the design notes' open question.
func (e *Escalator) Snapshot() map[string]model.EscalationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]model.EscalationRecord, len(e.records))
	for k, v := range e.records {
		out[k] = *v
	}
	return out
}

func (e *Escalator) touch(key string) {
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.order = append(e.order, key)
}

func (e *Escalator) evictIfNeeded() {
	for len(e.order) > e.capacity {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.records, oldest)
	}
}
