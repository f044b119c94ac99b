package escalator

import (
	"testing"

	"github.com/msageha/pipelinecore/internal/model"
)

func sig(prompt string) model.FailureSignature {
	return model.NewFailureSignature(model.ErrFieldTooShort, []string{"summary"}, model.RoleCoder, prompt)
}

func TestRecordFailure_Monotonic(t *testing.T) {
	e := New()
	s := sig("prompt-a")

	d1 := e.RecordFailure(s, "summary too short")
	if d1.Level != model.LevelSelfRepair {
		t.Fatalf("first failure level = %s, want self_repair", d1.Level)
	}

	d2 := e.RecordFailure(s, "summary too short")
	if d2.Level != model.LevelRoleSwitch {
		t.Fatalf("second failure level = %s, want role_switch", d2.Level)
	}

	d3 := e.RecordFailure(s, "summary too short")
	if d3.Level != model.LevelHardFail {
		t.Fatalf("third failure level = %s, want hard_fail", d3.Level)
	}

	d4 := e.RecordFailure(s, "summary too short")
	if d4.Level != model.LevelHardFail {
		t.Fatalf("fourth failure level = %s, want hard_fail (terminal)", d4.Level)
	}
}

func TestRecordFailure_DistinctSignaturesIndependent(t *testing.T) {
	e := New()
	a := sig("prompt-a")
	b := sig("prompt-b")

	e.RecordFailure(a, "err")
	e.RecordFailure(a, "err")

	d := e.RecordFailure(b, "err")
	if d.Level != model.LevelSelfRepair {
		t.Fatalf("independent signature level = %s, want self_repair", d.Level)
	}
}

func TestAssignSwitchProfile_OncePerProfile(t *testing.T) {
	e := New()
	s := sig("prompt-a")
	e.RecordFailure(s, "err")
	e.RecordFailure(s, "err") // now at role_switch

	if err := e.AssignSwitchProfile(s, "claude-opus"); err != nil {
		t.Fatalf("first AssignSwitchProfile: %v", err)
	}
	if err := e.AssignSwitchProfile(s, "claude-opus"); err == nil {
		t.Fatal("expected error reusing the same profile for role_switch")
	}
	if err := e.AssignSwitchProfile(s, "gpt-5"); err != nil {
		t.Fatalf("AssignSwitchProfile with a different profile: %v", err)
	}
}

func TestAssignSwitchProfile_UnknownSignature(t *testing.T) {
	e := New()
	s := sig("never-recorded")
	if err := e.AssignSwitchProfile(s, "claude-opus"); err == nil {
		t.Fatal("expected error for unknown signature")
	}
}

func TestLevel_DefaultsToSelfRepair(t *testing.T) {
	e := New()
	s := sig("untouched")
	if lvl := e.Level(s); lvl != model.LevelSelfRepair {
		t.Fatalf("Level() = %s, want self_repair for untouched signature", lvl)
	}
}

func TestSnapshot_ReflectsRecordedState(t *testing.T) {
	e := New()
	s := sig("prompt-a")
	e.RecordFailure(s, "err")

	snap := e.Snapshot()
	rec, ok := snap[s.Key()]
	if !ok {
		t.Fatal("snapshot missing recorded signature")
	}
	if rec.Count != 1 || rec.Level != model.LevelSelfRepair {
		t.Fatalf("snapshot record = %+v", rec)
	}
}

func TestEvictIfNeeded_BoundsMapSize(t *testing.T) {
	e := New()
	e.capacity = 4 // shrink for the test

	var sigs []model.FailureSignature
	for i := 0; i < 10; i++ {
		s := sig(string(rune('a' + i)))
		sigs = append(sigs, s)
		e.RecordFailure(s, "err")
	}

	if len(e.records) > e.capacity {
		t.Fatalf("records len = %d, want <= %d", len(e.records), e.capacity)
	}
	// the most recently inserted signature must still be present.
	last := sigs[len(sigs)-1]
	if _, ok := e.records[last.Key()]; !ok {
		t.Fatal("most recently used signature was evicted")
	}
}
