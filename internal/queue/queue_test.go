package queue

import (
	"io"
	"testing"
	"time"

	"github.com/msageha/pipelinecore/internal/logging"
	"github.com/msageha/pipelinecore/internal/model"
)

func testQueue() *Queue {
	return New(model.QueueConfig{LeaseTTLSec: 300, MaxAttempts: 3, AgeThresholdSec: 60}, logging.New(io.Discard, "test", logging.LevelError))
}

func mkJob(id, pipelineID string, role model.Role, priority model.Priority, createdAt time.Time) *model.Job {
	return &model.Job{ID: id, PipelineID: pipelineID, Role: role, Mode: model.ModeWorker, Priority: priority, CreatedAt: createdAt, State: model.JobPending}
}

func TestCreate_AssignsSequenceAndDedup(t *testing.T) {
	q := testQueue()
	now := time.Now()

	j1 := mkJob("job_1", "pln_1", model.RoleCoder, model.PriorityMedium, now)
	existing, err := q.Create(j1)
	if err != nil || existing {
		t.Fatalf("Create j1: existing=%v err=%v", existing, err)
	}
	if j1.Sequence != 0 {
		t.Fatalf("j1.Sequence = %d, want 0", j1.Sequence)
	}

	j2 := &model.Job{ID: "job_2", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker, ParentJobID: strptr("p1"), CreatedAt: now}
	if _, err := q.Create(j2); err != nil {
		t.Fatalf("Create j2: %v", err)
	}

	j2dup := &model.Job{ID: "job_3", PipelineID: "pln_1", Role: model.RoleCoder, Mode: model.ModeWorker, ParentJobID: strptr("p1"), CreatedAt: now}
	existing, err = q.Create(j2dup)
	if err != nil {
		t.Fatalf("Create duplicate: %v", err)
	}
	if !existing {
		t.Fatal("expected duplicate admission to report existing=true")
	}
	if j2dup.ID != "job_2" {
		t.Fatalf("duplicate Create should rewrite to existing job, got id=%s", j2dup.ID)
	}
}

func strptr(s string) *string { return &s }

func TestPull_OrdersByPriorityThenCreatedAt(t *testing.T) {
	q := testQueue()
	now := time.Now()

	low := mkJob("job_low", "pln_1", model.RoleCoder, model.PriorityLow, now)
	high := mkJob("job_high", "pln_1", model.RoleCoder, model.PriorityHigh, now.Add(time.Second))
	q.Create(low)
	q.Create(high)

	job, ok, err := q.Pull(model.RoleCoder, model.ModeWorker, "worker-1", now)
	if err != nil || !ok {
		t.Fatalf("Pull: ok=%v err=%v", ok, err)
	}
	if job.ID != "job_high" {
		t.Fatalf("Pull returned %s, want job_high", job.ID)
	}
	if job.State != model.JobLeased {
		t.Fatalf("job state = %s, want leased", job.State)
	}
}

func TestPull_EmptyQueueReturnsFalse(t *testing.T) {
	q := testQueue()
	_, ok, err := q.Pull(model.RoleCoder, model.ModeWorker, "worker-1", time.Now())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for empty queue")
	}
}

func TestPush_SucceedsAndIsIdempotent(t *testing.T) {
	q := testQueue()
	now := time.Now()
	j := mkJob("job_1", "pln_1", model.RoleCoder, model.PriorityMedium, now)
	q.Create(j)
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", now)

	_, result, err := q.Push("job_1", true, "", now.Add(time.Second))
	if err != nil || result != PushOK {
		t.Fatalf("Push: result=%v err=%v", result, err)
	}

	_, result2, err := q.Push("job_1", true, "", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("duplicate Push: %v", err)
	}
	if result2 != PushDuplicate {
		t.Fatalf("duplicate Push result = %v, want PushDuplicate", result2)
	}
}

func TestPush_LeaseExpiredRejected(t *testing.T) {
	q := testQueue()
	q.cfg.LeaseTTLSec = 1
	now := time.Now()
	j := mkJob("job_1", "pln_1", model.RoleCoder, model.PriorityMedium, now)
	q.Create(j)
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", now)

	_, result, err := q.Push("job_1", true, "", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if result != PushLeaseExpired {
		t.Fatalf("Push result = %v, want PushLeaseExpired", result)
	}
}

func TestReapExpired_ReturnsToPendingThenDeadLetters(t *testing.T) {
	q := testQueue()
	q.cfg.LeaseTTLSec = 1
	q.cfg.MaxAttempts = 2
	now := time.Now()
	j := mkJob("job_1", "pln_1", model.RoleCoder, model.PriorityMedium, now)
	q.Create(j)
	q.Pull(model.RoleCoder, model.ModeWorker, "w1", now)

	returned, dead := q.ReapExpired(now.Add(10 * time.Second))
	if len(returned) != 1 || len(dead) != 0 {
		t.Fatalf("first reap: returned=%d dead=%d", len(returned), len(dead))
	}
	if returned[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", returned[0].AttemptCount)
	}

	// Re-lease and let it expire again; MaxAttempts=2 means this is the dead-letter expiry.
	q.Pull(model.RoleCoder, model.ModeWorker, "w2", now.Add(11*time.Second))
	returned2, dead2 := q.ReapExpired(now.Add(30 * time.Second))
	if len(returned2) != 0 || len(dead2) != 1 {
		t.Fatalf("second reap: returned=%d dead=%d", len(returned2), len(dead2))
	}
	if dead2[0].State != model.JobFailed {
		t.Fatalf("dead-lettered job state = %s, want failed", dead2[0].State)
	}
}

func TestEffectivePriority_AgingIncreasesUrgency(t *testing.T) {
	now := time.Now()
	created := now.Add(-125 * time.Second) // 2 aging periods at 60s threshold
	eff := EffectivePriority(model.PriorityLow, created, 60, now)
	if eff != 2 {
		t.Fatalf("EffectivePriority = %d, want 2", eff)
	}
}
