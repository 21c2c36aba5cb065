package bg

import (
	"testing"

	"github.com/gtkg-go/corepeer/clock"
)

// Scenario 4: a 3-step task [s0->MORE, s0->NEXT, s1->NEXT, s2->DONE]. The
// done callback should see OK after the 4th scheduler entry, and the task's
// context should be freed (reclaimed) on the 5th Tick.
func TestThreeStepTaskRunsToCompletion(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)

	var calls int
	var doneStatus Status
	var doneCode int
	var doneCalled bool
	freed := false

	step0 := func(h *Handle, seqno int, ticks int) StepResult {
		calls++
		if seqno == 0 {
			return StepMore
		}
		return StepNext
	}
	step1 := func(h *Handle, seqno int, ticks int) StepResult {
		calls++
		return StepNext
	}
	step2 := func(h *Handle, seqno int, ticks int) StepResult {
		calls++
		return StepDone
	}

	s.Create("three-step", []Step{step0, step1, step2}, FlagNormal, nil,
		func(any) { freed = true },
		func(h *Handle, status Status, code int) {
			doneCalled = true
			doneStatus, doneCode = status, code
		})

	for i := 0; i < 4; i++ {
		s.Tick(sim.Now())
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (entries: s0/MORE, s0/NEXT, s1/NEXT, s2/DONE)", calls)
	}
	if !doneCalled {
		t.Fatalf("done callback was not invoked")
	}
	if doneStatus != StatusOK || doneCode != 0 {
		t.Fatalf("done callback got status=%v code=%d, want OK/0", doneStatus, doneCode)
	}
	if freed {
		t.Fatalf("context freed before the reclaim tick")
	}

	s.Tick(sim.Now())
	if !freed {
		t.Fatalf("context was not freed on the reclaim tick")
	}
}

func TestStepErrorTerminatesWithNegativeExitCode(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)
	var status Status
	var code int
	s.Create("failer", []Step{
		func(h *Handle, seqno, ticks int) StepResult { return StepError },
	}, FlagNormal, nil, nil, func(h *Handle, st Status, c int) { status, code = st, c })

	s.Tick(sim.Now())
	if status != StatusError || code != -1 {
		t.Fatalf("status=%v code=%d, want ERROR/-1", status, code)
	}
}

func TestHandleExitIsNonLocal(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)
	var status Status
	ran := false
	s.Create("exiter", []Step{
		func(h *Handle, seqno, ticks int) StepResult {
			ran = true
			return h.Exit(0)
		},
		func(h *Handle, seqno, ticks int) StepResult {
			t.Fatalf("second step should never run after Exit")
			return StepDone
		},
	}, FlagNormal, nil, nil, func(h *Handle, st Status, c int) { status = st })

	s.Tick(sim.Now())
	if !ran {
		t.Fatalf("first step never ran")
	}
	if status != StatusOK {
		t.Fatalf("status = %v, want OK", status)
	}
}

func TestZombieRetainsStatusUntilRead(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)
	h := s.Create("zombie", []Step{
		func(h *Handle, seqno, ticks int) StepResult { return StepError },
	}, FlagNormal, nil, nil, nil)

	s.Tick(sim.Now())
	status, code := h.Status()
	if status != StatusError || code != -1 {
		t.Fatalf("status=%v code=%d, want ERROR/-1", status, code)
	}
	if h.t.zombie {
		t.Fatalf("zombie flag should clear after the first Status() read")
	}
}

func TestDaemonSleepsWhenQueueDrainsAndWakesOnEnqueue(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)

	var processed []any
	var notifications []bool
	h := s.CreateDaemon("worker", []Step{
		func(hh *Handle, seqno, ticks int) StepResult {
			processed = append(processed, hh.Ctx())
			return StepDone
		},
	}, FlagNormal, nil, nil,
		func(ctx, item any) {},
		func(ctx, item any) {},
		func(item any) {},
		func(hasWork bool) { notifications = append(notifications, hasWork) })

	s.Tick(sim.Now()) // nothing queued yet; daemon stays asleep
	if len(processed) != 0 {
		t.Fatalf("daemon ran before any item was enqueued")
	}

	s.Enqueue(h, "item-1")
	s.Tick(sim.Now())
	if len(processed) != 1 {
		t.Fatalf("processed = %v, want 1 item run", processed)
	}
	if len(notifications) < 2 || notifications[0] != true || notifications[len(notifications)-1] != false {
		t.Fatalf("notifications = %v, want wake(true) then drain(false)", notifications)
	}
}

func TestCancelDeliversTermThenKill(t *testing.T) {
	sim := &clock.Simulated{}
	s := New(sim, nil)
	var status Status
	h := s.Create("cancelable", []Step{
		func(hh *Handle, seqno, ticks int) StepResult {
			t.Fatalf("step should never run on a cancelled task")
			return StepDone
		},
	}, FlagNormal, nil, nil, func(hh *Handle, st Status, c int) { status = st })

	s.Cancel(h)
	if status != StatusOK {
		t.Fatalf("status = %v, want OK (terminated via the default TERM handler)", status)
	}
}
