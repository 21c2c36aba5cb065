package bg

import (
	"time"

	"github.com/gtkg-go/corepeer/clock"
	"github.com/gtkg-go/corepeer/log"
)

const (
	tickBudgetUS       int64 = 150_000
	minPerTaskBudgetUS int64 = 40_000
)

// Stats are the externally observable scheduler counters.
type Stats struct {
	// Overruns counts sched_timer invocations whose wall-clock cost
	// exceeded the 150ms budget — a watchdog signal that some step is
	// mis-costed or the host is overloaded, supplementing the tick
	// budget with a diagnosable counter.
	Overruns uint64
}

// Scheduler is the single-threaded cooperative run loop: one task RUNNING
// at a time, no preemption, no locks.
type Scheduler struct {
	clk clock.Clock
	log log.Logger

	runQ          []*task
	sleeping      map[*task]bool
	exitedPending []*task

	running *task

	overruns uint64
}

// New creates a scheduler. clk and logger may be nil, defaulting to
// clock.System{} and log.Root().
func New(clk clock.Clock, logger log.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Root()
	} else {
		logger = logger.New("module", "bg")
	}
	return &Scheduler{
		clk:      clk,
		log:      logger,
		sleeping: make(map[*task]bool),
	}
}

// Create spawns a plain task, runnable immediately.
func (s *Scheduler) Create(name string, steps []Step, flags Flag, ctx any, ctxFree func(any), done DoneFunc) *Handle {
	t := &task{
		name:    name,
		flags:   flags,
		steps:   steps,
		ctx:     ctx,
		ctxFree: ctxFree,
		done:    done,
		state:   stateRunnable,
	}
	s.runQ = append(s.runQ, t)
	return &Handle{t: t}
}

// CreateDaemon spawns a work-queue-backed task. It starts sleeping; the
// first Enqueue wakes it.
func (s *Scheduler) CreateDaemon(name string, steps []Step, flags Flag, ctx any, ctxFree func(any),
	startCB, endCB func(ctx, item any), itemFree func(item any), notify func(hasWork bool)) *Handle {
	t := &task{
		name:    name,
		flags:   flags,
		steps:   steps,
		ctx:     ctx,
		ctxFree: ctxFree,
		state:   stateSleeping,
		work: &daemonQueue{
			startCB:  startCB,
			endCB:    endCB,
			itemFree: itemFree,
			notify:   notify,
		},
	}
	s.sleeping[t] = true
	return &Handle{t: t}
}

// Enqueue appends item to h's daemon work queue, waking it if it was
// sleeping.
func (s *Scheduler) Enqueue(h *Handle, item any) {
	t := h.t
	t.work.Push(item)
	if s.sleeping[t] {
		delete(s.sleeping, t)
		t.state = stateRunnable
		s.runQ = append(s.runQ, t)
	}
	t.work.Notify(true)
}

// Signal installs handler for sig on h, returning the previously installed
// handler (nil if none).
func (s *Scheduler) Signal(h *Handle, sig Signal, handler SignalHandler) SignalHandler {
	t := h.t
	if t.signalHandlers == nil {
		t.signalHandlers = make(map[Signal]SignalHandler)
	}
	prev := t.signalHandlers[sig]
	t.signalHandlers[sig] = handler
	return prev
}

// SendSignal delivers sig to h, queuing it if h is not the currently
// running task or is already inside a handler.
func (s *Scheduler) SendSignal(h *Handle, sig Signal) {
	s.deliver(h.t, sig)
}

// Cancel synchronously terminates h: it switches to the target to run its
// TERM handler (so a custom handler gets a chance to clean up), then KILLs
// it outright to guarantee termination regardless of what TERM's handler
// did. Unlike SendSignal, this never queues — Cancel owns the switch.
func (s *Scheduler) Cancel(h *Handle) {
	t := h.t
	if t.state == stateExited || t.state == stateDead {
		return
	}
	prevRunning := s.running
	s.running = t
	s.runHandler(t, SigTerm)
	s.running = prevRunning
	if t.state != stateExited {
		s.terminate(t, StatusKilled, -1)
	}
}

// Status reports h's termination status and exit code, clearing the ZOMBIE
// retention flag on first read.
func (h *Handle) Status() (Status, int) {
	st := h.t.status
	h.t.zombie = false
	return st, h.t.exitCode
}

func statusFor(exitCode int) Status {
	if exitCode == 0 {
		return StatusOK
	}
	return StatusError
}

func (s *Scheduler) popFront() *task {
	if len(s.runQ) == 0 {
		return nil
	}
	t := s.runQ[0]
	s.runQ = s.runQ[1:]
	return t
}

func (s *Scheduler) requeue(t *task) {
	t.state = stateRunnable
	s.runQ = append(s.runQ, t)
}

func (s *Scheduler) removeFromRunQ(t *task) {
	for i, x := range s.runQ {
		if x == t {
			s.runQ = append(s.runQ[:i], s.runQ[i+1:]...)
			return
		}
	}
}

// terminate ends t's execution: runs its done callback (or flags ZOMBIE if
// the terminal status is abnormal and no callback is installed), then
// queues it for reclamation on the following Tick.
func (s *Scheduler) terminate(t *task, status Status, exitCode int) {
	if t.state == stateExited || t.state == stateDead {
		return
	}
	t.status = status
	t.exitCode = exitCode
	t.state = stateExited
	s.removeFromRunQ(t)
	delete(s.sleeping, t)
	if t.work != nil && t.hasItem {
		t.work.FreeItem(t.curItem)
		t.curItem, t.hasItem = nil, false
	}

	if t.done != nil {
		t.done(&Handle{t: t}, status, exitCode)
	} else if status != StatusOK {
		t.zombie = true
	}
	s.exitedPending = append(s.exitedPending, t)
}

// reclaimDead frees the context of every task that exited on the previous
// Tick, freeing a task's resources one tick after it terminates.
func (s *Scheduler) reclaimDead() {
	for _, t := range s.exitedPending {
		if t.ctxFree != nil {
			t.ctxFree(t.ctx)
		}
		t.ctx = nil
		t.state = stateDead
	}
	s.exitedPending = s.exitedPending[:0]
}

// finishDaemonItem closes out the item a daemon task just finished
// processing (DONE, or the last step's NEXT) and either advances it to the
// next queued item or puts it to sleep.
func (s *Scheduler) finishDaemonItem(t *task) {
	if t.hasItem {
		t.work.EndItem(t.ctx, t.curItem)
		t.work.FreeItem(t.curItem)
		t.curItem = nil
		t.hasItem = false
	}
	t.stepIndex = 0
	t.seqno = 0
	t.tickCostUS = 0

	if t.work.Empty() {
		t.state = stateSleeping
		s.sleeping[t] = true
		t.work.Notify(false)
		return
	}
	s.requeue(t)
}

// Tick runs one scheduler timer invocation:
// every task runnable at entry gets exactly one activation, apportioned
// from a shared 150ms wall-clock budget.
func (s *Scheduler) Tick(now clock.AbsTime) {
	s.reclaimDead()

	runnable := len(s.runQ)
	if runnable == 0 {
		return
	}
	perTaskUS := tickBudgetUS / int64(runnable)
	if perTaskUS < minPerTaskBudgetUS {
		perTaskUS = minPerTaskBudgetUS
	}

	start := s.clk.Now()
	for i := 0; i < runnable; i++ {
		t := s.popFront()
		if t == nil {
			break
		}
		s.runOne(t, perTaskUS, now)
	}
	elapsed := time.Duration(s.clk.Now().Sub(start))
	if elapsed > time.Duration(tickBudgetUS)*time.Microsecond {
		s.overruns++
	}
}

func (s *Scheduler) runOne(t *task, perTaskBudgetUS int64, now clock.AbsTime) {
	s.drainSignals(t)
	if t.state != stateRunnable {
		return
	}

	if t.work != nil && t.stepIndex == 0 && t.seqno == 0 && !t.hasItem {
		item, ok := t.work.PopFront()
		if !ok {
			// Woken with nothing to do; go back to sleep.
			t.state = stateSleeping
			s.sleeping[t] = true
			t.work.Notify(false)
			return
		}
		t.curItem, t.hasItem = item, true
		t.work.StartItem(t.ctx, item)
	}

	ticks := t.grantTicks(perTaskBudgetUS)
	t.ticksGranted = ticks
	t.ticksUsed = ticks
	t.noTick = false

	s.running = t
	startWall := s.clk.Now()
	result := t.steps[t.stepIndex](&Handle{t: t}, t.seqno, ticks)
	elapsed := s.clk.Now().Sub(startWall)
	s.running = nil
	t.wallTimeMS += elapsed.Milliseconds()
	t.recordElapsed(elapsed)

	if t.nonLocalExit {
		s.terminate(t, statusFor(t.exitCode), t.exitCode)
		return
	}

	switch result {
	case StepDone:
		if t.work != nil {
			s.finishDaemonItem(t)
		} else {
			s.terminate(t, StatusOK, 0)
		}
	case StepNext:
		t.stepIndex++
		t.seqno = 0
		t.tickCostUS = 0
		if t.stepIndex >= len(t.steps) {
			if t.work != nil {
				s.finishDaemonItem(t)
			} else {
				s.terminate(t, StatusOK, 0)
			}
		} else {
			s.requeue(t)
		}
	case StepMore:
		t.seqno++
		s.requeue(t)
	case StepError:
		s.terminate(t, StatusError, -1)
	}
}

// Stats reports the scheduler's watchdog counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Overruns: s.overruns}
}
