package bg

// Signal identifies a delivered event. The three built-ins mirror the
// scheduler's fixed vocabulary; values from FirstUserSignal up are free for
// application use via Scheduler.Signal.
type Signal int

const (
	// SigKill is uncatchable: it always terminates the task synchronously,
	// regardless of any installed handler.
	SigKill Signal = iota
	// SigTerm has a default handler that calls Handle.Exit; callers may
	// override it to run cleanup first.
	SigTerm
	// SigZero is a no-op signal, useful as a liveness ping.
	SigZero

	// FirstUserSignal is the first value applications may use for their
	// own signal slots.
	FirstUserSignal
)

func defaultTermHandler(h *Handle, sig Signal) bool {
	h.Exit(0)
	return true
}

// deliver runs (or queues) a signal against t. Signals are queued instead of
// run immediately when the task is not the one currently executing, or when
// a handler is already running on it — the scheduler drains the queue
// before the task's next step.
func (s *Scheduler) deliver(t *task, sig Signal) {
	t.lastSignal = sig
	if sig == SigKill {
		s.terminate(t, StatusKilled, -1)
		return
	}
	if t != s.running || t.inSignal {
		t.pendingSignals = append(t.pendingSignals, sig)
		return
	}
	s.runHandler(t, sig)
}

// drainSignals runs every queued signal against t before its next step, in
// FIFO order. A KILL discovered mid-drain terminates immediately.
func (s *Scheduler) drainSignals(t *task) {
	for len(t.pendingSignals) > 0 {
		sig := t.pendingSignals[0]
		t.pendingSignals = t.pendingSignals[1:]
		if sig == SigKill {
			s.terminate(t, StatusKilled, -1)
			return
		}
		s.runHandler(t, sig)
		if t.state != stateRunnable {
			return
		}
	}
}

// runHandler invokes sig's handler (custom, else the built-in default for
// SIG_TERM, else nothing). A handler running inside a running task consumes
// that task's own wall-time budget: it is just another call on
// the same stack, not a separate scheduling unit.
func (s *Scheduler) runHandler(t *task, sig Signal) {
	h, ok := t.signalHandlers[sig]
	if !ok {
		if sig == SigTerm {
			h = defaultTermHandler
		} else {
			return
		}
	}
	t.inSignal = true
	handled := h(&Handle{t: t}, sig)
	if !handled && ok && sig == SigTerm && !t.nonLocalExit {
		defaultTermHandler(&Handle{t: t}, sig)
	}
	t.inSignal = false
	if t.nonLocalExit {
		s.terminate(t, statusFor(t.exitCode), t.exitCode)
	}
}
