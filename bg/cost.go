package bg

import "time"

// costImpact is the weight a single measurement carries against the running
// tick-cost estimate, an exponential moving average of round-trip
// measurements: new = (1-impact)*old + impact*sample. A "(4*old +
// sample)/5" running average is the impact=0.2 case of that same family, so
// it is expressed here with the identical shape rather than a bespoke
// formula.
const costImpact = 0.2

// minTicksGranted is the floor the scheduler will always grant, even to a
// task whose cost model has not warmed up yet.
const minTicksGranted = 1

// recordElapsed folds one activation's measured wall time into t's EMA
// tick-cost estimate. A negative elapsed
// (monotonic clock hiccup) is not measured directly; instead it is
// estimated from the previous per-tick cost scaled by the ticks actually
// used, so a single bad reading doesn't zero out the estimate.
func (t *task) recordElapsed(elapsed time.Duration) {
	used := t.ticksUsed
	if used <= 0 {
		used = t.ticksGranted
	}
	elapsedUS := elapsed.Microseconds()
	if elapsedUS < 0 {
		elapsedUS = int64(t.tickCostUS * float64(used))
	}
	t.lastElapsedUS = elapsedUS

	if t.noTick || used == 0 {
		return
	}
	sample := float64(elapsedUS) / float64(used)
	t.tickCostUS = (1-costImpact)*t.tickCostUS + costImpact*sample
}

// grantTicks computes this activation's tick allowance from t's current
// cost estimate and the scheduler-wide per-task budget, clamped to at most
// 4x variance from the previous grant so one cheap or expensive activation
// can't swing the schedule wildly.
func (t *task) grantTicks(budgetUS int64) int {
	cost := t.tickCostUS
	if cost <= 0 {
		cost = 1
	}
	ticks := minTicksGranted + int(float64(budgetUS)/cost)

	if t.prevTicks > 0 {
		if ticks > t.prevTicks*4 {
			ticks = t.prevTicks * 4
		}
		if lo := t.prevTicks / 4; lo > 0 && ticks < lo {
			ticks = lo
		}
	}
	if ticks < minTicksGranted {
		ticks = minTicksGranted
	}
	t.prevTicks = ticks
	return ticks
}
