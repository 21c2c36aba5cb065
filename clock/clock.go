// Copyright 2016 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package clock provides a monotonic clock source that can be swapped for a
// deterministic one in tests. corepeer's subsystems never call time.Now
// directly; they take a Clock so scheduler and expiry logic can be driven by
// hand in tests instead of racing the wall clock.
package clock

import (
	"container/heap"
	"sync"
	"time"

	_ "unsafe" // for go:linkname
)

//go:noescape
//go:linkname nanotime runtime.nanotime
func nanotime() int64

// AbsTime represents absolute monotonic time.
type AbsTime int64

// Now returns the current absolute monotonic time.
func Now() AbsTime {
	return AbsTime(nanotime())
}

// Add returns t + d as absolute time.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Sub returns t - t2 as a duration.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// Clock interface makes it possible to replace the monotonic system clock with
// a simulated clock.
type Clock interface {
	Now() AbsTime
	Sleep(time.Duration)
	NewTimer(time.Duration) ChanTimer
	After(time.Duration) <-chan AbsTime
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable event created by AfterFunc.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer has already
	// expired or been stopped.
	Stop() bool
}

// ChanTimer is a cancellable event created by NewTimer.
type ChanTimer interface {
	Timer

	// The channel returned by C receives a value when the timer expires.
	C() <-chan AbsTime
	// Reset reschedules the timer with a new timeout.
	// It should be invoked only on stopped or expired timers with drained channels.
	Reset(time.Duration)
}

// System implements Clock using the system clock.
type System struct{}

// Now returns the current monotonic time.
func (c System) Now() AbsTime {
	return Now()
}

// Sleep blocks for the given duration.
func (c System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// NewTimer creates a timer which can be rescheduled.
func (c System) NewTimer(d time.Duration) ChanTimer {
	ch := make(chan AbsTime, 1)
	t := time.AfterFunc(d, func() {
		select {
		case ch <- c.Now():
		default:
		}
	})
	return &systemTimer{t, ch}
}

// After returns a channel which receives the current time after d has elapsed.
func (c System) After(d time.Duration) <-chan AbsTime {
	ch := make(chan AbsTime, 1)
	time.AfterFunc(d, func() { ch <- c.Now() })
	return ch
}

// AfterFunc runs f on a new goroutine after the duration has elapsed.
func (c System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type systemTimer struct {
	*time.Timer
	ch <-chan AbsTime
}

func (st *systemTimer) Reset(d time.Duration) {
	st.Timer.Reset(d)
}

func (st *systemTimer) C() <-chan AbsTime {
	return st.ch
}

// Simulated implements Clock for tests. Time only advances when Run (or
// Sleep, which calls Run) is called; there is no dependency on the wall clock, so
// scheduler and expiry tests are deterministic and race-free.
type Simulated struct {
	mu     sync.Mutex
	now    AbsTime
	timers simTimerHeap
}

func (s *Simulated) init() {
	if s.timers == nil {
		s.timers = simTimerHeap{}
		heap.Init(&s.timers)
	}
}

// Now returns the current simulated time.
func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Run advances the clock by d, firing any timers scheduled to run in the interval.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	s.init()
	end := s.now.Add(d)
	for len(s.timers) > 0 && s.timers[0].at <= end {
		ti := heap.Pop(&s.timers).(*simTimer)
		s.now = ti.at
		fire := ti.fire
		s.mu.Unlock()
		fire()
		s.mu.Lock()
	}
	s.now = end
	s.mu.Unlock()
}

// Sleep advances the simulated clock by d via Run, firing any timers due in
// that interval. The cooperative core never calls it from the event-loop
// thread.
func (s *Simulated) Sleep(d time.Duration) {
	s.Run(d)
}

// NewTimer creates a simulated ChanTimer.
func (s *Simulated) NewTimer(d time.Duration) ChanTimer {
	s.mu.Lock()
	s.init()
	ch := make(chan AbsTime, 1)
	ti := &simTimer{at: s.now.Add(d), fire: func() {
		select {
		case ch <- s.Now():
		default:
		}
	}}
	heap.Push(&s.timers, ti)
	s.mu.Unlock()
	return &simChanTimer{s: s, t: ti, ch: ch}
}

// After returns a channel that receives the simulated time once d has elapsed.
func (s *Simulated) After(d time.Duration) <-chan AbsTime {
	return s.NewTimer(d).C()
}

// AfterFunc schedules f to run (synchronously, on the caller of Run) once d has elapsed.
func (s *Simulated) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	s.init()
	ti := &simTimer{at: s.now.Add(d), fire: f}
	heap.Push(&s.timers, ti)
	s.mu.Unlock()
	return &simTimerHandle{s: s, t: ti}
}

type simTimer struct {
	at    AbsTime
	fire  func()
	index int
}

type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int            { return len(h) }
func (h simTimerHeap) Less(i, j int) bool  { return h[i].at < h[j].at }
func (h simTimerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *simTimerHeap) Push(x interface{}) {
	t := x.(*simTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *simTimerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type simTimerHandle struct {
	s *Simulated
	t *simTimer
}

func (h *simTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.timers.remove(h.t)
}

type simChanTimer struct {
	s  *Simulated
	t  *simTimer
	ch chan AbsTime
}

func (t *simChanTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.timers.remove(t.t)
}

func (t *simChanTimer) C() <-chan AbsTime {
	return t.ch
}

func (t *simChanTimer) Reset(d time.Duration) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.timers.remove(t.t)
	t.t.at = t.s.now.Add(d)
	heap.Push(&t.s.timers, t.t)
}

func (h *simTimerHeap) remove(t *simTimer) bool {
	if t.index < 0 || t.index >= len(*h) || (*h)[t.index] != t {
		return false
	}
	heap.Remove(h, t.index)
	return true
}
