package sq

import (
	"container/list"

	"github.com/gtkg-go/corepeer/clock"
)

// Stats are the externally observable counters for a queue: sent and
// dropped, supplemented with a separate Vetoed counter distinguishing a
// capacity drop from a dispatch veto.
type Stats struct {
	Count   int
	Sent    uint64
	Dropped uint64
	Vetoed  uint64
}

// Queue is a single search queue: LIFO ordered messages (head = newest), a
// handle set for O(1) duplicate detection, and pacing counters. The zero
// value is not ready to use; call newQueue.
type Queue struct {
	l    *list.List
	byID map[SearchHandle]*list.Element

	stats    Stats
	lastSent clock.AbsTime
	hasSent  bool
}

func newQueue() *Queue {
	return &Queue{l: list.New(), byID: make(map[SearchHandle]*list.Element)}
}

func (q *Queue) Len() int {
	return q.l.Len()
}

func (q *Queue) Stats() Stats {
	s := q.stats
	s.Count = q.Len()
	return s
}

// Put enqueues msg at the head (LIFO). If an entry for msg.Handle already
// exists, the new message is dropped silently and the queue is unchanged
// (a duplicate put is a silent no-op).
func (q *Queue) Put(msg Msg) {
	if _, exists := q.byID[msg.Handle]; exists {
		return
	}
	e := q.l.PushFront(msg)
	q.byID[msg.Handle] = e
}

// PopFront removes and returns the newest message.
func (q *Queue) PopFront() (Msg, bool) {
	e := q.l.Front()
	if e == nil {
		return Msg{}, false
	}
	msg := e.Value.(Msg)
	q.l.Remove(e)
	delete(q.byID, msg.Handle)
	return msg, true
}

// PopBack removes and returns the oldest message (used by cap enforcement).
func (q *Queue) PopBack() (Msg, bool) {
	e := q.l.Back()
	if e == nil {
		return Msg{}, false
	}
	msg := e.Value.(Msg)
	q.l.Remove(e)
	delete(q.byID, msg.Handle)
	return msg, true
}

// EnforceCap drops the tail until the queue is at or under size, counting drops.
func (q *Queue) EnforceCap(size int) {
	for q.Len() > size {
		if _, ok := q.PopBack(); !ok {
			break
		}
		q.stats.Dropped++
	}
}

// SearchClosed removes the entry whose handle matches, found through the
// handle index; Put keeps handles unique, so there is at most one.
func (q *Queue) SearchClosed(handle SearchHandle) {
	e, ok := q.byID[handle]
	if !ok {
		return
	}
	q.l.Remove(e)
	delete(q.byID, handle)
}

// Clear empties the queue without touching counters.
func (q *Queue) Clear() {
	q.l = list.New()
	q.byID = make(map[SearchHandle]*list.Element)
}
