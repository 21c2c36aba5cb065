package hcache

import (
	"container/list"
)

// hashList is an ordered sequence of hosts with O(1) membership testing,
// newest at the front. It backs every HostCache bucket. The shape mirrors
// the doubly-linked list gtk-gnutella keeps per cache (hcache.c's hash_list_t
// wrapping a GList) plus a side index for O(1) lookup, which is also the
// pattern common/lru's BasicLRU uses internally for its own list+map pair.
type hashList struct {
	l   *list.List
	idx map[Host]*list.Element
}

func newHashList() *hashList {
	return &hashList{l: list.New(), idx: make(map[Host]*list.Element)}
}

func (h *hashList) Len() int {
	return h.l.Len()
}

func (h *hashList) Contains(host Host) bool {
	_, ok := h.idx[host]
	return ok
}

// PushFront inserts host at the head (newest position). The caller must
// ensure host is not already present.
func (h *hashList) PushFront(host Host) {
	e := h.l.PushFront(host)
	h.idx[host] = e
}

// Remove deletes host if present and reports whether it was found.
func (h *hashList) Remove(host Host) bool {
	e, ok := h.idx[host]
	if !ok {
		return false
	}
	h.l.Remove(e)
	delete(h.idx, host)
	return true
}

// Back returns the oldest host (tail) and true, or the zero Host and false
// if the list is empty.
func (h *hashList) Back() (Host, bool) {
	e := h.l.Back()
	if e == nil {
		return Host{}, false
	}
	return e.Value.(Host), true
}

// Front returns the newest host (head) and true, or the zero Host and false
// if the list is empty.
func (h *hashList) Front() (Host, bool) {
	e := h.l.Front()
	if e == nil {
		return Host{}, false
	}
	return e.Value.(Host), true
}

// PopBack removes and returns the oldest host.
func (h *hashList) PopBack() (Host, bool) {
	host, ok := h.Back()
	if !ok {
		return Host{}, false
	}
	h.Remove(host)
	return host, true
}

// PopFront removes and returns the newest host.
func (h *hashList) PopFront() (Host, bool) {
	host, ok := h.Front()
	if !ok {
		return Host{}, false
	}
	h.Remove(host)
	return host, true
}

// RemoveAfterFront removes the second entry (the one just after the head),
// used by the GUESS 70/30 MRU-biased eviction. Returns false if there are
// fewer than two entries.
func (h *hashList) RemoveAfterFront() (Host, bool) {
	e := h.l.Front()
	if e == nil || e.Next() == nil {
		return Host{}, false
	}
	second := e.Next()
	host := second.Value.(Host)
	h.l.Remove(second)
	delete(h.idx, host)
	return host, true
}

// SpliceFrontFrom moves the entirety of other onto the front of h, preserving
// other's internal order, then empties other. Used for the FRESH-empty
// splice-in of VALID.
func (h *hashList) SpliceFrontFrom(other *hashList) {
	if other.l.Len() == 0 {
		return
	}
	merged := list.New()
	idx := make(map[Host]*list.Element, other.l.Len()+h.l.Len())
	for e := other.l.Front(); e != nil; e = e.Next() {
		host := e.Value.(Host)
		idx[host] = merged.PushBack(host)
	}
	for e := h.l.Front(); e != nil; e = e.Next() {
		host := e.Value.(Host)
		idx[host] = merged.PushBack(host)
	}
	h.l = merged
	h.idx = idx
	other.l = list.New()
	other.idx = make(map[Host]*list.Element)
}

// Each walks the list from newest to oldest, stopping early if fn returns false.
func (h *hashList) Each(fn func(Host) bool) {
	for e := h.l.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(Host)) {
			return
		}
	}
}

// Hosts returns every entry, newest first.
func (h *hashList) Hosts() []Host {
	out := make([]Host, 0, h.l.Len())
	h.Each(func(host Host) bool {
		out = append(out, host)
		return true
	})
	return out
}

// Clear empties the list.
func (h *hashList) Clear() {
	h.l = list.New()
	h.idx = make(map[Host]*list.Element)
}

// Rebuild replaces the list contents with hosts, which must already be
// ordered newest first (used after a sort).
func (h *hashList) Rebuild(hosts []Host) {
	h.Clear()
	for _, host := range hosts {
		e := h.l.PushBack(host)
		h.idx[host] = e
	}
}
