package hcache

import "github.com/gtkg-go/corepeer/clock"

// entry is a host's metadata: which cache type it currently lives in and
// when it was added.
type entry struct {
	cacheType Type
	timeAdded clock.AbsTime
}

func newEntry(t Type, added clock.AbsTime) entry {
	return entry{cacheType: t, timeAdded: added}
}

// keyTable maps a host to its metadata within a single class (Host or
// Guess). Invariant: a host is in at most one cache of its class at a time;
// its entry's cacheType names which.
type keyTable struct {
	m map[Host]entry
}

func newKeyTable() *keyTable {
	return &keyTable{m: make(map[Host]entry)}
}

func (kt *keyTable) get(h Host) (entry, bool) {
	e, ok := kt.m[h]
	return e, ok
}

func (kt *keyTable) set(h Host, e entry) {
	kt.m[h] = e
}

func (kt *keyTable) delete(h Host) {
	delete(kt.m, h)
}

func (kt *keyTable) len() int {
	return len(kt.m)
}
