package hcache

// bucket is a single named HostCache: a class tag, a type tag, an ordered
// list of host atoms, hit/miss counters, a dirty flag for the persistence
// sweep, and a mass-update counter so bulk operations report the externally
// observable population exactly once.
type bucket struct {
	typ      Type
	class    Class
	addrOnly bool
	list     *hashList
	hits     uint64
	misses   uint64
	dirty    bool
	massDepth int
}

func newBucket(t Type) *bucket {
	return &bucket{
		typ:      t,
		class:    t.class(),
		addrOnly: t.addrOnly(),
		list:     newHashList(),
	}
}

func (b *bucket) inMassUpdate() bool {
	return b.massDepth > 0
}

func (b *bucket) size() int {
	return b.list.Len()
}
