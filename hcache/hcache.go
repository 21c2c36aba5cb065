package hcache

import (
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/gtkg-go/corepeer/clock"
	"github.com/gtkg-go/corepeer/event"
	"github.com/gtkg-go/corepeer/log"
	"github.com/gtkg-go/corepeer/netutil"

	gometrics "github.com/rcrowley/go-metrics"
)

// expireAfter is the fixed window after which TIMEOUT/BUSY/UNSTABLE entries
// are dropped by Expire.
const expireAfter = 1800 * time.Second

// BogusFilter lets the embedder veto addresses HCACHE should never keep,
// mirroring the hostile/bogus-IP filters gtk-gnutella consults from
// hcache_add before interning a host (kept as an external collaborator per
// scope, not reimplemented here).
type BogusFilter interface {
	IsBogus(addr netip.Addr) bool
	IsHostile(addr netip.Addr) bool
}

// noopBogusFilter never rejects anything; used when the embedder has no
// filter wired up yet.
type noopBogusFilter struct{}

func (noopBogusFilter) IsBogus(netip.Addr) bool   { return false }
func (noopBogusFilter) IsHostile(netip.Addr) bool { return false }

// Connected reports whether the core is already connected to (addr, port),
// so admission can reject duplicates of live peers (admission step 4).
type Connected interface {
	IsConnected(addr netip.Addr, port uint16) bool
}

type noopConnected struct{}

func (noopConnected) IsConnected(netip.Addr, uint16) bool { return false }

// NewHostEvent is broadcast on the admission path whenever a genuinely new
// host is interned, replacing the wait-queue wakeup gtk-gnutella keys off
// the hcache_add function pointer.
type NewHostEvent struct {
	Type Type
	Host Host
}

// Config holds HCACHE's tunables as recognized options.
type Config struct {
	MaxHostsCached           int
	MaxUltraHostsCached      int
	MaxBadHostsCached        int
	MaxGuessHostsCached      int
	MaxGuessIntroHostsCached int

	StopHostGet           bool
	NodeMonitorUnstableIP bool
	UseNetmasks           bool

	// PortHeuristicRejectRate is the probability (0..1) that a candidate on
	// ports 6346-6350 is vetoed by admission step 7. Defaults to 0.875
	// (>31/255 rejected), but is configurable rather than a hardcoded
	// constant.
	PortHeuristicRejectRate float64
}

// DefaultConfig returns the tunables gtk-gnutella ships with.
func DefaultConfig() Config {
	return Config{
		MaxHostsCached:           4096,
		MaxUltraHostsCached:      4096,
		MaxBadHostsCached:        1024,
		MaxGuessHostsCached:      4096,
		MaxGuessIntroHostsCached: 1024,
		PortHeuristicRejectRate:  0.875,
	}
}

func (c Config) limitFor(t Type) int {
	switch t {
	case FreshAny, ValidAny:
		return c.MaxHostsCached
	case FreshUltra, ValidUltra:
		return c.MaxUltraHostsCached
	case Timeout, Busy, Unstable, Alien:
		return c.MaxBadHostsCached
	case Guess:
		return c.MaxGuessHostsCached
	case GuessIntro:
		return c.MaxGuessIntroHostsCached
	default:
		return 0
	}
}

// Cache is a host cache: ten
// named buckets, two class key tables, and the admission/promotion/prune
// policy that governs them.
type Cache struct {
	cfg      Config
	clk      clock.Clock
	log      log.Logger
	rng      *rand.Rand
	bogus    BogusFilter
	conn     Connected
	self     Host
	haveSelf bool

	buckets [numTypes]*bucket
	keys    [2]*keyTable // indexed by Class

	onNewHost event.FeedOf[NewHostEvent]

	hostLowOnPongs bool
	closeRunning   bool

	// wallEpoch/clkEpoch anchor clock.AbsTime (monotonic, opaque epoch) to a
	// real calendar time, purely so persistence can render a UTC timestamp;
	// nothing else in admission/expiry/pruning needs wall-clock time.
	wallEpoch time.Time
	clkEpoch  clock.AbsTime

	hitsGauge, missesGauge map[Type]gometrics.Gauge
}

// wallClockFor converts a clock.AbsTime recorded by this Cache into the
// calendar time it corresponds to, for persistence only.
func (c *Cache) wallClockFor(t clock.AbsTime) time.Time {
	return c.wallEpoch.Add(t.Sub(c.clkEpoch))
}

// absTimeFor converts a calendar time (as loaded from a persisted file) back
// into this Cache's clock.AbsTime space.
func (c *Cache) absTimeFor(t time.Time) clock.AbsTime {
	return c.clkEpoch.Add(t.Sub(c.wallEpoch))
}

// New creates an empty Cache. logger and registry may be nil, in which case
// log.Root() and a private go-metrics registry are used.
func New(cfg Config, clk clock.Clock, logger log.Logger, registry gometrics.Registry) *Cache {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Root()
	} else {
		logger = logger.New("module", "hcache")
	}
	if registry == nil {
		registry = gometrics.NewRegistry()
	}
	c := &Cache{
		cfg:         cfg,
		clk:         clk,
		log:         logger,
		rng:         rand.New(rand.NewSource(int64(clk.Now()))),
		bogus:       noopBogusFilter{},
		conn:        noopConnected{},
		keys:        [2]*keyTable{newKeyTable(), newKeyTable()},
		wallEpoch:   time.Now(),
		clkEpoch:    clk.Now(),
		hitsGauge:   make(map[Type]gometrics.Gauge),
		missesGauge: make(map[Type]gometrics.Gauge),
	}
	for t := Type(0); t < numTypes; t++ {
		c.buckets[t] = newBucket(t)
		c.hitsGauge[t] = gometrics.NewRegisteredGauge("hcache/"+t.String()+"/hits", registry)
		c.missesGauge[t] = gometrics.NewRegisteredGauge("hcache/"+t.String()+"/misses", registry)
	}
	return c
}

// SetBogusFilter installs the hostile/bogus-IP collaborator.
func (c *Cache) SetBogusFilter(f BogusFilter) {
	if f == nil {
		f = noopBogusFilter{}
	}
	c.bogus = f
}

// SetConnected installs the already-connected collaborator.
func (c *Cache) SetConnected(conn Connected) {
	if conn == nil {
		conn = noopConnected{}
	}
	c.conn = conn
}

// SetSelf records this node's own public address so admission step 3 can
// reject self-referential candidates.
func (c *Cache) SetSelf(addr netip.Addr, port uint16) {
	c.self = Host{Addr: addr, Port: port}
	c.haveSelf = true
}

// Subscribe registers ch to receive NewHostEvent broadcasts.
func (c *Cache) Subscribe(ch chan<- NewHostEvent) event.Subscription {
	return c.onNewHost.Subscribe(ch)
}

func (c *Cache) bucket(t Type) *bucket {
	return c.buckets[t]
}

func (c *Cache) keyTable(cl Class) *keyTable {
	return c.keys[cl]
}

// Add attempts to register a host. It returns whether (addr, port) passed
// sanity checks, regardless of whether a slot was actually taken (see
// §4.1 admission algorithm, steps 1-9).
func (c *Cache) Add(t Type, addr netip.Addr, port uint16, label string) bool {
	if c.cfg.StopHostGet {
		return false
	}
	if t == Unstable && (!c.cfg.NodeMonitorUnstableIP || c.hostLowOnPongs) {
		return false
	}
	if c.haveSelf && c.self.Addr == addr && c.self.Port == port {
		return false
	}
	host := Host{Addr: addr, Port: port}
	if isGoodType(t) && c.conn.IsConnected(addr, port) {
		return false
	}
	if !addr.IsValid() || !isRoutable(addr) {
		if !t.addrOnly() || !validPort(port) {
			return false
		}
	}
	if c.bogus.IsBogus(addr) || c.bogus.IsHostile(addr) {
		return false
	}
	if port >= 6346 && port <= 6350 && !c.hostLowOnPongs {
		if c.rng.Float64() < c.cfg.PortHeuristicRejectRate {
			return false
		}
	}

	cl := t.class()
	kt := c.keyTable(cl)
	if e, ok := kt.get(host); ok {
		c.handleDuplicate(kt, e, host, t)
		return true
	}

	c.onNewHost.Send(NewHostEvent{Type: t, Host: host})

	if !c.slotFilterAccepts(t) {
		return true
	}

	b := c.bucket(t)
	kt.set(host, newEntry(t, c.clk.Now()))
	b.list.PushFront(host)
	if !b.inMassUpdate() {
		b.misses++
		c.missesGauge[t].Update(int64(b.misses))
	}
	b.dirty = true
	c.prune(t)
	c.updateLowOnPongs()
	c.log.Debug("host admitted", "type", t, "host", host, "label", label)
	return true
}

// updateLowOnPongs recomputes hostLowOnPongs from the current ANY
// population: low iff fewer than an eighth of MaxHostsCached are cached,
// the same threshold the UNSTABLE gate and the port-heuristic veto relax
// under.
func (c *Cache) updateLowOnPongs() {
	c.hostLowOnPongs = c.Size(KindAny) < c.cfg.MaxHostsCached/8
}

func isGoodType(t Type) bool {
	switch t {
	case FreshAny, ValidAny, FreshUltra, ValidUltra:
		return true
	default:
		return false
	}
}

func isRoutable(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() {
		return false
	}
	return !netutil.AddrIsSpecialNetwork(addr)
}

func validPort(port uint16) bool {
	return port != 0
}

// handleDuplicate implements admission step 8: what happens when (addr,
// port) already exists in the class table.
func (c *Cache) handleDuplicate(kt *keyTable, existing entry, host Host, want Type) {
	cur := existing.cacheType
	switch {
	case want.isBad():
		if cur.isBad() {
			return
		}
		c.move(kt, host, cur, want)
	case want == FreshUltra || want == ValidUltra:
		if cur == FreshAny || cur == ValidAny {
			c.move(kt, host, cur, want)
		}
	case want == Guess:
		// ID-smearing mitigation: a repeated GUESS admission removes the
		// existing entry rather than refreshing it.
		c.removeFrom(kt, host, cur)
	case want == FreshAny || want == ValidAny:
		// no-op
	}
}

func (c *Cache) move(kt *keyTable, host Host, from, to Type) {
	fb, tb := c.bucket(from), c.bucket(to)
	fb.list.Remove(host)
	tb.list.PushFront(host)
	fb.dirty = true
	tb.dirty = true
	kt.set(host, newEntry(to, c.clk.Now()))
}

func (c *Cache) removeFrom(kt *keyTable, host Host, from Type) {
	b := c.bucket(from)
	b.list.Remove(host)
	b.dirty = true
	kt.delete(host)
}

// slotFilterAccepts implements the probability-gated admission slot filter:
// accept iff limit>0 && left>0 && (left > limit/2 || rand < left/limit).
func (c *Cache) slotFilterAccepts(t Type) bool {
	limit := c.cfg.limitFor(t)
	if limit <= 0 {
		return false
	}
	left := limit - c.bucket(t).size()
	if left <= 0 {
		return false
	}
	if left > limit/2 {
		return true
	}
	return c.rng.Uint32()%uint32(limit) < uint32(left)
}

// AddCaught maps {Any, Ultra, Guess} to the fresh type and admits.
func (c *Cache) AddCaught(kind HostKind, addr netip.Addr, port uint16, label string) bool {
	return c.Add(kind.fresh(), addr, port, label)
}

// AddValid maps {Any, Ultra, Guess} to the valid type and admits.
func (c *Cache) AddValid(kind HostKind, addr netip.Addr, port uint16, label string) bool {
	return c.Add(kind.valid(), addr, port, label)
}

// Purge removes host if present in one of the four good caches.
func (c *Cache) Purge(addr netip.Addr, port uint16) {
	host := Host{Addr: addr, Port: port}
	kt := c.keyTable(ClassHost)
	e, ok := kt.get(host)
	if !ok || !isGoodType(e.cacheType) {
		return
	}
	c.removeFrom(kt, host, e.cacheType)
}

// Clear bulk-drops every host of the given type under mass-update semantics.
func (c *Cache) Clear(t Type) {
	c.StartMassUpdate(t)
	b := c.bucket(t)
	kt := c.keyTable(t.class())
	b.list.Each(func(h Host) bool {
		kt.delete(h)
		return true
	})
	b.list.Clear()
	b.dirty = true
	c.StopMassUpdate(t)
}

// ClearHostKind clears both halves (fresh and valid) of kind.
func (c *Cache) ClearHostKind(kind HostKind) {
	c.Clear(kind.fresh())
	c.Clear(kind.valid())
}

// GetCaught extracts a host for outbound connection, removing it. The
// fresh half is drained before valid is spliced in (promotion runs lazily
// whenever fresh is observed empty), so extraction naturally returns the
// freshest surviving host first (LIFO within the union, per §5 ordering
// guarantees).
func (c *Cache) GetCaught(kind HostKind) (Host, bool) {
	c.promoteIfEmpty(kind)
	if host, ok := c.popCaught(kind.fresh()); ok {
		c.updateLowOnPongs()
		return host, true
	}
	// GUESS_INTRO is GUESS's fallback half, consulted once the primary
	// bucket is drained, the same way fresh falls back to valid for the
	// other two kinds.
	if kind == KindGuess {
		if host, ok := c.popCaught(GuessIntro); ok {
			c.updateLowOnPongs()
			return host, true
		}
	}
	return Host{}, false
}

// popCaught removes and returns the front (newest) host of bucket t, if any.
func (c *Cache) popCaught(t Type) (Host, bool) {
	b := c.bucket(t)
	kt := c.keyTable(t.class())
	host, ok := b.list.PopFront()
	if !ok {
		return Host{}, false
	}
	kt.delete(host)
	b.hits++
	c.hitsGauge[t].Update(int64(b.hits))
	return host, true
}

// FillCaughtArray copies up to n hosts without removal, deduplicated.
func (c *Cache) FillCaughtArray(kind HostKind, n int) []Host {
	c.promoteIfEmpty(kind)
	seen := make(map[Host]bool, n)
	out := make([]Host, 0, n)
	collect := func(t Type) {
		c.bucket(t).list.Each(func(h Host) bool {
			if len(out) >= n {
				return false
			}
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
			return len(out) < n
		})
	}
	collect(kind.fresh())
	collect(kind.valid())
	return out
}

// FindNearby returns the first host in the same local network as ref,
// removing it on success. Used when use_netmasks is enabled.
func (c *Cache) FindNearby(kind HostKind, ref netip.Addr) (Host, bool) {
	var found Host
	var ok bool
	search := func(t Type) bool {
		b := c.bucket(t)
		var hit Host
		hitOK := false
		refIP := net.IP(ref.AsSlice())
		b.list.Each(func(h Host) bool {
			if netutil.SameNet(24, refIP, net.IP(h.Addr.AsSlice())) {
				hit = h
				hitOK = true
				return false
			}
			return true
		})
		if hitOK {
			b.list.Remove(hit)
			c.keyTable(t.class()).delete(hit)
			found, ok = hit, true
			return true
		}
		return false
	}
	if search(kind.fresh()) {
		return found, ok
	}
	search(kind.valid())
	return found, ok
}

// Size returns the union size of a kind's fresh+valid halves, GUESS summing
// GUESS and GUESS_INTRO the same way.
func (c *Cache) Size(kind HostKind) int {
	return c.bucket(kind.fresh()).size() + c.bucket(kind.valid()).size()
}

// IsLow reports whether a kind's population is below 1024.
func (c *Cache) IsLow(kind HostKind) bool {
	return c.Size(kind) < 1024
}

// NodeIsBad reports whether addr is present in any of the four bad caches.
func (c *Cache) NodeIsBad(addr netip.Addr) bool {
	for _, t := range []Type{Timeout, Busy, Unstable, Alien} {
		found := false
		c.bucket(t).list.Each(func(h Host) bool {
			if h.Addr == addr {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// promoteIfEmpty splices VALID into FRESH when FRESH is empty, per the
// promotion rule (state machine "FRESH empty splice").
func (c *Cache) promoteIfEmpty(kind HostKind) {
	if kind == KindGuess || c.closeRunning {
		return
	}
	fresh, valid := kind.fresh(), kind.valid()
	fb, vb := c.bucket(fresh), c.bucket(valid)
	if fb.size() > 0 || vb.size() == 0 {
		return
	}
	kt := c.keyTable(fresh.class())
	fb.list.SpliceFrontFrom(vb.list)
	fb.list.Each(func(h Host) bool {
		if e, ok := kt.get(h); ok {
			e.cacheType = fresh
			kt.set(h, e)
		}
		return true
	})
	fb.dirty, vb.dirty = true, true
}

// prune enforces the per-type capacity, switching the actual eviction target
// to the longer sibling half when that half exceeds it.
func (c *Cache) prune(t Type) {
	limit := c.cfg.limitFor(t)
	if limit <= 0 {
		return
	}
	target := t
	if sib, ok := siblingHalf(t); ok {
		if c.bucket(sib).size() > c.bucket(t).size() {
			target = sib
		}
	}
	b := c.bucket(target)
	kt := c.keyTable(target.class())
	for b.size() > limit {
		if target == Guess && c.rng.Float64() < 0.70 {
			if h, ok := b.list.RemoveAfterFront(); ok {
				kt.delete(h)
				continue
			}
		}
		h, ok := b.list.PopBack()
		if !ok {
			c.log.Error("prune asked to evict from empty list", "type", target)
			break
		}
		kt.delete(h)
	}
}

func siblingHalf(t Type) (Type, bool) {
	switch t {
	case FreshAny:
		return ValidAny, true
	case ValidAny:
		return FreshAny, true
	case FreshUltra:
		return ValidUltra, true
	case ValidUltra:
		return FreshUltra, true
	default:
		return 0, false
	}
}

// StartMassUpdate begins a bracket during which population updates for t's
// group are suppressed.
func (c *Cache) StartMassUpdate(t Type) {
	c.bucket(t).massDepth++
}

// StopMassUpdate ends the bracket and reports the observable population once.
func (c *Cache) StopMassUpdate(t Type) int {
	b := c.bucket(t)
	if b.massDepth > 0 {
		b.massDepth--
	}
	if b.massDepth > 0 {
		return 0
	}
	if t.isBad() {
		sum := 0
		for _, bt := range []Type{Timeout, Busy, Unstable, Alien} {
			sum += c.bucket(bt).size()
		}
		return sum
	}
	switch t {
	case FreshAny, ValidAny:
		return c.Size(KindAny)
	case FreshUltra, ValidUltra:
		return c.Size(KindUltra)
	default:
		return c.bucket(t).size()
	}
}

// Expire drops TIMEOUT/BUSY/UNSTABLE entries older than 30 minutes. Called
// once per second from the periodic tick (C1).
func (c *Cache) Expire(now clock.AbsTime) {
	for _, t := range []Type{Timeout, Busy, Unstable} {
		b := c.bucket(t)
		kt := c.keyTable(t.class())
		for {
			h, ok := b.list.Back()
			if !ok {
				break
			}
			e, ok := kt.get(h)
			if !ok {
				break
			}
			if now.Sub(e.timeAdded) <= expireAfter {
				break
			}
			b.list.PopBack()
			kt.delete(h)
		}
	}
}

// Close empties every cache under mass-update with the VALID-to-FRESH
// re-splice disabled. The bucket structures themselves stay allocated, so
// the Cache remains usable (and empty) afterwards.
func (c *Cache) Close() {
	c.closeRunning = true
	for t := Type(0); t < numTypes; t++ {
		c.Clear(t)
	}
	c.closeRunning = false
}
