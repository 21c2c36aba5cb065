// Package corepeer wires HCACHE, SQ and BG into a single per-client runtime:
// the object that owns the host cache, the scheduler, and the search
// queues, without itself speaking any wire protocol.
package corepeer

import (
	"github.com/gtkg-go/corepeer/bg"
	"github.com/gtkg-go/corepeer/clock"
	"github.com/gtkg-go/corepeer/event"
	"github.com/gtkg-go/corepeer/hcache"
	"github.com/gtkg-go/corepeer/log"
	"github.com/gtkg-go/corepeer/metrics"
	"github.com/gtkg-go/corepeer/sq"
)

// persistEvery is the number of Tick calls between HCACHE persistence
// passes: one per second, so 63 matches the periodic's original cadence.
const persistEvery = 63

// persistKinds is the rotation HCACHE's on-disk files are refreshed in, one
// kind per persistence pass.
var persistKinds = [...]hcache.HostKind{hcache.KindAny, hcache.KindUltra, hcache.KindGuess}

// Core is a single Gnutella client's runtime core: one HCACHE, one SQ, one
// BG scheduler, sharing a clock, a logger, and a metrics registry. It is
// constructed per client, not once per process, so tests can run several in
// isolation.
type Core struct {
	Cache *hcache.Cache
	SQ    *sq.Core
	Sched *bg.Scheduler

	// PersistDir is the directory HCACHE's host-list files are written to
	// on the periodic persistence pass. Empty disables persistence.
	PersistDir string

	clk     clock.Clock
	log     log.Logger
	metrics *metrics.Sink

	scope      event.SubscriptionScope
	newHostSub chan hcache.NewHostEvent
	done       chan struct{}

	ticks uint64
}

// New constructs a Core. clk and logger may be nil (clock.System{} and
// log.Root() respectively).
func New(hcacheCfg hcache.Config, sqCfg sq.Config, clk clock.Clock, logger log.Logger) *Core {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Root()
	}
	sink := metrics.New(nil, logger)
	c := &Core{
		Cache:      hcache.New(hcacheCfg, clk, logger, sink.Registry()),
		SQ:         sq.New(sqCfg, clk, logger),
		Sched:      bg.New(clk, logger),
		clk:        clk,
		log:        logger.New("module", "corepeer"),
		metrics:    sink,
		newHostSub: make(chan hcache.NewHostEvent, 16),
		done:       make(chan struct{}),
	}
	c.scope.Track(c.Cache.Subscribe(c.newHostSub))
	go c.logNewHosts()
	return c
}

// logNewHosts drains the cache's admission feed and logs each new host at
// Trace level; there is no peer object yet at this point, only a cached
// candidate address.
func (c *Core) logNewHosts() {
	for {
		select {
		case ev := <-c.newHostSub:
			c.log.Trace("new host cached", "kind", ev.Type, "host", ev.Host)
		case <-c.done:
			return
		}
	}
}

// Metrics exposes the shared stats sink so callers can mount its HTTP
// handler or register their own gauges/meters against the same registry.
func (c *Core) Metrics() *metrics.Sink { return c.metrics }

// Tick is the single per-second entry point the embedding event loop calls:
// it expires stale HCACHE entries, runs one BG scheduler timer invocation,
// and — every 63rd call — persists the next kind of the {Any, Ultra, Guess}
// rotation, if that kind is dirty.
func (c *Core) Tick(now clock.AbsTime) {
	c.Cache.Expire(now)
	c.Sched.Tick(now)

	c.ticks++
	if c.PersistDir == "" || c.ticks%persistEvery != 0 {
		return
	}
	kind := persistKinds[(c.ticks/persistEvery-1)%uint64(len(persistKinds))]
	if c.Cache.Dirty(kind) {
		c.Cache.StoreToFile(c.PersistDir, kind)
	}
}

// Close shuts the core down: stops the new-host log subscription, then
// drains every HCACHE cache. The scheduler and search queues aren't
// otherwise resource-bearing.
func (c *Core) Close() {
	c.scope.Close()
	close(c.done)
	c.Cache.Close()
}
