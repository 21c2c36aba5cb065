package corepeer

import (
	"net/netip"
	"os"
	"testing"

	"github.com/gtkg-go/corepeer/clock"
	"github.com/gtkg-go/corepeer/hcache"
	"github.com/gtkg-go/corepeer/sq"
)

func TestTickPersistsOnThe63rdCall(t *testing.T) {
	dir := t.TempDir()
	sim := &clock.Simulated{}
	c := New(hcache.DefaultConfig(), sq.Config{SearchQueueSize: 10}, sim, nil)
	c.PersistDir = dir

	addr := netip.MustParseAddr("5.6.8.7")
	if !c.Cache.Add(hcache.FreshAny, addr, 6999, "") {
		t.Fatalf("Add returned false")
	}

	for i := 0; i < persistEvery; i++ {
		c.Tick(sim.Now())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected a persisted host-cache file after %d ticks", persistEvery)
	}
}

func TestTickWithoutPersistDirDoesNothingDestructive(t *testing.T) {
	sim := &clock.Simulated{}
	c := New(hcache.DefaultConfig(), sq.Config{SearchQueueSize: 10}, sim, nil)
	for i := 0; i < persistEvery+1; i++ {
		c.Tick(sim.Now())
	}
}

func TestCloseStopsNewHostSubscriptionWithoutPanic(t *testing.T) {
	sim := &clock.Simulated{}
	c := New(hcache.DefaultConfig(), sq.Config{SearchQueueSize: 10}, sim, nil)

	addr := netip.MustParseAddr("5.6.8.9")
	c.Cache.Add(hcache.FreshAny, addr, 6999, "")

	c.Close()

	if got := c.scope.Count(); got != 0 {
		t.Fatalf("scope.Count() = %d, want 0 after Close", got)
	}
}
