package hcache

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gtkg-go/corepeer/clock"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	return New(cfg, &clock.Simulated{}, nil, nil)
}

// Scenario 1: insert into FRESH_ANY with a small cap; the port-6347
// heuristic is forced to admit by setting host_low_on_pongs.
func TestAddFreshAny(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHostsCached = 2
	c := newTestCache(t, cfg)
	c.hostLowOnPongs = true

	addr := mustAddr(t, "1.2.3.4")
	if !c.Add(FreshAny, addr, 6347, "") {
		t.Fatalf("Add returned false")
	}
	if got := c.Size(KindAny); got != 1 {
		t.Fatalf("Size(KindAny) = %d, want 1", got)
	}
}

// Scenario 2: fill to the cap then insert one more; the tail is evicted.
func TestPruneEvictsTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHostsCached = 2
	c := newTestCache(t, cfg)
	c.hostLowOnPongs = true

	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, a := range hosts {
		if !c.Add(FreshAny, mustAddr(t, a), 7000, "") {
			t.Fatalf("Add(%s) returned false", a)
		}
	}
	if got := c.Size(KindAny); got != cfg.MaxHostsCached {
		t.Fatalf("Size(KindAny) = %d, want %d", got, cfg.MaxHostsCached)
	}
	if c.bucket(FreshAny).list.Contains(Host{Addr: mustAddr(t, "10.0.0.1"), Port: 7000}) {
		t.Fatalf("oldest host should have been evicted")
	}
}

// Scenario 3: re-admitting the same host into GUESS removes it (ID-smearing
// mitigation).
func TestGuessDuplicateRemoves(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	addr := mustAddr(t, "5.6.7.5")
	const port = 6999 // outside the 6346-6350 port heuristic range

	if !c.Add(Guess, addr, port, "") {
		t.Fatalf("first Add returned false")
	}
	if !c.bucket(Guess).list.Contains(Host{Addr: addr, Port: port}) {
		t.Fatalf("host missing after first admission")
	}
	if !c.Add(Guess, addr, port, "") {
		t.Fatalf("second Add returned false")
	}
	if c.bucket(Guess).list.Contains(Host{Addr: addr, Port: port}) {
		t.Fatalf("host should be gone after duplicate GUESS admission")
	}
}

func TestPromotionSplicesValidIntoFresh(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	c.hostLowOnPongs = true

	if !c.Add(ValidAny, mustAddr(t, "8.8.8.8"), 80, "") {
		t.Fatalf("Add(ValidAny) returned false")
	}
	if c.bucket(FreshAny).size() != 0 {
		t.Fatalf("FRESH_ANY should start empty")
	}
	host, ok := c.GetCaught(KindAny)
	if !ok {
		t.Fatalf("GetCaught returned false after promotion should have occurred")
	}
	if host.Addr != mustAddr(t, "8.8.8.8") {
		t.Fatalf("unexpected host returned: %v", host)
	}
}

func TestMassUpdateReportsOnce(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	c.hostLowOnPongs = true
	c.Add(FreshAny, mustAddr(t, "1.1.1.1"), 81, "")
	c.Add(FreshAny, mustAddr(t, "1.1.1.2"), 82, "")

	c.StartMassUpdate(FreshAny)
	c.bucket(FreshAny).list.Clear()
	if got := c.StopMassUpdate(FreshAny); got != 0 {
		t.Fatalf("Size(KindAny) = %d, want 0", got)
	}
}

func TestExpireDropsStaleBadHosts(t *testing.T) {
	cfg := DefaultConfig()
	sim := &clock.Simulated{}
	c := New(cfg, sim, nil, nil)

	c.Add(Timeout, mustAddr(t, "9.9.9.9"), 0, "")
	sim.Run(31 * time.Minute)
	c.Expire(sim.Now())
	if c.bucket(Timeout).size() != 0 {
		t.Fatalf("stale TIMEOUT entry should have expired")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	c.hostLowOnPongs = true
	c.Add(FreshAny, mustAddr(t, "5.6.7.9"), 6000, "")

	var buf strings.Builder
	if err := c.Store(KindAny, &buf); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.Contains(buf.String(), "5.6.7.9:6000") {
		t.Fatalf("stored output missing host: %q", buf.String())
	}

	c2 := newTestCache(t, cfg)
	if err := c2.Load(KindAny, strings.NewReader(buf.String()), time.Now()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c2.Size(KindAny) != 1 {
		t.Fatalf("Size(KindAny) after load = %d, want 1", c2.Size(KindAny))
	}
}

// AddValid(KindGuess, ...) must populate GUESS_INTRO, not re-admit into
// GUESS itself (which would hit the duplicate-removal branch and delete the
// host instead).
func TestAddValidGuessPopulatesGuessIntro(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	addr := mustAddr(t, "5.6.7.6")
	const port = 6999

	if !c.AddValid(KindGuess, addr, port, "") {
		t.Fatalf("AddValid returned false")
	}
	if !c.bucket(GuessIntro).list.Contains(Host{Addr: addr, Port: port}) {
		t.Fatalf("host should be in GUESS_INTRO after AddValid(KindGuess, ...)")
	}
	if c.bucket(Guess).list.Contains(Host{Addr: addr, Port: port}) {
		t.Fatalf("host should not be in GUESS")
	}
}

// GetCaught(KindGuess) must fall back to GUESS_INTRO once GUESS is drained.
func TestGetCaughtGuessFallsBackToGuessIntro(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	addr := mustAddr(t, "5.6.7.7")
	const port = 6999

	if !c.AddValid(KindGuess, addr, port, "") {
		t.Fatalf("AddValid returned false")
	}
	host, ok := c.GetCaught(KindGuess)
	if !ok {
		t.Fatalf("GetCaught(KindGuess) returned false, want the GUESS_INTRO host")
	}
	if host.Addr != addr || host.Port != port {
		t.Fatalf("unexpected host returned: %v", host)
	}
	if _, ok := c.GetCaught(KindGuess); ok {
		t.Fatalf("GetCaught(KindGuess) should be empty after draining both halves")
	}
}

// FillCaughtArray/FindNearby/Size must also see GUESS_INTRO for KindGuess.
func TestGuessIntroCountsTowardSizeAndFillAndNearby(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	addr := mustAddr(t, "5.6.7.8")
	const port = 6999

	if !c.AddValid(KindGuess, addr, port, "") {
		t.Fatalf("AddValid returned false")
	}
	if got := c.Size(KindGuess); got != 1 {
		t.Fatalf("Size(KindGuess) = %d, want 1", got)
	}
	if !c.IsLow(KindGuess) {
		t.Fatalf("IsLow(KindGuess) should be true with only one cached host")
	}
	filled := c.FillCaughtArray(KindGuess, 10)
	if len(filled) != 1 || filled[0] != (Host{Addr: addr, Port: port}) {
		t.Fatalf("FillCaughtArray(KindGuess, ...) = %v, want [%v]", filled, Host{Addr: addr, Port: port})
	}
	near, ok := c.FindNearby(KindGuess, mustAddr(t, "5.6.7.1"))
	if !ok || near.Addr != addr {
		t.Fatalf("FindNearby(KindGuess, ...) = (%v, %v), want the GUESS_INTRO host", near, ok)
	}
}

// A real admission sequence (no test manually poking hostLowOnPongs) must
// eventually relax the port heuristic once the ANY population is small
// relative to its cap.
func TestLowOnPongsUpdatesAutomaticallyFromRealAdmissions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHostsCached = 16 // threshold = MaxHostsCached/8 = 2
	cfg.PortHeuristicRejectRate = 1 // always veto ports 6346-6350 unless low-on-pongs
	c := newTestCache(t, cfg)

	if c.hostLowOnPongs {
		t.Fatalf("hostLowOnPongs should start false, matching the startup state of the original's update routine")
	}
	if c.Add(FreshAny, mustAddr(t, "5.6.9.1"), 6347, "") {
		t.Fatalf("first admission on a heuristic port should be vetoed before hostLowOnPongs is ever true")
	}

	// Admit through a heuristic-exempt port so the veto does not apply; the
	// admission runs updateLowOnPongs, which flips the flag because the
	// cache is below MaxHostsCached/8.
	if !c.Add(FreshAny, mustAddr(t, "5.6.9.2"), 7000, "") {
		t.Fatalf("Add on a non-heuristic port should succeed")
	}
	if !c.hostLowOnPongs {
		t.Fatalf("hostLowOnPongs should now be true: Size(KindAny)=1 < MaxHostsCached/8=2")
	}

	// With hostLowOnPongs now true, a heuristic-port admission that would
	// previously have been vetoed now succeeds.
	if !c.Add(FreshAny, mustAddr(t, "5.6.9.3"), 6348, "") {
		t.Fatalf("heuristic-port admission should succeed once hostLowOnPongs is true")
	}
}

func TestLoadClampsStaleTimestamp(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCache(t, cfg)
	now := time.Now()
	stale := now.Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	line := "198.51.100.1:6346 " + stale + "\n"
	if err := c.Load(KindAny, strings.NewReader(line), now); err != nil {
		t.Fatalf("Load: %v", err)
	}
	e, ok := c.keyTable(ClassHost).get(Host{Addr: mustAddr(t, "198.51.100.1"), Port: 6346})
	if !ok {
		t.Fatalf("host missing after load")
	}
	wallAdded := c.wallClockFor(e.timeAdded)
	if wallAdded.After(now.Add(-1800*time.Second + time.Second)) {
		t.Fatalf("stale timestamp was not clamped: %v", wallAdded)
	}
}
