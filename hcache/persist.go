package hcache

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gtkg-go/corepeer/clock"
)

// FileName returns the on-disk file a kind persists to.
func (kind HostKind) FileName() string {
	switch kind {
	case KindAny:
		return "hosts"
	case KindUltra:
		return "ultras"
	case KindGuess:
		return "guess"
	default:
		panic("hcache: unknown host kind")
	}
}

// Dirty reports whether either half of kind needs a persistence rewrite.
func (c *Cache) Dirty(kind HostKind) bool {
	if kind == KindGuess {
		return c.bucket(Guess).dirty || c.bucket(GuessIntro).dirty
	}
	return c.bucket(kind.fresh()).dirty || c.bucket(kind.valid()).dirty
}

// Store writes kind's primary half then its extra half to w, each sorted by
// descending time_added, as "<addr>:<port> <utc-timestamp>" lines. The
// primary/extra split mirrors store(type, file, extra): VALID then FRESH for
// the good kinds, GUESS_INTRO then GUESS for the lookup pool.
func (c *Cache) Store(kind HostKind, w io.Writer) error {
	primary, extra := c.storeOrder(kind)
	bw := bufio.NewWriter(w)
	for _, t := range []Type{primary, extra} {
		for _, line := range c.sortedLines(t) {
			if _, err := bw.WriteString(line); err != nil {
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	c.clearDirty(primary)
	c.clearDirty(extra)
	return nil
}

func (c *Cache) storeOrder(kind HostKind) (primary, extra Type) {
	if kind == KindGuess {
		return GuessIntro, Guess
	}
	return kind.valid(), kind.fresh()
}

func (c *Cache) clearDirty(t Type) {
	c.bucket(t).dirty = false
}

func (c *Cache) sortedLines(t Type) []string {
	b := c.bucket(t)
	kt := c.keyTable(t.class())
	type row struct {
		host  Host
		added clock.AbsTime
	}
	rows := make([]row, 0, b.size())
	b.list.Each(func(h Host) bool {
		e, ok := kt.get(h)
		added := c.clk.Now()
		if ok {
			added = e.timeAdded
		}
		rows = append(rows, row{host: h, added: added})
		return true
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].added > rows[j].added })
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		ts := c.wallClockFor(r.added).UTC().Format(time.RFC3339)
		lines = append(lines, fmt.Sprintf("%s:%d %s\n", r.host.Addr, r.host.Port, ts))
	}
	return lines
}

// StoreToFile opens baseDir/kind.FileName() for writing and calls Store.
// Open-for-write failure is logged and skipped — retried at the next
// period — and the dirty flag is cleared only when the write succeeds.
func (c *Cache) StoreToFile(baseDir string, kind HostKind) {
	if !c.Dirty(kind) {
		return
	}
	path := baseDir + "/" + kind.FileName()
	f, err := os.Create(path)
	if err != nil {
		c.log.Warn("host cache persistence open failed, will retry", "path", path, "err", err)
		return
	}
	defer f.Close()
	if err := c.Store(kind, f); err != nil {
		c.log.Warn("host cache persistence write failed", "path", path, "err", err)
	}
}

// Load reads lines of "<addr>:<port> <utc-timestamp>" from r into kind's
// fresh half. Lines with an unparsable, future, or >1800s-old timestamp are
// clamped to now-1800s so they expire imminently. After load, the cache is
// re-sorted by descending time_added.
func (c *Cache) Load(kind HostKind, r io.Reader, now time.Time) error {
	sc := bufio.NewScanner(r)
	target := kind.fresh()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		host, added, err := parseLine(line, now)
		if err != nil {
			c.log.Warn("skipping malformed host cache line", "line", line, "err", err)
			continue
		}
		c.loadOne(target, host, added)
	}
	c.resortByAddedDescending(target)
	return sc.Err()
}

func (c *Cache) loadOne(t Type, host Host, added time.Time) {
	kt := c.keyTable(t.class())
	if _, ok := kt.get(host); ok {
		return
	}
	b := c.bucket(t)
	abs := c.absTimeFor(added)
	kt.set(host, newEntry(t, abs))
	b.list.PushFront(host)
}

func (c *Cache) resortByAddedDescending(t Type) {
	b := c.bucket(t)
	kt := c.keyTable(t.class())
	hosts := b.list.Hosts()
	sort.SliceStable(hosts, func(i, j int) bool {
		ei, _ := kt.get(hosts[i])
		ej, _ := kt.get(hosts[j])
		return ei.timeAdded > ej.timeAdded
	})
	b.list.Rebuild(hosts)
}

func parseLine(line string, now time.Time) (Host, time.Time, error) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return Host{}, now.Add(-1800 * time.Second), fmt.Errorf("malformed line")
	}
	hostPart, tsPart := parts[0], parts[1]
	idx := strings.LastIndex(hostPart, ":")
	if idx < 0 {
		return Host{}, now, fmt.Errorf("missing port separator")
	}
	addr, err := netip.ParseAddr(hostPart[:idx])
	if err != nil {
		return Host{}, now, err
	}
	portN, err := strconv.ParseUint(hostPart[idx+1:], 10, 16)
	if err != nil {
		return Host{}, now, err
	}
	host := Host{Addr: addr, Port: uint16(portN)}

	ts, err := time.Parse(time.RFC3339, tsPart)
	clamp := now.Add(-1800 * time.Second)
	if err != nil || ts.After(now) || ts.Before(clamp) {
		return host, clamp, nil
	}
	return host, ts, nil
}
