package sq

import (
	"testing"
	"time"

	"github.com/gtkg-go/corepeer/clock"
)

type fakePeer struct {
	id        uint32
	received  bool
	hopsZero  bool
	writable  bool
	txControl bool
	leaf      bool
	sent      [][]byte
}

func (p *fakePeer) NodeID() uint32          { return p.id }
func (p *fakePeer) ReceivedMessage() bool   { return p.received }
func (p *fakePeer) AcceptsHopsZero() bool   { return p.hopsZero }
func (p *fakePeer) Writable() bool          { return p.writable }
func (p *fakePeer) InTXFlowControl() bool   { return p.txControl }
func (p *fakePeer) IsLeaf() bool            { return p.leaf }
func (p *fakePeer) Enqueue(b []byte, onSent func()) {
	p.sent = append(p.sent, b)
	if onSent != nil {
		onSent()
	}
}

func readyPeer() *fakePeer {
	return &fakePeer{received: true, hopsZero: true, writable: true}
}

// Scenario 5: LIFO dispatch order on a per-peer queue with zero spacing.
func TestProcessDispatchesLIFO(t *testing.T) {
	c := New(Config{SearchQueueSpacing: 0, SearchQueueSize: 10}, &clock.Simulated{}, nil)
	peer := readyPeer()

	c.Put(peer, Msg{Handle: 1, Bytes: []byte("Q1")})
	c.Put(peer, Msg{Handle: 2, Bytes: []byte("Q2")})

	if !c.Process(peer, 0) {
		t.Fatalf("first Process should dispatch")
	}
	if !c.Process(peer, 0) {
		t.Fatalf("second Process should dispatch")
	}
	if len(peer.sent) != 2 || string(peer.sent[0]) != "Q2" || string(peer.sent[1]) != "Q1" {
		t.Fatalf("unexpected dispatch order: %v", peer.sent)
	}
	if got := c.Make(peer).Stats().Sent; got != 2 {
		t.Fatalf("Sent = %d, want 2", got)
	}
}

// Scenario 6: search_closed empties the queue and its handle set.
func TestSearchClosedSweepsQueue(t *testing.T) {
	c := New(Config{SearchQueueSpacing: 0, SearchQueueSize: 10}, &clock.Simulated{}, nil)
	peer := readyPeer()
	c.Put(peer, Msg{Handle: 42, Bytes: []byte("Q")})
	c.SearchClosed(42)

	q := c.Make(peer)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestPutDuplicateHandleIsNoop(t *testing.T) {
	c := New(Config{SearchQueueSpacing: 0, SearchQueueSize: 10}, &clock.Simulated{}, nil)
	peer := readyPeer()
	c.Put(peer, Msg{Handle: 1, Bytes: []byte("first")})
	c.Put(peer, Msg{Handle: 1, Bytes: []byte("second")})

	q := c.Make(peer)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	msg, _ := q.PopFront()
	if string(msg.Bytes) != "first" {
		t.Fatalf("duplicate put replaced the existing entry: %q", msg.Bytes)
	}
}

func TestPacingSpacingBlocksSecondDispatch(t *testing.T) {
	sim := &clock.Simulated{}
	c := New(Config{SearchQueueSpacing: 5 * time.Second, SearchQueueSize: 10}, sim, nil)
	peer := readyPeer()
	c.Put(peer, Msg{Handle: 1, Bytes: []byte("Q1")})
	c.Put(peer, Msg{Handle: 2, Bytes: []byte("Q2")})

	if !c.Process(peer, sim.Now()) {
		t.Fatalf("first Process should dispatch")
	}
	if c.Process(peer, sim.Now()) {
		t.Fatalf("second Process should be blocked by spacing")
	}
}

func TestCapEnforcementDropsTail(t *testing.T) {
	c := New(Config{SearchQueueSpacing: 0, SearchQueueSize: 1}, &clock.Simulated{}, nil)
	peer := readyPeer()
	c.Put(peer, Msg{Handle: 1, Bytes: []byte("old")})
	c.Put(peer, Msg{Handle: 2, Bytes: []byte("new")})

	q := c.Make(peer)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", q.Stats().Dropped)
	}
}

type fakeGate struct{ allowed map[SearchHandle]bool }

func (g fakeGate) Allowed(h SearchHandle) bool { return g.allowed[h] }

func TestVetoedDispatchRetriesThenGivesUp(t *testing.T) {
	c := New(Config{SearchQueueSpacing: 0, SearchQueueSize: 10}, &clock.Simulated{}, nil)
	c.SetSearchGate(fakeGate{allowed: map[SearchHandle]bool{}})
	peer := readyPeer()
	c.Put(peer, Msg{Handle: 1, Bytes: []byte("Q1")})
	c.Put(peer, Msg{Handle: 2, Bytes: []byte("Q2")})

	if c.Process(peer, 0) {
		t.Fatalf("Process should not dispatch when every handle is vetoed")
	}
	q := c.Make(peer)
	if q.Len() != 0 {
		t.Fatalf("queue should be drained by the retry loop, got Len()=%d", q.Len())
	}
	if q.Stats().Vetoed != 2 {
		t.Fatalf("Vetoed = %d, want 2", q.Stats().Vetoed)
	}
}
