package sq

import (
	"time"

	"github.com/gtkg-go/corepeer/clock"
	"github.com/gtkg-go/corepeer/log"
)

// PeerConn is the subset of peer/node state SQ's pacing and dispatch logic
// needs, kept as a narrow collaborator interface so SQ stays decoupled from
// the wire transport and connection bookkeeping, which live elsewhere.
type PeerConn interface {
	// NodeID uniquely identifies the peer for the leaf-node dispatch wrapper.
	NodeID() uint32
	// ReceivedMessage reports whether any message has yet been received from
	// this peer.
	ReceivedMessage() bool
	// AcceptsHopsZero reports whether the peer will process hops=0 queries.
	AcceptsHopsZero() bool
	// Writable reports whether the peer's transport can accept a write now.
	Writable() bool
	// InTXFlowControl reports whether the peer is under send-side back-pressure.
	InTXFlowControl() bool
	// IsLeaf reports whether the local node is a leaf with respect to this peer.
	IsLeaf() bool
	// Enqueue hands a dispatched message to the peer's outbound message
	// queue. onSent, if non-nil, must be invoked once the transport actually
	// sends the message.
	Enqueue(bytes []byte, onSent func())
}

// SearchGate reports whether a search handle is still allowed to dispatch;
// the per-peer retry loop consults it so a vetoed entry is discarded instead
// of blocking the queue.
type SearchGate interface {
	Allowed(handle SearchHandle) bool
}

// GlobalGate reports ultrapeer status and connected-ultrapeer count for the
// global queue's pacing rule.
type GlobalGate interface {
	IsUltrapeer() bool
	ConnectedUltrapeers() int
}

// DynamicQueryLauncher receives the global queue's dispatched messages.
type DynamicQueryLauncher interface {
	Launch(handle SearchHandle, bytes []byte, qhv QueryHashVector)
}

// Config holds SQ's tunables.
type Config struct {
	SearchQueueSpacing time.Duration
	SearchQueueSize    int
	UpConnections      int
}

// PeerMode mirrors the node's Gnutella role, as observed by SetPeerMode.
type PeerMode int

const (
	ModeLeaf PeerMode = iota
	ModeUltrapeer
)

// Core owns every per-peer queue plus the single global queue (owned as a
// singleton per Core, not a process-wide global).
type Core struct {
	cfg Config
	clk clock.Clock
	log log.Logger

	gate     SearchGate
	ggate    GlobalGate
	launcher DynamicQueryLauncher

	peerQueues map[PeerConn]*Queue
	global     *Queue
	mode       PeerMode

	onDispatched func(handle SearchHandle, nodeID uint32)
}

// New creates an SQ core. logger may be nil (defaults to log.Root()).
func New(cfg Config, clk clock.Clock, logger log.Logger) *Core {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = log.Root()
	} else {
		logger = logger.New("module", "sq")
	}
	return &Core{
		cfg:        cfg,
		clk:        clk,
		log:        logger,
		peerQueues: make(map[PeerConn]*Queue),
		global:     newQueue(),
		mode:       ModeLeaf,
	}
}

// SetSearchGate installs the search_query_allowed collaborator.
func (c *Core) SetSearchGate(g SearchGate) { c.gate = g }

// SetGlobalGate installs the ultrapeer-status collaborator.
func (c *Core) SetGlobalGate(g GlobalGate) { c.ggate = g }

// SetDynamicQueryLauncher installs the global-queue hand-off target.
func (c *Core) SetDynamicQueryLauncher(l DynamicQueryLauncher) { c.launcher = l }

// OnDispatched installs the leaf-node notification hook invoked once a
// per-peer message the transport actually sends has gone out, carrying
// {search_handle, search_id, node_id} in spirit — search_id is implicit in
// handle here.
func (c *Core) OnDispatched(fn func(handle SearchHandle, nodeID uint32)) {
	c.onDispatched = fn
}

// Make returns this peer's queue, creating it if necessary. A nil PeerConn
// is the global queue's binding.
func (c *Core) Make(peer PeerConn) *Queue {
	if peer == nil {
		return c.global
	}
	q, ok := c.peerQueues[peer]
	if !ok {
		q = newQueue()
		c.peerQueues[peer] = q
	}
	return q
}

// Put enqueues msg LIFO on peer's queue (or the global queue if peer is nil),
// then enforces the cap.
func (c *Core) Put(peer PeerConn, msg Msg) {
	q := c.Make(peer)
	q.Put(msg)
	q.EnforceCap(c.cfg.SearchQueueSize)
}

// GlobalPut enqueues msg with its query-hash vector onto the global queue.
func (c *Core) GlobalPut(msg Msg) {
	c.Put(nil, msg)
}

// Clear empties a queue without freeing it.
func (c *Core) Clear(peer PeerConn) {
	c.Make(peer).Clear()
}

// Free releases a per-peer queue entirely.
func (c *Core) Free(peer PeerConn) {
	delete(c.peerQueues, peer)
}

// SearchClosed sweeps handle out of every queue (per-peer and global).
func (c *Core) SearchClosed(handle SearchHandle) {
	for _, q := range c.peerQueues {
		q.SearchClosed(handle)
	}
	c.global.SearchClosed(handle)
}

// SetPeerMode transitions the node's role. Leaving ultrapeer mode clears the
// global queue, since a leaf cannot usefully run dynamic queries.
func (c *Core) SetPeerMode(mode PeerMode) {
	if c.mode == ModeUltrapeer && mode != ModeUltrapeer {
		c.global.Clear()
	}
	c.mode = mode
}

// canDispatchPerPeer implements the per-peer pacing rules.
func (c *Core) canDispatchPerPeer(peer PeerConn, q *Queue, now clock.AbsTime) bool {
	if q.Len() == 0 {
		return false
	}
	if q.hasSent && now.Sub(q.lastSent) < c.cfg.SearchQueueSpacing {
		return false
	}
	if peer != nil {
		if !peer.ReceivedMessage() {
			return false
		}
		if !peer.AcceptsHopsZero() {
			return false
		}
		if !peer.Writable() {
			return false
		}
		if peer.InTXFlowControl() {
			return false
		}
	}
	return true
}

// canDispatchGlobal implements the global queue's extra pacing rules.
func (c *Core) canDispatchGlobal(q *Queue, now clock.AbsTime) bool {
	if !c.canDispatchPerPeer(nil, q, now) {
		return false
	}
	if c.mode != ModeUltrapeer {
		return false
	}
	if c.ggate == nil {
		return true
	}
	if !c.ggate.IsUltrapeer() {
		return false
	}
	need := (2 * c.cfg.UpConnections) / 3
	return c.ggate.ConnectedUltrapeers() >= need
}

// Process attempts to dispatch one message from peer's queue (or the global
// queue, if peer is nil). It returns whether a message was actually sent.
func (c *Core) Process(peer PeerConn, now clock.AbsTime) bool {
	q := c.Make(peer)
	if peer == nil {
		return c.processGlobal(q, now)
	}
	// Cap the vetoed-dispatch retry loop at the queue
	// length observed when we entered, rather than retrying unboundedly.
	return c.processPeer(peer, q, now, q.Len())
}

func (c *Core) processGlobal(q *Queue, now clock.AbsTime) bool {
	if !c.canDispatchGlobal(q, now) {
		return false
	}
	msg, ok := q.PopFront()
	if !ok {
		return false
	}
	if c.launcher != nil {
		c.launcher.Launch(msg.Handle, msg.Bytes, msg.QHV)
	}
	q.stats.Sent++
	q.lastSent, q.hasSent = now, true
	return true
}

// processPeer dispatches from a per-peer queue. If the popped message's
// search has been vetoed, it is discarded and the next one is tried
// (tail-recursive in spirit, bounded here by retriesLeft)
// so the pacing spacing is not wasted on a message that cannot go out.
func (c *Core) processPeer(peer PeerConn, q *Queue, now clock.AbsTime, retriesLeft int) bool {
	if !c.canDispatchPerPeer(peer, q, now) {
		return false
	}
	msg, ok := q.PopFront()
	if !ok {
		return false
	}
	if c.gate != nil && !c.gate.Allowed(msg.Handle) {
		q.stats.Vetoed++
		if retriesLeft <= 0 {
			return false
		}
		return c.processPeer(peer, q, now, retriesLeft-1)
	}

	onSent := c.leafDispatchHook(peer, msg)
	peer.Enqueue(msg.Bytes, onSent)
	q.stats.Sent++
	q.lastSent, q.hasSent = now, true
	return true
}

// leafDispatchHook wraps the dispatch with a completion callback carrying
// {search_handle, node_id} when the local node is a leaf toward peer, so the
// search subsystem learns of the actual send (replaces the free-hook
// message mutation).
func (c *Core) leafDispatchHook(peer PeerConn, msg Msg) func() {
	if !peer.IsLeaf() || c.onDispatched == nil {
		return nil
	}
	handle, nodeID := msg.Handle, peer.NodeID()
	return func() {
		c.onDispatched(handle, nodeID)
	}
}
