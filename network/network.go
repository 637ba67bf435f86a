// Package network provides the typed, match-based network endpoint of §6:
// each tile gets one Endpoint, Send enqueues a packet at its destination,
// and Recv blocks until a packet matching a sender/type disjunction
// arrives.
//
// Shape grounded on Graphite's Core::coreSendW/coreRecvW (NetPacket,
// NetMatch over senders+types) in common/core/core.cc, and on the
// mutex-guarded, named-port style of sarchlab/zeonica's core/port.go
// (Send/Deliver/guard-helpers) — translated here from that engine's
// non-blocking tick-driven buffers into a blocking goroutine-per-core
// model, since §5 requires an actual blocking OS-thread-per-core
// semantics that a discrete-event engine does not provide directly.
package network

import (
	"fmt"
	"sync"

	"github.com/sarchlab/tilemosi/coherence"
)

// Packet is one message in flight between two tiles' endpoints.
type Packet struct {
	From coherence.TileID
	To   coherence.TileID
	Msg  coherence.Message
}

// Match selects packets by sender and/or message type (§6's match-based
// receive): a packet matches when its sender is one of Senders and its
// type is one of Types. A zero-value field set (nil/empty) for either
// dimension matches any value in that dimension.
type Match struct {
	Senders []coherence.TileID
	Types   []coherence.MsgType
}

func (m Match) matches(p Packet) bool {
	if len(m.Senders) > 0 {
		found := false
		for _, s := range m.Senders {
			if s == p.From {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(m.Types) > 0 {
		found := false
		for _, t := range m.Types {
			if t == p.Msg.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry resolves tile IDs to endpoints and hands off packets between
// them. It stands in for §1's "physical transport below the interconnect",
// assumed reliable and in order per endpoint (§7).
type Registry struct {
	mu        sync.RWMutex
	endpoints map[coherence.TileID]*Endpoint
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[coherence.TileID]*Endpoint)}
}

// NewEndpoint creates and registers the network endpoint for tile id.
func (r *Registry) NewEndpoint(id coherence.TileID) *Endpoint {
	e := &Endpoint{id: id, reg: r}
	e.cond = sync.NewCond(&e.mu)

	r.mu.Lock()
	r.endpoints[id] = e
	r.mu.Unlock()

	return e
}

func (r *Registry) deliver(pkt Packet) (int, error) {
	r.mu.RLock()
	dst, ok := r.endpoints[pkt.To]
	r.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("network: no endpoint registered for tile %d", pkt.To)
	}

	dst.deliver(pkt)
	return len(pkt.Msg.Encode()), nil
}

// Endpoint is a tile's network endpoint: a single inbound mailbox, shared
// by every component (cache controller, directory slice) on that tile,
// routed by message type rather than a separate port per component: each
// component's Recv calls match only the message types it handles.
type Endpoint struct {
	id  coherence.TileID
	reg *Registry

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []Packet
	closed bool
}

// ID returns the tile this endpoint belongs to.
func (e *Endpoint) ID() coherence.TileID {
	return e.id
}

// Send enqueues msg for delivery to tile `to` and returns the number of
// bytes enqueued (the wire-encoded message length), per §6.
func (e *Endpoint) Send(to coherence.TileID, msg coherence.Message) (int, error) {
	return e.reg.deliver(Packet{From: e.id, To: to, Msg: msg})
}

func (e *Endpoint) deliver(pkt Packet) {
	e.mu.Lock()
	e.inbox = append(e.inbox, pkt)
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Recv blocks until a packet matching match arrives, then returns it.
// Packets are delivered in arrival order among those that match (§6).
// Recv returns ok=false only if the endpoint is closed with no matching
// packet ever arriving.
func (e *Endpoint) Recv(match Match) (Packet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if idx := e.indexOfMatch(match); idx >= 0 {
			pkt := e.inbox[idx]
			e.inbox = append(e.inbox[:idx], e.inbox[idx+1:]...)
			return pkt, true
		}
		if e.closed {
			return Packet{}, false
		}
		e.cond.Wait()
	}
}

// RecvCancelable behaves like Recv but also returns ok=false as soon as
// stop is closed, letting a background service loop shut down without
// waiting for a matching message that may never come.
func (e *Endpoint) RecvCancelable(match Match, stop <-chan struct{}) (Packet, bool) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-stop:
			e.Close()
		case <-done:
		}
	}()

	return e.Recv(match)
}

func (e *Endpoint) indexOfMatch(match Match) int {
	for i, pkt := range e.inbox {
		if match.matches(pkt) {
			return i
		}
	}
	return -1
}

// Close marks the endpoint closed, waking every blocked Recv with ok=false
// if nothing matched. It does not discard queued packets that already
// match a pending Recv call.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
}
