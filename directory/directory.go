// Package directory implements the per-tile DRAM directory slice of §4.3:
// the home-node half of the MOSI protocol, tracking per-line dstate and
// sharers, and driving the invalidation/flush fan-out a conflicting
// request requires.
//
// Grounded on Graphite's common/core/dram_directory.h transition table
// (Uncached/Shared/Exclusive/Modified/Owned dispatch on incoming request
// type) and on its per-line transaction serialization; reworked here so
// one dedicated goroutine per tile processes every line's transactions,
// the policy choice documented in DESIGN.md for the §5 "both choices are
// legal" concurrency note.
package directory

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/internal/protocoldump"
	"github.com/sarchlab/tilemosi/network"
)

// Entry is one home line's directory state.
type Entry struct {
	State   coherence.DState
	Sharers map[coherence.TileID]bool
	// Owner is the sole Exclusive/Modified/Owned holder, or InvalidTileID
	// when State is Uncached or Shared.
	Owner coherence.TileID
	Data  []byte
}

// Txn is a snapshot of one in-flight transaction, for the protocol-dump
// diagnostic surface.
type Txn struct {
	ID        xid.ID
	Line      uint64
	Requester coherence.TileID
	Type      coherence.MsgType
}

// Directory is the DRAM directory slice hosted by one tile.
type Directory struct {
	self     coherence.TileID
	lineSize int
	net      *network.Endpoint

	mu    sync.Mutex
	lines map[uint64]*Entry

	txMu sync.Mutex
	tx   map[xid.ID]Txn

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates the directory slice for tile self and starts its request
// servicer.
func New(self coherence.TileID, lineSize int, net *network.Endpoint) *Directory {
	d := &Directory{
		self:     self,
		lineSize: lineSize,
		net:      net,
		lines:    make(map[uint64]*Entry),
		tx:       make(map[xid.ID]Txn),
		stop:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.serviceLoop()

	return d
}

// Close stops the request servicer and waits for it to exit.
func (d *Directory) Close() {
	close(d.stop)
	d.wg.Wait()
}

// PendingTransactions returns a snapshot of all in-flight transactions,
// for §7's protocol-violation diagnostic dump.
func (d *Directory) PendingTransactions() []Txn {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	out := make([]Txn, 0, len(d.tx))
	for _, t := range d.tx {
		out = append(out, t)
	}
	return out
}

func (d *Directory) serviceLoop() {
	defer d.wg.Done()

	match := network.Match{Types: []coherence.MsgType{coherence.ShReq, coherence.ExReq, coherence.WbRep}}
	for {
		pkt, ok := d.net.RecvCancelable(match, d.stop)
		if !ok {
			return
		}
		d.handle(pkt)
	}
}

func (d *Directory) handle(pkt network.Packet) {
	id := xid.New()
	d.trackStart(id, pkt.Msg.Address, pkt.Msg.Requester, pkt.Msg.Type)
	defer d.trackEnd(id)

	e := d.entry(pkt.Msg.Address)

	switch pkt.Msg.Type {
	case coherence.ShReq:
		d.handleShReq(pkt.Msg.Address, e, pkt.Msg)
	case coherence.ExReq:
		d.handleExReq(pkt.Msg.Address, e, pkt.Msg)
	case coherence.WbRep:
		d.handleWbRep(e, pkt.Msg)
	default:
		protocoldump.Raise("directory", d.self, pkt.Msg.Address, "unexpected inbound message type %s", pkt.Msg.Type)
	}
}

func (d *Directory) trackStart(id xid.ID, line uint64, requester coherence.TileID, typ coherence.MsgType) {
	d.txMu.Lock()
	d.tx[id] = Txn{ID: id, Line: line, Requester: requester, Type: typ}
	d.txMu.Unlock()
}

func (d *Directory) trackEnd(id xid.ID) {
	d.txMu.Lock()
	delete(d.tx, id)
	d.txMu.Unlock()
}

func (d *Directory) entry(addr uint64) *Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.lines[addr]
	if !ok {
		e = &Entry{
			State:   coherence.DirUncached,
			Sharers: make(map[coherence.TileID]bool),
			Owner:   coherence.InvalidTileID,
			Data:    make([]byte, d.lineSize),
		}
		d.lines[addr] = e
	}
	return e
}

// handleShReq implements the SH_REQ column of §4.3's transition table.
func (d *Directory) handleShReq(addr uint64, e *Entry, req coherence.Message) {
	switch e.State {
	case coherence.DirUncached:
		e.Sharers[req.Requester] = true
		e.Owner = req.Requester
		e.State = coherence.DirExclusive
		d.reply(req.Requester, coherence.ShRep, req.Requester, addr, cloneBytes(e.Data))

	case coherence.DirShared:
		e.Sharers[req.Requester] = true
		d.reply(req.Requester, coherence.ShRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))

	case coherence.DirExclusive, coherence.DirModified:
		if e.Owner == req.Requester {
			d.reply(req.Requester, coherence.ShRep, req.Requester, addr, cloneBytes(e.Data))
			return
		}
		d.resolveConflictingShReq(addr, e, req)

	case coherence.DirOwned:
		d.resolveOwnedShReq(addr, e, req)

	default:
		protocoldump.Raise("directory", d.self, addr, "SH_REQ found line in invalid dstate %s", e.State)
	}
}

// resolveConflictingShReq implements the Exclusive/Modified(owner O≠R) +
// SH_REQ row. §4.3 leaves open whether O ends up Shared or Owned; this
// implementation takes the row's own "simplest conformant choice":
// downgrade O to Shared alongside R rather than introduce Owned. No
// transition in this package ever produces DirOwned organically (see
// DESIGN.md); a line only reaches it through DebugSetDramState, which
// handleShReq's own DirOwned case and handleExReq's still handle as a
// legal directory state in its own right.
func (d *Directory) resolveConflictingShReq(addr uint64, e *Entry, req coherence.Message) {
	owner := e.Owner

	_, _ = d.net.Send(owner, coherence.Message{
		Type: coherence.InvFlushCombinedReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: req.Requester, SingleReceiver: req.Requester, Address: addr,
	})

	pkt, ok := d.net.Recv(network.Match{Senders: []coherence.TileID{owner}, Types: []coherence.MsgType{coherence.InvRep}})
	if !ok {
		panic(fmt.Sprintf("directory: tile %d: network closed awaiting INV_REP from %d for 0x%x", d.self, owner, addr))
	}
	if pkt.Msg.Data != nil {
		e.Data = cloneBytes(pkt.Msg.Data)
	}

	e.State = coherence.DirShared
	e.Owner = coherence.InvalidTileID
	e.Sharers = map[coherence.TileID]bool{owner: true, req.Requester: true}
	// O already received its data directly from itself and R received its
	// copy straight from O's ShRep; the directory has no reply of its own
	// to send here.
}

// resolveOwnedShReq implements the Owned + SH_REQ row: the home asks the
// owner to publish its dirty data via WB_REQ without revoking its
// write-back responsibility (§4.2), folds the refreshed copy into e.Data,
// and grants the new requester a Shared copy alongside the still-Owned
// owner.
func (d *Directory) resolveOwnedShReq(addr uint64, e *Entry, req coherence.Message) {
	owner := e.Owner

	_, _ = d.net.Send(owner, coherence.Message{
		Type: coherence.WbReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: req.Requester, SingleReceiver: coherence.InvalidTileID, Address: addr,
	})

	pkt, ok := d.net.Recv(network.Match{Senders: []coherence.TileID{owner}, Types: []coherence.MsgType{coherence.WbRep}})
	if !ok {
		panic(fmt.Sprintf("directory: tile %d: network closed awaiting WB_REP from %d for 0x%x", d.self, owner, addr))
	}
	e.Data = cloneBytes(pkt.Msg.Data)

	e.Sharers[req.Requester] = true
	d.reply(req.Requester, coherence.ShRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))
}

// handleExReq implements the EX_REQ column of §4.3's transition table.
func (d *Directory) handleExReq(addr uint64, e *Entry, req coherence.Message) {
	switch e.State {
	case coherence.DirUncached:
		e.Sharers = map[coherence.TileID]bool{req.Requester: true}
		e.Owner = req.Requester
		e.State = coherence.DirModified
		d.reply(req.Requester, coherence.ExRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))

	case coherence.DirShared:
		d.invalidateAllExcept(addr, e, req.Requester)
		e.Sharers = map[coherence.TileID]bool{req.Requester: true}
		e.Owner = req.Requester
		e.State = coherence.DirModified
		d.reply(req.Requester, coherence.ExRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))

	case coherence.DirExclusive, coherence.DirModified:
		if e.Owner != req.Requester {
			d.invalidateOwner(addr, e.Owner, req.Requester, e)
		}
		e.Sharers = map[coherence.TileID]bool{req.Requester: true}
		e.Owner = req.Requester
		e.State = coherence.DirModified
		d.reply(req.Requester, coherence.ExRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))

	case coherence.DirOwned:
		if e.Owner == req.Requester {
			// The Owned holder is upgrading its own line in place; no
			// fresh data is needed (§4.2: Owned + store awaits only
			// UPGRADE_REP).
			d.invalidateAllExcept(addr, e, req.Requester)
			e.Sharers = map[coherence.TileID]bool{req.Requester: true}
			e.State = coherence.DirModified
			d.reply(req.Requester, coherence.UpgradeRep, coherence.InvalidTileID, addr, nil)
			return
		}

		d.invalidateAllExcept(addr, e, e.Owner)
		data := d.flushOwner(addr, e.Owner, req.Requester)
		e.Data = data
		e.Sharers = map[coherence.TileID]bool{req.Requester: true}
		e.Owner = req.Requester
		e.State = coherence.DirModified
		d.reply(req.Requester, coherence.ExRep, coherence.InvalidTileID, addr, cloneBytes(e.Data))

	default:
		protocoldump.Raise("directory", d.self, addr, "EX_REQ found line in invalid dstate %s", e.State)
	}
}

// invalidateAllExcept sends INV_REQ to every current sharer but keep and
// waits for each INV_REP before returning, honoring the home's per-line
// arrival-order serialization (§4.3).
func (d *Directory) invalidateAllExcept(addr uint64, e *Entry, keep coherence.TileID) {
	for sharer := range e.Sharers {
		if sharer == keep {
			continue
		}
		d.invalidateSharer(addr, sharer, keep)
		delete(e.Sharers, sharer)
	}
}

func (d *Directory) invalidateSharer(addr uint64, sharer, requester coherence.TileID) {
	_, _ = d.net.Send(sharer, coherence.Message{
		Type: coherence.InvReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: requester, SingleReceiver: coherence.InvalidTileID, Address: addr,
	})

	_, ok := d.net.Recv(network.Match{Senders: []coherence.TileID{sharer}, Types: []coherence.MsgType{coherence.InvRep}})
	if !ok {
		panic(fmt.Sprintf("directory: tile %d: network closed awaiting INV_REP from %d for 0x%x", d.self, sharer, addr))
	}
}

// invalidateOwner reclaims an Exclusive/Modified owner's line via INV_REQ
// before granting a conflicting EX_REQ. The owner's INV_REP carries data
// only if its true local state was Modified (§4.2); a clean Exclusive
// owner's reply is dataless and the home's existing copy, which a clean
// Exclusive line never invalidates, is already current.
func (d *Directory) invalidateOwner(addr uint64, owner, requester coherence.TileID, e *Entry) {
	_, _ = d.net.Send(owner, coherence.Message{
		Type: coherence.InvReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: requester, SingleReceiver: coherence.InvalidTileID, Address: addr,
	})

	pkt, ok := d.net.Recv(network.Match{Senders: []coherence.TileID{owner}, Types: []coherence.MsgType{coherence.InvRep}})
	if !ok {
		panic(fmt.Sprintf("directory: tile %d: network closed awaiting INV_REP from %d for 0x%x", d.self, owner, addr))
	}
	if pkt.Msg.Data != nil {
		e.Data = cloneBytes(pkt.Msg.Data)
	}
}

// flushOwner requests a full flush-and-invalidate from an Owned line's
// owner (§4.3's Owned + EX_REQ row).
func (d *Directory) flushOwner(addr uint64, owner, requester coherence.TileID) []byte {
	_, _ = d.net.Send(owner, coherence.Message{
		Type: coherence.FlushReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: requester, SingleReceiver: coherence.InvalidTileID, Address: addr,
	})

	pkt, ok := d.net.Recv(network.Match{Senders: []coherence.TileID{owner}, Types: []coherence.MsgType{coherence.FlushRep}})
	if !ok {
		panic(fmt.Sprintf("directory: tile %d: network closed awaiting FLUSH_REP from %d for 0x%x", d.self, owner, addr))
	}
	return cloneBytes(pkt.Msg.Data)
}

// handleWbRep folds an unsolicited eviction write-back into the home's
// bookkeeping, per §4.3's "any | WB_REP" row.
func (d *Directory) handleWbRep(e *Entry, msg coherence.Message) {
	e.Data = cloneBytes(msg.Data)

	wasOwner := e.Owner == msg.Requester
	delete(e.Sharers, msg.Requester)
	if wasOwner {
		e.Owner = coherence.InvalidTileID
		if len(e.Sharers) > 0 {
			e.State = coherence.DirShared
		} else {
			e.State = coherence.DirUncached
		}
	}
}

func (d *Directory) reply(to coherence.TileID, typ coherence.MsgType, singleReceiver coherence.TileID, addr uint64, data []byte) {
	_, _ = d.net.Send(to, coherence.Message{
		Type: typ, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
		Requester: to, SingleReceiver: singleReceiver, Address: addr, Data: data,
	})
}

// State returns a line's current dstate and sharer set, for tests and
// diagnostics.
func (d *Directory) State(addr uint64) (coherence.DState, map[coherence.TileID]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.lines[addr]
	if !ok {
		return coherence.DirUncached, map[coherence.TileID]bool{}
	}
	out := make(map[coherence.TileID]bool, len(e.Sharers))
	for k, v := range e.Sharers {
		out[k] = v
	}
	return e.State, out
}

// DebugSetDramState forces a line's directory entry into an arbitrary
// state, for protocol tests (§6).
func (d *Directory) DebugSetDramState(addr uint64, state coherence.DState, sharers []coherence.TileID, data []byte) {
	e := d.entry(addr)

	d.mu.Lock()
	defer d.mu.Unlock()

	e.State = state
	e.Sharers = make(map[coherence.TileID]bool, len(sharers))
	for _, s := range sharers {
		e.Sharers[s] = true
	}
	e.Owner = coherence.InvalidTileID
	if state == coherence.DirExclusive || state == coherence.DirModified || state == coherence.DirOwned {
		if len(sharers) > 0 {
			e.Owner = sharers[0]
		}
	}
	e.Data = cloneBytes(data)
}

// DebugAssertDramState reports whether a line's directory entry currently
// matches the given state, sharer set, and data exactly.
func (d *Directory) DebugAssertDramState(addr uint64, expected coherence.DState, sharers []coherence.TileID, data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.lines[addr]
	if !ok {
		return expected == coherence.DirUncached && len(sharers) == 0
	}
	if e.State != expected {
		return false
	}
	if len(e.Sharers) != len(sharers) {
		return false
	}
	for _, s := range sharers {
		if !e.Sharers[s] {
			return false
		}
	}
	return bytes.Equal(e.Data, data)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
