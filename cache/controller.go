// Package cache implements the per-tile L1/L2 cache controller of §4.2:
// the requesting side of the MOSI protocol, its hit/miss fast path, its
// per-line transaction serialization, and its handling of inbound
// invalidation/flush/writeback requests from a home directory.
//
// Tag storage and LRU victim selection reuse
// github.com/sarchlab/akita/v4/mem/cache.DirectoryImpl, the same way the
// teacher's timing/cache/cache.go does; the five-valued MOSI state that
// DirectoryImpl's Block has no room for is carried in a side table keyed
// by block identity, exactly as the teacher tracks IsDirty next to the
// block it doesn't otherwise model.
package cache

import (
	"bytes"
	"fmt"
	"sync"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/internal/protocoldump"
	"github.com/sarchlab/tilemosi/network"
)

// Config describes the geometry of one private cache.
type Config struct {
	// LineSize is the coherence unit size in bytes; must be a power of two.
	LineSize int
	// CacheSize is the total capacity in bytes.
	CacheSize int
	// Associativity is the number of ways per set.
	Associativity int
}

func (c Config) numSets() int {
	return c.CacheSize / (c.Associativity * c.LineSize)
}

// Controller is the L1/L2 cache controller for one tile: the public
// load/store contract of §4.2, plus a background goroutine that services
// inbound coherence requests from the home directory concurrently with
// any guest operation blocked on its own miss.
type Controller struct {
	self coherence.TileID
	cfg  Config
	home *addrhome.Table
	net  *network.Endpoint

	mu     sync.Mutex
	dir    *akitacache.DirectoryImpl
	data   [][]byte
	cstate map[*akitacache.Block]coherence.CState

	lineLocksMu sync.Mutex
	lineLocks   map[uint64]*sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a cache controller for tile self and starts its inbound
// protocol-message servicer.
func New(self coherence.TileID, cfg Config, home *addrhome.Table, net *network.Endpoint) *Controller {
	numSets := cfg.numSets()
	totalBlocks := numSets * cfg.Associativity

	data := make([][]byte, totalBlocks)
	for i := range data {
		data[i] = make([]byte, cfg.LineSize)
	}

	c := &Controller{
		self:      self,
		cfg:       cfg,
		home:      home,
		net:       net,
		dir:       akitacache.NewDirectory(numSets, cfg.Associativity, cfg.LineSize, akitacache.NewLRUVictimFinder()),
		data:      data,
		cstate:    make(map[*akitacache.Block]coherence.CState),
		lineLocks: make(map[uint64]*sync.Mutex),
		stop:      make(chan struct{}),
	}

	c.wg.Add(1)
	go c.serviceLoop()

	return c
}

// Close stops the inbound servicer and waits for it to exit.
func (c *Controller) Close() {
	close(c.stop)
	c.wg.Wait()
}

// Load fills size bytes from addr and reports whether every line touched
// was a local hit.
func (c *Controller) Load(addr uint64, size int) ([]byte, bool) {
	segs := c.mustSegment(addr, size)
	out := make([]byte, size)
	allHit := true
	pos := 0
	for _, seg := range segs {
		data, hit := c.accessSegment(seg, false, nil)
		copy(out[pos:pos+seg.Size], data)
		allHit = allHit && hit
		pos += seg.Size
	}
	return out, allHit
}

// Store writes data (size bytes) to addr and reports whether every line
// touched was a local hit.
func (c *Controller) Store(addr uint64, size int, data []byte) bool {
	segs := c.mustSegment(addr, size)
	allHit := true
	pos := 0
	for _, seg := range segs {
		_, hit := c.accessSegment(seg, true, data[pos:pos+seg.Size])
		allHit = allHit && hit
		pos += seg.Size
	}
	return allHit
}

func (c *Controller) mustSegment(addr uint64, size int) []addrhome.Segment {
	segs, err := addrhome.Segments(addr, size, c.cfg.LineSize, c.home)
	if err != nil {
		panic(fmt.Sprintf("cache: tile %d: %v", c.self, err))
	}
	return segs
}

// accessSegment serves one cache-line-aligned segment of a guest
// operation: a local hit completes immediately, a miss locks the line and
// initiates a transaction with the home directory.
func (c *Controller) accessSegment(seg addrhome.Segment, isStore bool, storeData []byte) ([]byte, bool) {
	lock := c.lineLock(seg.LineBase)
	lock.Lock()
	defer lock.Unlock()

	if data, hit := c.tryLocal(seg, isStore, storeData); hit {
		return data, true
	}

	return c.initiateTransaction(seg, isStore, storeData), false
}

func (c *Controller) tryLocal(seg addrhome.Segment, isStore bool, storeData []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.dir.Lookup(0, seg.LineBase)
	if block == nil || !block.IsValid {
		return nil, false
	}

	state := c.cstate[block]
	permitted := state.PermitsLoad()
	if isStore {
		permitted = state.PermitsStore()
	}
	if !permitted {
		return nil, false
	}

	c.dir.Visit(block)
	bd := c.lineData(block)

	if isStore {
		if state == coherence.StateExclusive {
			c.cstate[block] = coherence.StateModified
		}
		copy(bd[seg.Offset:seg.Offset+seg.Size], storeData)
		block.IsDirty = true
		return nil, true
	}

	out := make([]byte, seg.Size)
	copy(out, bd[seg.Offset:seg.Offset+seg.Size])
	return out, true
}

// initiateTransaction sends the appropriate request for a missed segment
// and blocks (without holding c.mu) until the matching reply arrives, per
// the requesting-controller table of §4.2.
func (c *Controller) initiateTransaction(seg addrhome.Segment, isStore bool, storeData []byte) []byte {
	c.mu.Lock()
	block := c.dir.Lookup(0, seg.LineBase)
	var state coherence.CState
	if block != nil && block.IsValid {
		state = c.cstate[block]
	}
	c.mu.Unlock()

	req := coherence.Message{
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      c.self,
		SingleReceiver: coherence.InvalidTileID,
		ReplyExpected:  true,
		Address:        seg.LineBase,
	}

	var awaitTypes []coherence.MsgType
	switch {
	case block == nil || !block.IsValid:
		if isStore {
			req.Type = coherence.ExReq
			awaitTypes = []coherence.MsgType{coherence.ExRep}
		} else {
			req.Type = coherence.ShReq
			awaitTypes = []coherence.MsgType{coherence.ShRep}
		}
	case isStore && state == coherence.StateShared:
		// §4.2: Shared -> store upgrade may settle with either reply. The
		// home in this repository answers with EX_REP carrying its data;
		// UPGRADE_REP is accepted as well, since the table allows both.
		req.Type = coherence.ExReq
		awaitTypes = []coherence.MsgType{coherence.ExRep, coherence.UpgradeRep}
	case isStore && state == coherence.StateOwned:
		req.Type = coherence.ExReq
		awaitTypes = []coherence.MsgType{coherence.UpgradeRep}
	default:
		protocoldump.Raise("cache", c.self, seg.LineBase, "miss path entered from state %s isStore=%v", state, isStore)
	}

	if _, err := c.net.Send(seg.Home, req); err != nil {
		panic(fmt.Sprintf("cache: tile %d: %v", c.self, err))
	}

	// The reply is not necessarily sent by seg.Home: a conflicting-owner
	// SH_REQ resolution has the owner reply with data directly (§4.3's
	// resolveConflictingShReq), not the home. The per-line lock already
	// guarantees only one reply of an awaited type can be in flight for
	// this transaction, so matching by Types alone is sufficient.
	pkt, ok := c.net.Recv(network.Match{Types: awaitTypes})
	if !ok {
		panic(fmt.Sprintf("cache: tile %d: network closed awaiting reply to 0x%x", c.self, seg.LineBase))
	}

	return c.completeTransaction(seg, isStore, storeData, pkt.Msg)
}

func (c *Controller) completeTransaction(seg addrhome.Segment, isStore bool, storeData []byte, reply coherence.Message) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.dir.Lookup(0, seg.LineBase)
	if block == nil || !block.IsValid {
		block = c.installVictim(seg.LineBase, reply.Data)
	}

	switch reply.Type {
	case coherence.ShRep:
		if reply.SingleReceiver == c.self {
			c.cstate[block] = coherence.StateExclusive
		} else {
			c.cstate[block] = coherence.StateShared
		}
	case coherence.ExRep, coherence.UpgradeRep:
		c.cstate[block] = coherence.StateModified
		block.IsDirty = true
	default:
		protocoldump.Raise("cache", c.self, seg.LineBase, "unexpected reply type %s", reply.Type)
	}

	bd := c.lineData(block)
	if isStore {
		copy(bd[seg.Offset:seg.Offset+seg.Size], storeData)
		block.IsDirty = true
		return nil
	}

	out := make([]byte, seg.Size)
	copy(out, bd[seg.Offset:seg.Offset+seg.Size])
	return out
}

// installVictim evicts FindVictim's chosen block (writing it back first
// if dirty) and installs a fresh line at lineBase, seeded with fill if
// non-nil. Caller must hold c.mu.
func (c *Controller) installVictim(lineBase uint64, fill []byte) *akitacache.Block {
	victim := c.dir.FindVictim(lineBase)
	if victim.IsValid {
		c.evictLocked(victim)
	}
	delete(c.cstate, victim)

	victim.Tag = lineBase
	victim.IsValid = true
	victim.IsDirty = false

	if fill != nil {
		copy(c.lineData(victim), fill)
	}
	c.dir.Visit(victim)

	return victim
}

// evictLocked writes back a dirty Modified/Owned victim before it is
// repurposed, per §4.2's eviction rule. Caller must hold c.mu.
func (c *Controller) evictLocked(victim *akitacache.Block) {
	state := c.cstate[victim]
	if state != coherence.StateModified && state != coherence.StateOwned {
		return
	}

	home, err := c.home.HomeOf(victim.Tag)
	if err != nil {
		panic(fmt.Sprintf("cache: tile %d: %v", c.self, err))
	}

	data := cloneBytes(c.lineData(victim))
	_, _ = c.net.Send(home, coherence.Message{
		Type:           coherence.WbRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      c.self,
		SingleReceiver: coherence.InvalidTileID,
		Address:        victim.Tag,
		Data:           data,
	})
}

func (c *Controller) lineData(block *akitacache.Block) []byte {
	return c.data[block.SetID*c.cfg.Associativity+block.WayID]
}

func (c *Controller) lineLock(lineBase uint64) *sync.Mutex {
	c.lineLocksMu.Lock()
	defer c.lineLocksMu.Unlock()

	m, ok := c.lineLocks[lineBase]
	if !ok {
		m = &sync.Mutex{}
		c.lineLocks[lineBase] = m
	}
	return m
}

// serviceLoop handles inbound INV_REQ/FLUSH_REQ/WB_REQ/
// INV_FLUSH_COMBINED_REQ concurrently with any guest operation blocked in
// initiateTransaction, satisfying §5's requirement that inbound protocol
// service not share a thread with a blocked requester.
func (c *Controller) serviceLoop() {
	defer c.wg.Done()

	match := network.Match{Types: []coherence.MsgType{
		coherence.InvReq, coherence.FlushReq, coherence.WbReq, coherence.InvFlushCombinedReq,
	}}

	for {
		pkt, ok := c.net.RecvCancelable(match, c.stop)
		if !ok {
			return
		}
		c.handleInbound(pkt)
	}
}

func (c *Controller) handleInbound(pkt network.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.dir.Lookup(0, pkt.Msg.Address)
	var state coherence.CState
	if block != nil && block.IsValid {
		state = c.cstate[block]
	}

	switch pkt.Msg.Type {
	case coherence.InvReq:
		c.handleInvReqLocked(pkt, block, state)
	case coherence.FlushReq:
		c.handleFlushReqLocked(pkt, block, state)
	case coherence.WbReq:
		c.handleWbReqLocked(pkt, block, state)
	case coherence.InvFlushCombinedReq:
		c.handleInvFlushCombinedLocked(pkt, block, state)
	default:
		protocoldump.Raise("cache", c.self, pkt.Msg.Address, "unexpected inbound message type %s", pkt.Msg.Type)
	}
}

func (c *Controller) handleInvReqLocked(pkt network.Packet, block *akitacache.Block, state coherence.CState) {
	reply := coherence.Message{
		Type:           coherence.InvRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      pkt.Msg.Requester,
		SingleReceiver: coherence.InvalidTileID,
		Address:        pkt.Msg.Address,
	}

	if block != nil && block.IsValid {
		if state == coherence.StateModified || state == coherence.StateOwned {
			reply.Data = cloneBytes(c.lineData(block))
		}
		block.IsValid = false
		delete(c.cstate, block)
	}

	_, _ = c.net.Send(pkt.From, reply)
}

func (c *Controller) handleFlushReqLocked(pkt network.Packet, block *akitacache.Block, state coherence.CState) {
	if block == nil || !block.IsValid || (state != coherence.StateModified && state != coherence.StateOwned) {
		return
	}

	_, _ = c.net.Send(pkt.From, coherence.Message{
		Type:           coherence.FlushRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      pkt.Msg.Requester,
		SingleReceiver: coherence.InvalidTileID,
		Address:        pkt.Msg.Address,
		Data:           cloneBytes(c.lineData(block)),
	})

	block.IsValid = false
	delete(c.cstate, block)
}

func (c *Controller) handleWbReqLocked(pkt network.Packet, block *akitacache.Block, state coherence.CState) {
	if block == nil || !block.IsValid || (state != coherence.StateModified && state != coherence.StateOwned) {
		return
	}

	_, _ = c.net.Send(pkt.From, coherence.Message{
		Type:           coherence.WbRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      pkt.Msg.Requester,
		SingleReceiver: coherence.InvalidTileID,
		Address:        pkt.Msg.Address,
		Data:           cloneBytes(c.lineData(block)),
	})

	// Sharer status is not downgraded here: a WB_REQ asks the owner to
	// publish its data to the home without giving up write-back
	// responsibility (§4.2). The line stays Owned locally — demoted from
	// Modified if it was the sole owner — so the directory's Owned dstate
	// invariant (exactly one sharer holds Modified/Owned) still holds once
	// the new Shared reader is added.
	c.cstate[block] = coherence.StateOwned
	block.IsDirty = false
}

// handleInvFlushCombinedLocked implements the "simplest conformant
// choice" named in §4.3 for a conflicting SH_REQ against an
// Exclusive/Modified owner: the owner forwards data straight to the new
// requester and downgrades itself to Shared rather than invalidating, so
// the line ends up with two Shared sharers instead of one. The INV_REP
// sent back to the home carries the same data so the home's own
// canonical copy stays current now that dstate becomes Shared (§3's
// data-authority invariant).
func (c *Controller) handleInvFlushCombinedLocked(pkt network.Packet, block *akitacache.Block, _ coherence.CState) {
	if block == nil || !block.IsValid {
		protocoldump.Raise("cache", c.self, pkt.Msg.Address, "INV_FLUSH_COMBINED_REQ for absent line")
	}

	data := cloneBytes(c.lineData(block))
	_, _ = c.net.Send(pkt.Msg.SingleReceiver, coherence.Message{
		Type:           coherence.ShRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.CacheComponent,
		Requester:      pkt.Msg.SingleReceiver,
		SingleReceiver: coherence.InvalidTileID,
		Address:        pkt.Msg.Address,
		Data:           data,
	})

	c.cstate[block] = coherence.StateShared
	block.IsDirty = false

	_, _ = c.net.Send(pkt.From, coherence.Message{
		Type:           coherence.InvRep,
		Sender:         coherence.CacheComponent,
		Receiver:       coherence.DirectoryComponent,
		Requester:      pkt.Msg.Requester,
		SingleReceiver: coherence.InvalidTileID,
		Address:        pkt.Msg.Address,
		Data:           cloneBytes(data),
	})
}

// State returns the current MOSI state of the line containing addr, for
// tests and diagnostics.
func (c *Controller) State(addr uint64) coherence.CState {
	c.mu.Lock()
	defer c.mu.Unlock()

	lineBase := addr &^ uint64(c.cfg.LineSize-1)
	block := c.dir.Lookup(0, lineBase)
	if block == nil || !block.IsValid {
		return coherence.StateInvalid
	}
	return c.cstate[block]
}

// DebugSetCacheState forces a line into a state, for protocol tests (§6).
func (c *Controller) DebugSetCacheState(addr uint64, state coherence.CState, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lineBase := addr &^ uint64(c.cfg.LineSize-1)
	block := c.dir.Lookup(0, lineBase)
	if block == nil || !block.IsValid {
		block = c.installVictim(lineBase, nil)
	}

	if state == coherence.StateInvalid {
		block.IsValid = false
		delete(c.cstate, block)
		return
	}

	c.cstate[block] = state
	block.IsDirty = state == coherence.StateModified || state == coherence.StateOwned
	copy(c.lineData(block), data)
}

// DebugAssertCacheState reports whether the line containing addr is
// currently in exactly the given state with exactly the given data (§8's
// setCacheState/assertCacheState round-trip law).
func (c *Controller) DebugAssertCacheState(addr uint64, expected coherence.CState, expectedData []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	lineBase := addr &^ uint64(c.cfg.LineSize-1)
	block := c.dir.Lookup(0, lineBase)

	var state coherence.CState
	if block != nil && block.IsValid {
		state = c.cstate[block]
	} else {
		state = coherence.StateInvalid
	}

	if state != expected {
		return false
	}
	if state == coherence.StateInvalid {
		return true
	}
	return bytes.Equal(c.lineData(block), expectedData)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
