package coherence

// MsgType enumerates the coherence message vocabulary of §6. Requests flow
// from a cache controller to a home directory (SH_REQ, EX_REQ), or from a
// home directory to a cache controller (INV_REQ, FLUSH_REQ, WB_REQ,
// INV_FLUSH_COMBINED_REQ). Replies flow the other way.
type MsgType uint8

// Message types, in wire order.
const (
	InvalidMsgType MsgType = iota
	ShReq
	ExReq
	UpgradeRep
	InvReq
	FlushReq
	WbReq
	InvFlushCombinedReq
	ShRep
	ExRep
	InvRep
	FlushRep
	WbRep
)

func (t MsgType) String() string {
	switch t {
	case ShReq:
		return "SH_REQ"
	case ExReq:
		return "EX_REQ"
	case UpgradeRep:
		return "UPGRADE_REP"
	case InvReq:
		return "INV_REQ"
	case FlushReq:
		return "FLUSH_REQ"
	case WbReq:
		return "WB_REQ"
	case InvFlushCombinedReq:
		return "INV_FLUSH_COMBINED_REQ"
	case ShRep:
		return "SH_REP"
	case ExRep:
		return "EX_REP"
	case InvRep:
		return "INV_REP"
	case FlushRep:
		return "FLUSH_REP"
	case WbRep:
		return "WB_REP"
	default:
		return "INVALID_MSG_TYPE"
	}
}

// IsDataBearing reports whether messages of this type carry a cache line
// payload (§4.4: data-bearing replies add the payload length to the
// modeled length).
func (t MsgType) IsDataBearing() bool {
	switch t {
	case ShRep, ExRep, FlushRep, WbRep:
		return true
	default:
		return false
	}
}

// Message is the tagged-union coherence message of §3/§6. Data is owned by
// the message value; callers must not mutate a slice handed to Send after
// the call returns.
type Message struct {
	Type     MsgType
	Sender   Component
	Receiver Component

	// Requester is the tile that originated the transaction this message
	// belongs to.
	Requester TileID

	// SingleReceiver is InvalidTileID unless the message names a single
	// additional destination beyond the nominal receiver. This
	// implementation also overloads it on SH_REP: when the directory
	// grants the sole-sharer optimization (dstate Uncached -> Exclusive)
	// it sets SingleReceiver to Requester so the controller knows to
	// install the line Exclusive rather than Shared (see
	// directory.handleShReq and cache.Controller.completeTransaction).
	SingleReceiver TileID

	ReplyExpected bool
	Address       uint64
	Data          []byte

	// Modeled and CacheLineUtilization are carried for timing-model
	// bookkeeping only (§4.4); the protocol state machines never read
	// them.
	Modeled              bool
	CacheLineUtilization uint32
}

// DataLength returns the number of payload bytes carried by the message.
func (m Message) DataLength() int {
	return len(m.Data)
}

// ModeledLength returns the modeled byte count used for timing purposes,
// per §4.4. tileIDWidth is the configured width (in bytes) of a tile ID
// field on the wire.
func (m Message) ModeledLength(tileIDWidth int) int {
	const addrWidth = 8 // u64 address field

	switch m.Type {
	case ExReq, ShReq, InvReq, FlushReq, WbReq, UpgradeRep, InvRep:
		return 1 + addrWidth
	case InvFlushCombinedReq:
		return 1 + addrWidth + tileIDWidth
	case ExRep, ShRep, FlushRep, WbRep:
		return 1 + addrWidth + m.DataLength()
	default:
		return 0
	}
}
