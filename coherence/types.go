// Package coherence defines the data model shared by every component of
// the MOSI coherence subsystem: tile and component identifiers, the cache
// and directory state enums, and the wire-level coherence message.
package coherence

import "fmt"

// TileID identifies a tile on the chip. A tile hosts a core facade, an
// L1/L2 cache controller and a DRAM directory slice.
type TileID uint32

// InvalidTileID marks the absence of a tile, e.g. an unused
// single-receiver field.
const InvalidTileID TileID = ^TileID(0)

// Component names the sub-unit of a tile that sent or should receive a
// message.
type Component uint8

// Component values, mirroring Graphite's MemComponent enum.
const (
	InvalidComponent Component = iota
	CacheComponent
	DirectoryComponent
)

func (c Component) String() string {
	switch c {
	case CacheComponent:
		return "cache"
	case DirectoryComponent:
		return "directory"
	default:
		return "invalid"
	}
}

// CState is the MOSI state of a line in a private L1/L2 cache.
type CState uint8

// Cache line states. Invalid doubles as "no entry".
const (
	StateInvalid CState = iota
	StateShared
	StateExclusive
	StateModified
	StateOwned
)

func (s CState) String() string {
	switch s {
	case StateInvalid:
		return "I"
	case StateShared:
		return "S"
	case StateExclusive:
		return "E"
	case StateModified:
		return "M"
	case StateOwned:
		return "O"
	default:
		return fmt.Sprintf("CState(%d)", uint8(s))
	}
}

// PermitsLoad reports whether a line in state s can satisfy a load
// without contacting the home directory.
func (s CState) PermitsLoad() bool {
	switch s {
	case StateShared, StateExclusive, StateModified, StateOwned:
		return true
	default:
		return false
	}
}

// PermitsStore reports whether a line in state s can satisfy a store
// without contacting the home directory.
func (s CState) PermitsStore() bool {
	switch s {
	case StateExclusive, StateModified:
		return true
	default:
		return false
	}
}

// DState is the state of a home directory entry.
type DState uint8

// Directory states.
const (
	DirUncached DState = iota
	DirShared
	DirExclusive
	DirModified
	DirOwned
)

func (s DState) String() string {
	switch s {
	case DirUncached:
		return "Uncached"
	case DirShared:
		return "Shared"
	case DirExclusive:
		return "Exclusive"
	case DirModified:
		return "Modified"
	case DirOwned:
		return "Owned"
	default:
		return fmt.Sprintf("DState(%d)", uint8(s))
	}
}
