// Package tile wires one chip tile's core-facing capabilities together:
// its cache controller, its DRAM directory slice, and the network
// endpoint they share, per §4's component graph and §9's note on
// breaking cross-reference cycles with a narrow-capability tile context.
package tile

import (
	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/cache"
	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/directory"
	"github.com/sarchlab/tilemosi/network"
)

// Config bundles the per-tile geometry needed to build its cache and
// directory slice.
type Config struct {
	Cache    cache.Config
	LineSize int
}

// Tile hosts the core-facing cache controller and the home directory
// slice for one simulated chip tile, linked only through network
// messages, per §2's "independent state machines" requirement.
type Tile struct {
	ID        coherence.TileID
	Endpoint  *network.Endpoint
	Cache     *cache.Controller
	Directory *directory.Directory
}

// New builds and starts a tile's cache controller and directory slice,
// registering its network endpoint on reg.
func New(id coherence.TileID, cfg Config, home *addrhome.Table, reg *network.Registry) *Tile {
	ep := reg.NewEndpoint(id)
	return &Tile{
		ID:        id,
		Endpoint:  ep,
		Cache:     cache.New(id, cfg.Cache, home, ep),
		Directory: directory.New(id, cfg.LineSize, ep),
	}
}

// Load issues a guest load through the tile's cache controller.
func (t *Tile) Load(addr uint64, size int) ([]byte, bool) {
	return t.Cache.Load(addr, size)
}

// Store issues a guest store through the tile's cache controller.
func (t *Tile) Store(addr uint64, size int, data []byte) bool {
	return t.Cache.Store(addr, size, data)
}

// Close stops both of the tile's background servicers and closes its
// network endpoint.
func (t *Tile) Close() {
	t.Cache.Close()
	t.Directory.Close()
	t.Endpoint.Close()
}

// Chip is a fixed-size collection of tiles sharing one network registry
// and one address-home table, per §2's system overview.
type Chip struct {
	Registry *network.Registry
	Home     *addrhome.Table
	Tiles    []*Tile
}

// NewChip builds a chip with one tile per ID in tileIDs, sharing the
// address-home table described by bounds (which need not assign every
// tile a home range) and the given per-tile cache/line configuration.
func NewChip(tileIDs []coherence.TileID, bounds []addrhome.Bound, cacheCfg cache.Config, lineSize int) (*Chip, error) {
	home, err := addrhome.NewTable(bounds)
	if err != nil {
		return nil, err
	}

	reg := network.NewRegistry()
	tiles := make([]*Tile, len(tileIDs))
	for i, id := range tileIDs {
		tiles[i] = New(id, Config{Cache: cacheCfg, LineSize: lineSize}, home, reg)
	}

	return &Chip{Registry: reg, Home: home, Tiles: tiles}, nil
}

// Tile returns the tile with the given ID, or nil if none matches.
func (c *Chip) Tile(id coherence.TileID) *Tile {
	for _, t := range c.Tiles {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Close stops every tile's background servicers.
func (c *Chip) Close() {
	for _, t := range c.Tiles {
		t.Close()
	}
}
