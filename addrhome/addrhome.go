// Package addrhome implements the address-home lookup and per-line
// segmentation described in §4.1: mapping a physical address to its home
// tile, and splitting an arbitrary byte-range access into one transaction
// per cache line, in ascending address order.
//
// The segmentation loop is grounded on Core::dcacheRunModel in Graphite's
// common/core/core.cc, which walks [begin_addr, end_addr) one cache line
// at a time, computing the offset and size within each line.
package addrhome

import (
	"fmt"

	"github.com/sarchlab/tilemosi/coherence"
)

// Bound is one half-open address range homed at a tile, per §6's
// "Address-home boundary configuration".
type Bound struct {
	Base  uint64
	Limit uint64
	Tile  coherence.TileID
}

// Table maps addresses to home tiles via a sorted, gap-free, overlap-free
// vector of boundaries.
type Table struct {
	bounds []Bound
}

// NewTable validates bounds and builds a Table. Bounds need not be
// pre-sorted. Gaps and overlaps between ranges are configuration errors
// (§7), as is a zero-width range.
func NewTable(bounds []Bound) (*Table, error) {
	if len(bounds) == 0 {
		return nil, fmt.Errorf("addrhome: no address boundaries configured")
	}

	sorted := make([]Bound, len(bounds))
	copy(sorted, bounds)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Base > sorted[j].Base; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	for i, b := range sorted {
		if b.Limit <= b.Base {
			return nil, fmt.Errorf("addrhome: tile %d has an empty or inverted range [0x%x, 0x%x)", b.Tile, b.Base, b.Limit)
		}
		if i > 0 {
			prev := sorted[i-1]
			if b.Base < prev.Limit {
				return nil, fmt.Errorf("addrhome: overlapping ranges for tiles %d and %d at 0x%x", prev.Tile, b.Tile, b.Base)
			}
			if b.Base > prev.Limit {
				return nil, fmt.Errorf("addrhome: gap in address boundaries between tiles %d and %d at [0x%x, 0x%x)", prev.Tile, b.Tile, prev.Limit, b.Base)
			}
		}
	}

	return &Table{bounds: sorted}, nil
}

// HomeOf returns the tile that owns the directory entry for addr.
func (t *Table) HomeOf(addr uint64) (coherence.TileID, error) {
	lo, hi := 0, len(t.bounds)
	for lo < hi {
		mid := (lo + hi) / 2
		b := t.bounds[mid]
		switch {
		case addr < b.Base:
			hi = mid
		case addr >= b.Limit:
			lo = mid + 1
		default:
			return b.Tile, nil
		}
	}
	return coherence.InvalidTileID, fmt.Errorf("addrhome: address 0x%x is not covered by any boundary", addr)
}

// Segment is one cache-line-aligned piece of a guest memory operation, per
// §4.1.
type Segment struct {
	LineBase uint64
	Offset   int
	Size     int
	Home     coherence.TileID
}

// Segments splits [addr, addr+size) into per-line segments in ascending
// address order, one independent coherence transaction each. lineSize must
// be a power of two.
func Segments(addr uint64, size int, lineSize int, table *Table) ([]Segment, error) {
	if size <= 0 {
		return nil, nil
	}
	if lineSize <= 0 || lineSize&(lineSize-1) != 0 {
		return nil, fmt.Errorf("addrhome: line size %d is not a positive power of two", lineSize)
	}

	mask := uint64(lineSize - 1)
	begin := addr
	end := addr + uint64(size)

	var segs []Segment
	for cur := begin &^ mask; cur < end; cur += uint64(lineSize) {
		var offset int
		if cur == begin&^mask {
			offset = int(begin & mask)
		}

		lineEnd := cur + uint64(lineSize)
		segEnd := lineEnd
		if segEnd > end {
			segEnd = end
		}
		segSize := int(segEnd) - int(cur) - offset

		home, err := table.HomeOf(cur)
		if err != nil {
			return nil, err
		}

		segs = append(segs, Segment{
			LineBase: cur,
			Offset:   offset,
			Size:     segSize,
			Home:     home,
		})
	}

	return segs, nil
}
