// Package protocoldump implements the §7 fatal path: a protocol invariant
// violation (an implementation bug, not a runtime condition the guest can
// trigger) aborts the simulation with a diagnostic dump of pending
// transactions and the states of the involved line on every tile.
//
// A violation is raised as a panic carrying a *Violation, caught at the one
// place a simulation run is driven (cmd/tilemosi/main.go), mirroring the
// teacher's os.Exit-on-fatal style in cmd/m2sim/main.go. The caller who
// raises a Violation only has its own tile's view; the chip-wide table in
// Report is assembled by the recovering caller, which alone can see every
// tile.
package protocoldump

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sarchlab/tilemosi/coherence"
)

// Violation is a protocol invariant violation: a cache controller or
// directory slice observed state its own state machine table does not
// cover (§7: "Modified line with |sharers| != 1", "FLUSH_REP received for
// a line not in pending flush", and similar).
type Violation struct {
	Component string // "cache" or "directory"
	Tile      coherence.TileID
	Address   uint64
	Reason    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("protocol invariant violation: %s tile %d, address 0x%x: %s",
		v.Component, v.Tile, v.Address, v.Reason)
}

// Raise panics with a *Violation built from format/args, in the style of
// Go's fmt.Errorf. The caller's stack unwinds to whatever recover() site
// drives the simulation.
func Raise(component string, tile coherence.TileID, address uint64, format string, args ...any) {
	panic(&Violation{
		Component: component,
		Tile:      tile,
		Address:   address,
		Reason:    fmt.Sprintf(format, args...),
	})
}

// CacheLineState is one tile's view of the line named by a Violation, for
// the dump's cache table.
type CacheLineState struct {
	Tile  coherence.TileID
	State coherence.CState
}

// DirLineState is a home directory's view of the line named by a
// Violation, for the dump's directory table.
type DirLineState struct {
	Home    coherence.TileID
	State   coherence.DState
	Sharers []coherence.TileID
}

// PendingTxn is one in-flight home-directory transaction, for the dump's
// pending-transaction table.
type PendingTxn struct {
	ID        string
	Home      coherence.TileID
	Line      uint64
	Requester coherence.TileID
	Type      coherence.MsgType
}

// Report renders the full protocol dump §7 requires: the violation that
// triggered the abort, the state of the named line on every tile, the
// home directory's view of it, and every transaction still in flight
// anywhere on the chip at the moment of the panic.
func Report(v *Violation, cacheLines []CacheLineState, dir *DirLineState, pending []PendingTxn) string {
	var out string
	out += fmt.Sprintf("PROTOCOL INVARIANT VIOLATION\n%s\n\n", v.Error())

	cacheTable := table.NewWriter()
	cacheTable.SetTitle(fmt.Sprintf("cache line 0x%x", v.Address))
	cacheTable.AppendHeader(table.Row{"Tile", "State"})
	for _, l := range cacheLines {
		cacheTable.AppendRow(table.Row{l.Tile, l.State.String()})
	}
	out += cacheTable.Render() + "\n\n"

	dirTable := table.NewWriter()
	dirTable.SetTitle(fmt.Sprintf("directory entry 0x%x", v.Address))
	dirTable.AppendHeader(table.Row{"Home", "State", "Sharers"})
	if dir != nil {
		dirTable.AppendRow(table.Row{dir.Home, dir.State.String(), fmt.Sprint(dir.Sharers)})
	}
	out += dirTable.Render() + "\n\n"

	txTable := table.NewWriter()
	txTable.SetTitle("pending transactions")
	txTable.AppendHeader(table.Row{"ID", "Home", "Line", "Requester", "Type"})
	for _, t := range pending {
		txTable.AppendRow(table.Row{t.ID, t.Home, fmt.Sprintf("0x%x", t.Line), t.Requester, t.Type.String()})
	}
	out += txTable.Render() + "\n"

	return out
}
