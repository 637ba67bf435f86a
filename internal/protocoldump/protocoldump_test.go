package protocoldump_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/internal/protocoldump"
)

var _ = Describe("Raise", func() {
	It("panics with a *Violation carrying the formatted reason", func() {
		defer func() {
			r := recover()
			v, ok := r.(*protocoldump.Violation)
			Expect(ok).To(BeTrue())
			Expect(v.Component).To(Equal("directory"))
			Expect(v.Tile).To(Equal(coherence.TileID(0)))
			Expect(v.Address).To(Equal(uint64(0x1000)))
			Expect(v.Reason).To(Equal("unreachable Owned state"))
			Expect(v.Error()).To(ContainSubstring("0x1000"))
		}()

		protocoldump.Raise("directory", 0, 0x1000, "unreachable %s state", "Owned")
	})
})

var _ = Describe("Report", func() {
	It("renders a dump containing the violation, cache states, directory state, and pending transactions", func() {
		v := &protocoldump.Violation{Component: "cache", Tile: 1, Address: 0x2000, Reason: "bad reply type"}

		report := protocoldump.Report(v,
			[]protocoldump.CacheLineState{
				{Tile: 0, State: coherence.StateShared},
				{Tile: 1, State: coherence.StateInvalid},
			},
			&protocoldump.DirLineState{Home: 0, State: coherence.DirShared, Sharers: []coherence.TileID{0}},
			[]protocoldump.PendingTxn{
				{ID: "abc", Home: 0, Line: 0x2000, Requester: 1, Type: coherence.ShReq},
			},
		)

		Expect(report).To(ContainSubstring("PROTOCOL INVARIANT VIOLATION"))
		Expect(report).To(ContainSubstring("bad reply type"))
		Expect(report).To(ContainSubstring("SH_REQ"))
	})
})
