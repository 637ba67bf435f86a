package addrhome_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/coherence"
)

var _ = Describe("Table", func() {
	It("rejects an empty boundary list", func() {
		_, err := addrhome.NewTable(nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a gap between ranges", func() {
		_, err := addrhome.NewTable([]addrhome.Bound{
			{Base: 0, Limit: 0x1000, Tile: 0},
			{Base: 0x2000, Limit: 0x3000, Tile: 1},
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects overlapping ranges", func() {
		_, err := addrhome.NewTable([]addrhome.Bound{
			{Base: 0, Limit: 0x1000, Tile: 0},
			{Base: 0x800, Limit: 0x1800, Tile: 1},
		})
		Expect(err).To(HaveOccurred())
	})

	It("accepts an out-of-order but contiguous, non-overlapping vector", func() {
		table, err := addrhome.NewTable([]addrhome.Bound{
			{Base: 0x1000, Limit: 0x2000, Tile: 1},
			{Base: 0, Limit: 0x1000, Tile: 0},
		})
		Expect(err).NotTo(HaveOccurred())

		home, err := table.HomeOf(0x1800)
		Expect(err).NotTo(HaveOccurred())
		Expect(home).To(Equal(coherence.TileID(1)))
	})

	It("errors on an address outside every range", func() {
		table, _ := addrhome.NewTable([]addrhome.Bound{
			{Base: 0, Limit: 0x1000, Tile: 0},
		})
		_, err := table.HomeOf(0x2000)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Segments", func() {
	var table *addrhome.Table

	BeforeEach(func() {
		var err error
		table, err = addrhome.NewTable([]addrhome.Bound{
			{Base: 0, Limit: 0x10000, Tile: 0},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("returns a single segment for an access that fits in one line", func() {
		segs, err := addrhome.Segments(0x1000, 8, 64, table)
		Expect(err).NotTo(HaveOccurred())
		Expect(segs).To(Equal([]addrhome.Segment{
			{LineBase: 0x1000, Offset: 0, Size: 8, Home: 0},
		}))
	})

	It("splits an unaligned multi-line access in ascending address order (scenario 5)", func() {
		segs, err := addrhome.Segments(0x103C, 16, 64, table)
		Expect(err).NotTo(HaveOccurred())
		Expect(segs).To(HaveLen(2))
		Expect(segs[0]).To(Equal(addrhome.Segment{LineBase: 0x1000, Offset: 0x3C, Size: 4, Home: 0}))
		Expect(segs[1]).To(Equal(addrhome.Segment{LineBase: 0x1040, Offset: 0, Size: 12, Home: 0}))
	})

	It("returns nothing for a zero-size access", func() {
		segs, err := addrhome.Segments(0x1000, 0, 64, table)
		Expect(err).NotTo(HaveOccurred())
		Expect(segs).To(BeEmpty())
	})

	It("rejects a non-power-of-two line size", func() {
		_, err := addrhome.Segments(0x1000, 8, 63, table)
		Expect(err).To(HaveOccurred())
	})

	It("resolves each segment's home independently", func() {
		mixed, err := addrhome.NewTable([]addrhome.Bound{
			{Base: 0, Limit: 0x1040, Tile: 0},
			{Base: 0x1040, Limit: 0x2000, Tile: 1},
		})
		Expect(err).NotTo(HaveOccurred())

		segs, err := addrhome.Segments(0x103C, 16, 64, mixed)
		Expect(err).NotTo(HaveOccurred())
		Expect(segs[0].Home).To(Equal(coherence.TileID(0)))
		Expect(segs[1].Home).To(Equal(coherence.TileID(1)))
	})
})
