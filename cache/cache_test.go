package cache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/cache"
	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/network"
)

const lineSize = 64

// fakeHome plays the directory side of a transaction well enough to drive
// the cache controller under test without a real directory package.
func fakeHome(ep *network.Endpoint, respond func(coherence.Message) *coherence.Message) chan coherence.Message {
	seen := make(chan coherence.Message, 16)
	go func() {
		for {
			pkt, ok := ep.Recv(network.Match{})
			if !ok {
				return
			}
			seen <- pkt.Msg
			if respond == nil {
				continue
			}
			if reply := respond(pkt.Msg); reply != nil {
				_, _ = ep.Send(pkt.From, *reply)
			}
		}
	}()
	return seen
}

var _ = Describe("Controller", func() {
	var (
		reg        *network.Registry
		selfEP     *network.Endpoint
		homeEP     *network.Endpoint
		table      *addrhome.Table
		ctrl       *cache.Controller
	)

	newController := func(cfg cache.Config) {
		var err error
		table, err = addrhome.NewTable([]addrhome.Bound{{Base: 0, Limit: 1 << 32, Tile: 1}})
		Expect(err).NotTo(HaveOccurred())
		ctrl = cache.New(0, cfg, table, selfEP)
	}

	BeforeEach(func() {
		reg = network.NewRegistry()
		selfEP = reg.NewEndpoint(0)
		homeEP = reg.NewEndpoint(1)
	})

	AfterEach(func() {
		if ctrl != nil {
			ctrl.Close()
		}
		homeEP.Close()
	})

	Context("cold load", func() {
		BeforeEach(func() {
			newController(cache.Config{LineSize: lineSize, CacheSize: 4 * lineSize, Associativity: 2})
		})

		It("issues SH_REQ and installs the line Shared on a multi-sharer grant", func() {
			fill := make([]byte, lineSize)
			fill[0] = 0xAB
			fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				Expect(req.Type).To(Equal(coherence.ShReq))
				return &coherence.Message{
					Type: coherence.ShRep, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent,
					Requester: req.Requester, SingleReceiver: coherence.InvalidTileID,
					Address: req.Address, Data: fill,
				}
			})

			data, hit := ctrl.Load(0x1000, 4)
			Expect(hit).To(BeFalse())
			Expect(data).To(Equal(fill[:4]))
			Expect(ctrl.State(0x1000)).To(Equal(coherence.StateShared))
		})

		It("installs the line Exclusive when granted sole-sharer status", func() {
			fill := make([]byte, lineSize)
			fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				return &coherence.Message{
					Type: coherence.ShRep, Requester: req.Requester,
					SingleReceiver: req.Requester, Address: req.Address, Data: fill,
				}
			})

			_, hit := ctrl.Load(0x2000, 4)
			Expect(hit).To(BeFalse())
			Expect(ctrl.State(0x2000)).To(Equal(coherence.StateExclusive))
		})

		It("serves a second access to the same line as a local hit", func() {
			fill := make([]byte, lineSize)
			fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				return &coherence.Message{Type: coherence.ShRep, Requester: req.Requester, SingleReceiver: coherence.InvalidTileID, Address: req.Address, Data: fill}
			})

			_, hit := ctrl.Load(0x3000, 4)
			Expect(hit).To(BeFalse())

			_, hit = ctrl.Load(0x3000, 4)
			Expect(hit).To(BeTrue())
		})
	})

	Context("store", func() {
		BeforeEach(func() {
			newController(cache.Config{LineSize: lineSize, CacheSize: 4 * lineSize, Associativity: 2})
		})

		It("installs Modified on a cold store via EX_REQ/EX_REP", func() {
			fill := make([]byte, lineSize)
			fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				Expect(req.Type).To(Equal(coherence.ExReq))
				return &coherence.Message{Type: coherence.ExRep, Requester: req.Requester, SingleReceiver: coherence.InvalidTileID, Address: req.Address, Data: fill}
			})

			hit := ctrl.Store(0x4000, 4, []byte{1, 2, 3, 4})
			Expect(hit).To(BeFalse())
			Expect(ctrl.State(0x4000)).To(Equal(coherence.StateModified))

			out, hit := ctrl.Load(0x4000, 4)
			Expect(hit).To(BeTrue())
			Expect(out).To(Equal([]byte{1, 2, 3, 4}))
		})

		It("silently upgrades Exclusive to Modified on a store with no network traffic", func() {
			ctrl.DebugSetCacheState(0x5000, coherence.StateExclusive, make([]byte, lineSize))

			hit := ctrl.Store(0x5000, 4, []byte{9, 9, 9, 9})
			Expect(hit).To(BeTrue())
			Expect(ctrl.State(0x5000)).To(Equal(coherence.StateModified))
		})

		It("sends EX_REQ and accepts an UPGRADE_REP from Shared", func() {
			ctrl.DebugSetCacheState(0x6000, coherence.StateShared, make([]byte, lineSize))

			fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				Expect(req.Type).To(Equal(coherence.ExReq))
				return &coherence.Message{Type: coherence.UpgradeRep, Requester: req.Requester, SingleReceiver: coherence.InvalidTileID, Address: req.Address}
			})

			hit := ctrl.Store(0x6000, 4, []byte{7, 7, 7, 7})
			Expect(hit).To(BeFalse())
			Expect(ctrl.State(0x6000)).To(Equal(coherence.StateModified))
		})
	})

	Context("eviction", func() {
		BeforeEach(func() {
			// one set, one way: any second distinct line forces eviction.
			newController(cache.Config{LineSize: lineSize, CacheSize: lineSize, Associativity: 1})
		})

		It("writes back a dirty victim before installing the new line", func() {
			dirty := make([]byte, lineSize)
			dirty[0] = 0x7E
			ctrl.DebugSetCacheState(0x1000, coherence.StateModified, dirty)

			seen := fakeHome(homeEP, func(req coherence.Message) *coherence.Message {
				if req.Type == coherence.ShReq {
					return &coherence.Message{Type: coherence.ShRep, Requester: req.Requester, SingleReceiver: coherence.InvalidTileID, Address: req.Address, Data: make([]byte, lineSize)}
				}
				return nil
			})

			_, hit := ctrl.Load(0x9000, 4)
			Expect(hit).To(BeFalse())

			var wb coherence.Message
			Eventually(seen).Should(Receive(&wb))
			Expect(wb.Type).To(Equal(coherence.WbRep))
			Expect(wb.Address).To(Equal(uint64(0x1000)))
			Expect(wb.Data[0]).To(Equal(byte(0x7E)))

			Expect(ctrl.State(0x1000)).To(Equal(coherence.StateInvalid))
		})
	})

	Context("inbound invalidation", func() {
		BeforeEach(func() {
			newController(cache.Config{LineSize: lineSize, CacheSize: 4 * lineSize, Associativity: 2})
		})

		It("replies INV_REP with piggybacked data for a dirty line and invalidates it", func() {
			dirty := make([]byte, lineSize)
			dirty[1] = 0x11
			ctrl.DebugSetCacheState(0x7000, coherence.StateModified, dirty)

			_, _ = homeEP.Send(0, coherence.Message{Type: coherence.InvReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent, Requester: 2, SingleReceiver: coherence.InvalidTileID, Address: 0x7000})

			pkt, ok := homeEP.Recv(network.Match{Types: []coherence.MsgType{coherence.InvRep}})
			Expect(ok).To(BeTrue())
			Expect(pkt.Msg.Data[1]).To(Equal(byte(0x11)))

			Eventually(func() coherence.CState { return ctrl.State(0x7000) }).Should(Equal(coherence.StateInvalid))
		})

		It("keeps Owned status rather than invalidating on WB_REQ", func() {
			dirty := make([]byte, lineSize)
			ctrl.DebugSetCacheState(0x8000, coherence.StateOwned, dirty)

			_, _ = homeEP.Send(0, coherence.Message{Type: coherence.WbReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent, Requester: 2, SingleReceiver: coherence.InvalidTileID, Address: 0x8000})

			pkt, ok := homeEP.Recv(network.Match{Types: []coherence.MsgType{coherence.WbRep}})
			Expect(ok).To(BeTrue())
			Expect(pkt.Msg.Address).To(Equal(uint64(0x8000)))

			Eventually(func() coherence.CState { return ctrl.State(0x8000) }).Should(Equal(coherence.StateOwned))
		})

		It("demotes Modified to Owned (not Shared) on WB_REQ", func() {
			dirty := make([]byte, lineSize)
			dirty[2] = 0x33
			ctrl.DebugSetCacheState(0x8100, coherence.StateModified, dirty)

			_, _ = homeEP.Send(0, coherence.Message{Type: coherence.WbReq, Sender: coherence.DirectoryComponent, Receiver: coherence.CacheComponent, Requester: 2, SingleReceiver: coherence.InvalidTileID, Address: 0x8100})

			pkt, ok := homeEP.Recv(network.Match{Types: []coherence.MsgType{coherence.WbRep}})
			Expect(ok).To(BeTrue())
			Expect(pkt.Msg.Data[2]).To(Equal(byte(0x33)))

			Eventually(func() coherence.CState { return ctrl.State(0x8100) }).Should(Equal(coherence.StateOwned))
		})
	})

	Context("debug state hooks", func() {
		BeforeEach(func() {
			newController(cache.Config{LineSize: lineSize, CacheSize: 4 * lineSize, Associativity: 2})
		})

		It("round-trips setCacheState through assertCacheState", func() {
			data := make([]byte, lineSize)
			data[0] = 0x42
			ctrl.DebugSetCacheState(0xA000, coherence.StateOwned, data)
			Expect(ctrl.DebugAssertCacheState(0xA000, coherence.StateOwned, data)).To(BeTrue())
			Expect(ctrl.DebugAssertCacheState(0xA000, coherence.StateModified, data)).To(BeFalse())
		})

		It("treats an unset line as Invalid", func() {
			Expect(ctrl.DebugAssertCacheState(0xB000, coherence.StateInvalid, nil)).To(BeTrue())
		})
	})
})
