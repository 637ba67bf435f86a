package coherence_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/tilemosi/coherence"
)

var _ = Describe("Message wire encoding", func() {
	It("round-trips a control message with no payload", func() {
		msg := coherence.Message{
			Type:           coherence.ShReq,
			Sender:         coherence.CacheComponent,
			Receiver:       coherence.DirectoryComponent,
			Requester:      7,
			SingleReceiver: coherence.InvalidTileID,
			ReplyExpected:  true,
			Address:        0x1000,
		}

		decoded, err := coherence.Decode(msg.Encode())
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(msg))
	})

	It("round-trips a data-bearing reply", func() {
		msg := coherence.Message{
			Type:                 coherence.ExRep,
			Sender:               coherence.DirectoryComponent,
			Receiver:              coherence.CacheComponent,
			Requester:            3,
			SingleReceiver:       coherence.InvalidTileID,
			Address:              0x1040,
			Data:                 []byte("ABCDEFGH01234567"),
			Modeled:              true,
			CacheLineUtilization: 64,
		}

		decoded, err := coherence.Decode(msg.Encode())
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(msg))
	})

	It("round-trips large tile IDs through the varint fields", func() {
		msg := coherence.Message{
			Type:           coherence.InvFlushCombinedReq,
			Requester:      1 << 20,
			SingleReceiver: (1 << 20) + 1,
			Address:        0xDEADBEEF,
		}

		decoded, err := coherence.Decode(msg.Encode())
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(msg))
	})

	It("rejects a truncated buffer", func() {
		_, err := coherence.Decode([]byte{1, 2})
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("ModeledLength matches §4.4",
		func(msg coherence.Message, tileIDWidth, want int) {
			Expect(msg.ModeledLength(tileIDWidth)).To(Equal(want))
		},
		Entry("SH_REQ is msg_type+address", coherence.Message{Type: coherence.ShReq}, 1, 1+8),
		Entry("INV_FLUSH_COMBINED_REQ adds a tile-id field",
			coherence.Message{Type: coherence.InvFlushCombinedReq}, 4, 1+8+4),
		Entry("EX_REP adds the payload",
			coherence.Message{Type: coherence.ExRep, Data: make([]byte, 64)}, 1, 1+8+64),
	)
})
