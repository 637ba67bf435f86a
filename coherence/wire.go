package coherence

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Message to its length-prefixed wire form (§6):
//
//	msg_type:u8  sender:u8  receiver:u8  requester:varint
//	single_receiver:varint  reply_expected:u8  address:u64
//	data_length:u32  modeled:u8  cache_line_utilization:u32
//	data: data_length bytes
//
// Fields are written one at a time. The source this protocol was
// distilled from memcpy'd the whole struct over the wire, which breaks the
// moment sender and receiver disagree about struct layout or padding; this
// encoder never does that (§9).
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 3+2*binary.MaxVarintLen64+1+8+4+1+4+len(m.Data))

	buf = append(buf, byte(m.Type), byte(m.Sender), byte(m.Receiver))
	buf = appendUvarint(buf, uint64(m.Requester))
	buf = appendUvarint(buf, uint64(m.SingleReceiver))

	var replyExpected byte
	if m.ReplyExpected {
		replyExpected = 1
	}
	buf = append(buf, replyExpected)

	var addrBytes [8]byte
	binary.LittleEndian.PutUint64(addrBytes[:], m.Address)
	buf = append(buf, addrBytes[:]...)

	var lenBytes [4]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(m.Data)))
	buf = append(buf, lenBytes[:]...)

	var modeled byte
	if m.Modeled {
		modeled = 1
	}
	buf = append(buf, modeled)

	var utilBytes [4]byte
	binary.LittleEndian.PutUint32(utilBytes[:], m.CacheLineUtilization)
	buf = append(buf, utilBytes[:]...)

	if len(m.Data) > 0 {
		buf = append(buf, m.Data...)
	}

	return buf
}

// Decode parses the wire form produced by Encode. It is the left inverse
// of Encode: Decode(m.Encode()) reproduces m's field values (the
// round-trip law of §8).
func Decode(buf []byte) (Message, error) {
	var m Message

	if len(buf) < 3 {
		return m, fmt.Errorf("coherence: message header truncated (%d bytes)", len(buf))
	}
	m.Type = MsgType(buf[0])
	m.Sender = Component(buf[1])
	m.Receiver = Component(buf[2])
	rest := buf[3:]

	requester, n, err := readUvarint(rest)
	if err != nil {
		return m, fmt.Errorf("coherence: requester tile id: %w", err)
	}
	m.Requester = TileID(requester)
	rest = rest[n:]

	singleReceiver, n, err := readUvarint(rest)
	if err != nil {
		return m, fmt.Errorf("coherence: single receiver tile id: %w", err)
	}
	m.SingleReceiver = TileID(singleReceiver)
	rest = rest[n:]

	if len(rest) < 1+8+4+1+4 {
		return m, fmt.Errorf("coherence: message body truncated (%d bytes)", len(rest))
	}
	m.ReplyExpected = rest[0] != 0
	rest = rest[1:]

	m.Address = binary.LittleEndian.Uint64(rest[:8])
	rest = rest[8:]

	dataLen := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]

	m.Modeled = rest[0] != 0
	rest = rest[1:]

	m.CacheLineUtilization = binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]

	if dataLen > 0 {
		if uint32(len(rest)) < dataLen {
			return m, fmt.Errorf("coherence: data payload truncated: want %d, have %d", dataLen, len(rest))
		}
		m.Data = make([]byte, dataLen)
		copy(m.Data, rest[:dataLen])
	}

	return m, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed varint")
	}
	return v, n, nil
}
