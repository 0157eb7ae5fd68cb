package transport

import "fmt"

// ProtocolVersion is the local wire version (spec.md §4.3 bits 0-1).
// Datagrams carrying any other version are silently dropped.
const ProtocolVersion = 0

// Message types (spec.md §4.3).
const (
	MsgUnreliable          = 0
	MsgUnreliableSequenced = 1
	MsgReliable            = 2
	MsgReliableSequenced   = 3
	MsgReliableOrdered     = 4
)

// headerSize is the fixed 3-byte header: flags, channel, sequence.
const headerSize = 3

type header struct {
	version  byte
	msgType  byte
	isAck    bool
	channel  byte
	sequence byte
}

// decodeHeader parses the first 3 bytes of a datagram. Datagrams under
// 3 bytes are rejected by the caller before this is reached.
func decodeHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, fmt.Errorf("transport: short header (%d bytes)", len(data))
	}
	flags := data[0]
	return header{
		version:  flags & 0x03,
		msgType:  (flags >> 2) & 0x07,
		isAck:    flags&0x20 != 0,
		channel:  data[1],
		sequence: data[2],
	}, nil
}

// encodeHeader packs a 3-byte header per spec.md §4.3:
// byte 0: [isAck:1][reserved:2][msgType:3][version:2], LSB first.
func encodeHeader(msgType byte, isAck bool, channel, sequence byte) []byte {
	flags := ProtocolVersion & 0x03
	flags |= (msgType & 0x07) << 2
	if isAck {
		flags |= 0x20
	}
	return []byte{flags, channel, sequence}
}

// encodeAck builds the 3-byte ack-only datagram for (channel, sequence).
// Per spec.md §9, the byte is isAck=1, msgType=2 — the source's literal
// 0x28-or-version encoding — but the receive path (decodeHeader, above)
// reads isAck in isolation and ignores msgType on ack frames.
func encodeAck(channel, sequence byte) []byte {
	return encodeHeader(MsgReliable, true, channel, sequence)
}
