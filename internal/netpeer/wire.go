package netpeer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire protocol. Every packet and frame starts with the same 5-byte header;
// announce packets describe a node, data frames carry a 64-bit type hash and
// an opaque payload. All integers are big-endian.
const (
	protocolVersion = 0x02

	typeAnnounce = 0x01
	typeData     = 0x02

	headerLen = 5

	// Data packets over UDP carry fragmentation fields so payloads larger
	// than the MTU can be split and reassembled.
	dataHeaderLen = headerLen + 2 + 2 + 2 + 8
)

var magic = [3]byte{0xE2, 0x98, 0xA6}

var (
	errBadMagic   = errors.New("netpeer: bad magic")
	errBadVersion = errors.New("netpeer: unsupported protocol version")
	errShortRead  = errors.New("netpeer: truncated packet")
)

func putHeader(b []byte, packetType byte) {
	copy(b, magic[:])
	b[3] = protocolVersion
	b[4] = packetType
}

func checkHeader(b []byte) (packetType byte, err error) {
	if len(b) < headerLen {
		return 0, errShortRead
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return 0, errBadMagic
	}
	if b[3] != protocolVersion {
		return 0, errBadVersion
	}
	return b[4], nil
}

// announcement is the periodic presence beacon and the TCP side-channel
// greeting. Layout after the header: name_len u16, name, tcp_port u16,
// udp_port u16.
type announcement struct {
	TCPPort uint16
	UDPPort uint16
	Name    string
}

func (a announcement) encode() []byte {
	b := make([]byte, headerLen+2+len(a.Name)+4)
	putHeader(b, typeAnnounce)
	binary.BigEndian.PutUint16(b[5:], uint16(len(a.Name)))
	copy(b[7:], a.Name)
	off := 7 + len(a.Name)
	binary.BigEndian.PutUint16(b[off:], a.TCPPort)
	binary.BigEndian.PutUint16(b[off+2:], a.UDPPort)
	return b
}

func decodeAnnouncement(b []byte) (announcement, error) {
	var a announcement
	if len(b) < headerLen+2 {
		return a, errShortRead
	}
	n := int(binary.BigEndian.Uint16(b[5:]))
	if len(b) < headerLen+2+n+4 {
		return a, errShortRead
	}
	a.Name = string(b[7 : 7+n])
	off := 7 + n
	a.TCPPort = binary.BigEndian.Uint16(b[off:])
	a.UDPPort = binary.BigEndian.Uint16(b[off+2:])
	return a, nil
}

// dataPacket is one UDP fragment of a typed message.
type dataPacket struct {
	PacketID  uint16
	FragIndex uint16
	FragCount uint16
	Hash      uint64
	Payload   []byte
}

func (p dataPacket) encode() []byte {
	b := make([]byte, dataHeaderLen+len(p.Payload))
	putHeader(b, typeData)
	binary.BigEndian.PutUint16(b[5:], p.PacketID)
	binary.BigEndian.PutUint16(b[7:], p.FragIndex)
	binary.BigEndian.PutUint16(b[9:], p.FragCount)
	binary.BigEndian.PutUint64(b[11:], p.Hash)
	copy(b[dataHeaderLen:], p.Payload)
	return b
}

func decodeDataPacket(b []byte) (dataPacket, error) {
	var p dataPacket
	if len(b) < dataHeaderLen {
		return p, errShortRead
	}
	p.PacketID = binary.BigEndian.Uint16(b[5:])
	p.FragIndex = binary.BigEndian.Uint16(b[7:])
	p.FragCount = binary.BigEndian.Uint16(b[9:])
	p.Hash = binary.BigEndian.Uint64(b[11:])
	p.Payload = b[dataHeaderLen:]
	return p, nil
}

// writeFrame sends a length-prefixed message over the TCP side channel:
// header, u32 body length, u64 hash, payload.
func writeFrame(w io.Writer, packetType byte, hash uint64, payload []byte) error {
	b := make([]byte, headerLen+4+8+len(payload))
	putHeader(b, packetType)
	binary.BigEndian.PutUint32(b[5:], uint32(8+len(payload)))
	binary.BigEndian.PutUint64(b[9:], hash)
	copy(b[17:], payload)
	_, err := w.Write(b)
	return err
}

// readFrame reads one framed message, looping until the advertised length
// is fully satisfied; short reads on a stream are routine, not errors.
func readFrame(r io.Reader) (packetType byte, hash uint64, payload []byte, err error) {
	var head [headerLen + 4]byte
	if _, err = io.ReadFull(r, head[:]); err != nil {
		return 0, 0, nil, err
	}
	if packetType, err = checkHeader(head[:]); err != nil {
		return 0, 0, nil, err
	}

	length := binary.BigEndian.Uint32(head[5:])
	if length < 8 {
		return 0, 0, nil, fmt.Errorf("netpeer: frame body too short: %d", length)
	}
	if length > 64<<20 {
		return 0, 0, nil, fmt.Errorf("netpeer: frame body too large: %d", length)
	}

	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}
	return packetType, binary.BigEndian.Uint64(body), body[8:], nil
}
