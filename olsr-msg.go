package manet

// olsr-msg.go holds the OLSR control messages and their RFC 3626 wire format.
// One packet carries a 4 byte packet header and one or more messages, each
// message a 12 byte header followed by the HELLO, TC or MID body.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"strings"
)

// OlsrPort is the UDP port OLSR packets are sent to and from
const OlsrPort = 698

// MessageType is the OLSR message type code
type MessageType uint8

const (
	HelloMessage MessageType = 1
	TcMessage    MessageType = 2
	MidMessage   MessageType = 3
)

var msgTypeToStr map[MessageType]string = map[MessageType]string{HelloMessage: "HELLO", TcMessage: "TC", MidMessage: "MID"}

func (mt MessageType) String() string {
	if str, present := msgTypeToStr[mt]; present {
		return str
	}
	return fmt.Sprintf("type-%d", uint8(mt))
}

// link types, the low two bits of a link code
const (
	UnspecLink uint8 = 0
	AsymLink   uint8 = 1
	SymLink    uint8 = 2
	LostLink   uint8 = 3
)

// neighbor types, the next two bits of a link code
const (
	NotNeigh uint8 = 0
	SymNeigh uint8 = 1
	MprNeigh uint8 = 2
)

// willingness to carry traffic for others
const (
	WillNever   = 0
	WillLow     = 1
	WillDefault = 3
	WillHigh    = 6
	WillAlways  = 7
)

const (
	packetHeaderBytes = 4
	msgHeaderBytes    = 12
	helloHeaderBytes  = 4
	tcHeaderBytes     = 4
	linkHeaderBytes   = 4
	addrBytes         = 4
)

// olsrC is the scaling factor of the mantissa/exponent time encoding, in seconds
const olsrC = 0.0625

var errShortBuffer = errors.New("olsr: truncated packet")

// LinkCode packs a link type and a neighbor type into one byte
func LinkCode(linkType, neighType uint8) uint8 {
	return (neighType << 2) | (linkType & 0x03)
}

// splitLinkCode is the inverse of LinkCode
func splitLinkCode(code uint8) (linkType uint8, neighType uint8) {
	return code & 0x03, (code >> 2) & 0x03
}

// LinkBlock is one link message of a HELLO: a link code and the neighbors it applies to
type LinkBlock struct {
	LinkCode  uint8
	Neighbors []netip.Addr
}

// HelloBody is the body of a HELLO message
type HelloBody struct {
	HTime       float64
	Willingness uint8
	Links       []LinkBlock
}

// TcBody is the body of a TC message
type TcBody struct {
	ANSN       uint16
	Advertised []netip.Addr
}

// MidBody is the body of a MID message
type MidBody struct {
	Addrs []netip.Addr
}

// ControlMessage is one OLSR message.  Exactly one of Hello, Tc and Mid is set, per Type.
type ControlMessage struct {
	Type       MessageType
	VTime      float64
	Originator netip.Addr
	TTL        uint8
	HopCount   uint8
	Seq        uint16
	Hello      *HelloBody
	Tc         *TcBody
	Mid        *MidBody
}

// OlsrPacket is what goes in the UDP payload
type OlsrPacket struct {
	Seq      uint16
	Messages []ControlMessage
}

func (cm *ControlMessage) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s orig %s seq %d ttl %d hops %d", cm.Type, cm.Originator, cm.Seq, cm.TTL, cm.HopCount)
	switch cm.Type {
	case HelloMessage:
		for _, lb := range cm.Hello.Links {
			lt, nt := splitLinkCode(lb.LinkCode)
			fmt.Fprintf(&sb, " [link %d neigh %d: %s]", lt, nt, joinAddrs(lb.Neighbors))
		}
	case TcMessage:
		fmt.Fprintf(&sb, " ansn %d [%s]", cm.Tc.ANSN, joinAddrs(cm.Tc.Advertised))
	case MidMessage:
		fmt.Fprintf(&sb, " [%s]", joinAddrs(cm.Mid.Addrs))
	}
	return sb.String()
}

func joinAddrs(addrs []netip.Addr) string {
	strs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strs = append(strs, addr.String())
	}
	return strings.Join(strs, " ")
}

// EncodeOlsrTime converts seconds to the 8 bit mantissa/exponent form of RFC 3626 section 18.3,
// value = C*(1+a/16)*2^b with a in the high nibble and b in the low nibble
func EncodeOlsrTime(secs float64) uint8 {
	if secs < olsrC {
		secs = olsrC
	}
	// find the largest b such that secs/C >= 2^b
	b := 1
	for secs/olsrC >= float64(int(1)<<b) {
		b++
		if b > 15 {
			break
		}
	}
	b--
	a := int(math.Ceil(16*(secs/(olsrC*float64(int(1)<<b))-1) - 0.5))
	if a == 16 {
		b += 1
		a = 0
	}
	if b > 15 || a > 15 {
		return 0xff
	}
	return uint8((a << 4) | b)
}

// DecodeOlsrTime is the inverse of EncodeOlsrTime
func DecodeOlsrTime(code uint8) float64 {
	a := float64(code >> 4)
	b := int(code & 0x0f)
	return olsrC * (1 + a/16) * float64(int(1)<<b)
}

// size is the wire length of the message, header included
func (cm *ControlMessage) size() int {
	n := msgHeaderBytes
	switch cm.Type {
	case HelloMessage:
		n += helloHeaderBytes
		for _, lb := range cm.Hello.Links {
			n += linkHeaderBytes + addrBytes*len(lb.Neighbors)
		}
	case TcMessage:
		n += tcHeaderBytes + addrBytes*len(cm.Tc.Advertised)
	case MidMessage:
		n += addrBytes * len(cm.Mid.Addrs)
	}
	return n
}

func appendAddr(buf []byte, addr netip.Addr) []byte {
	a4 := addr.As4()
	return append(buf, a4[:]...)
}

// Marshal serializes the packet in network byte order
func (pkt *OlsrPacket) Marshal() ([]byte, error) {
	total := packetHeaderBytes
	for idx := range pkt.Messages {
		total += pkt.Messages[idx].size()
	}
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("olsr: packet of %d bytes too long", total)
	}

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(total))
	buf = binary.BigEndian.AppendUint16(buf, pkt.Seq)

	for idx := range pkt.Messages {
		cm := &pkt.Messages[idx]
		if !cm.Originator.Is4() {
			return nil, fmt.Errorf("olsr: originator %s is not IPv4", cm.Originator)
		}
		buf = append(buf, uint8(cm.Type), EncodeOlsrTime(cm.VTime))
		buf = binary.BigEndian.AppendUint16(buf, uint16(cm.size()))
		buf = appendAddr(buf, cm.Originator)
		buf = append(buf, cm.TTL, cm.HopCount)
		buf = binary.BigEndian.AppendUint16(buf, cm.Seq)

		switch cm.Type {
		case HelloMessage:
			buf = binary.BigEndian.AppendUint16(buf, 0)
			buf = append(buf, EncodeOlsrTime(cm.Hello.HTime), cm.Hello.Willingness)
			for _, lb := range cm.Hello.Links {
				buf = append(buf, lb.LinkCode, 0)
				buf = binary.BigEndian.AppendUint16(buf, uint16(linkHeaderBytes+addrBytes*len(lb.Neighbors)))
				for _, addr := range lb.Neighbors {
					buf = appendAddr(buf, addr)
				}
			}
		case TcMessage:
			buf = binary.BigEndian.AppendUint16(buf, cm.Tc.ANSN)
			buf = binary.BigEndian.AppendUint16(buf, 0)
			for _, addr := range cm.Tc.Advertised {
				buf = appendAddr(buf, addr)
			}
		case MidMessage:
			for _, addr := range cm.Mid.Addrs {
				buf = appendAddr(buf, addr)
			}
		default:
			return nil, fmt.Errorf("olsr: cannot encode %s", cm.Type)
		}
	}
	return buf, nil
}

func readAddrs(body []byte) ([]netip.Addr, error) {
	if len(body)%addrBytes != 0 {
		return nil, fmt.Errorf("olsr: address list of %d bytes", len(body))
	}
	addrs := make([]netip.Addr, 0, len(body)/addrBytes)
	for off := 0; off < len(body); off += addrBytes {
		addrs = append(addrs, netip.AddrFrom4([4]byte(body[off:off+addrBytes])))
	}
	return addrs, nil
}

// UnmarshalOlsrPacket parses an OLSR packet.  Any length inconsistency or unknown
// message type makes the whole packet malformed.
func UnmarshalOlsrPacket(data []byte) (*OlsrPacket, error) {
	if len(data) < packetHeaderBytes {
		return nil, errShortBuffer
	}
	pktLen := int(binary.BigEndian.Uint16(data[0:2]))
	if pktLen != len(data) {
		return nil, fmt.Errorf("olsr: packet length %d but %d bytes received", pktLen, len(data))
	}
	pkt := &OlsrPacket{Seq: binary.BigEndian.Uint16(data[2:4])}

	off := packetHeaderBytes
	for off < len(data) {
		if len(data)-off < msgHeaderBytes {
			return nil, errShortBuffer
		}
		hdr := data[off : off+msgHeaderBytes]
		msgSize := int(binary.BigEndian.Uint16(hdr[2:4]))
		if msgSize < msgHeaderBytes || off+msgSize > len(data) {
			return nil, fmt.Errorf("olsr: message size %d at offset %d", msgSize, off)
		}
		cm := ControlMessage{
			Type:       MessageType(hdr[0]),
			VTime:      DecodeOlsrTime(hdr[1]),
			Originator: netip.AddrFrom4([4]byte(hdr[4:8])),
			TTL:        hdr[8],
			HopCount:   hdr[9],
			Seq:        binary.BigEndian.Uint16(hdr[10:12]),
		}
		body := data[off+msgHeaderBytes : off+msgSize]

		var err error
		switch cm.Type {
		case HelloMessage:
			cm.Hello, err = unmarshalHello(body)
		case TcMessage:
			if len(body) < tcHeaderBytes {
				return nil, errShortBuffer
			}
			cm.Tc = &TcBody{ANSN: binary.BigEndian.Uint16(body[0:2])}
			cm.Tc.Advertised, err = readAddrs(body[tcHeaderBytes:])
		case MidMessage:
			cm.Mid = &MidBody{}
			cm.Mid.Addrs, err = readAddrs(body)
		default:
			err = fmt.Errorf("olsr: unknown message type %d", hdr[0])
		}
		if err != nil {
			return nil, err
		}
		pkt.Messages = append(pkt.Messages, cm)
		off += msgSize
	}
	return pkt, nil
}

func unmarshalHello(body []byte) (*HelloBody, error) {
	if len(body) < helloHeaderBytes {
		return nil, errShortBuffer
	}
	hb := &HelloBody{HTime: DecodeOlsrTime(body[2]), Willingness: body[3]}
	off := helloHeaderBytes
	for off < len(body) {
		if len(body)-off < linkHeaderBytes {
			return nil, errShortBuffer
		}
		lmSize := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		if lmSize < linkHeaderBytes || off+lmSize > len(body) {
			return nil, fmt.Errorf("olsr: link message size %d", lmSize)
		}
		addrs, err := readAddrs(body[off+linkHeaderBytes : off+lmSize])
		if err != nil {
			return nil, err
		}
		hb.Links = append(hb.Links, LinkBlock{LinkCode: body[off], Neighbors: addrs})
		off += lmSize
	}
	return hb, nil
}
