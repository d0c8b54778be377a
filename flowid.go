// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FlowID identifies the flow a packet belongs to.
//
// The zero value is the identifier every packet maps to when
// the flow set has no mask.
type FlowID struct {
	// Proto is the IP protocol number.
	Proto uint8

	// Src is the source address.
	Src netip.Addr

	// Dst is the destination address.
	Dst netip.Addr

	// SrcPort is the TCP/UDP source port.
	SrcPort uint16

	// DstPort is the TCP/UDP destination port.
	DstPort uint16

	// FlowLabel is the IPv6 flow label.
	FlowLabel uint32
}

// String returns a human readable representation of the flow.
func (id FlowID) String() string {
	return fmt.Sprintf("%d %s:%d -> %s:%d/%d", id.Proto, addrString(id.Src),
		id.SrcPort, addrString(id.Dst), id.DstPort, id.FlowLabel)
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return "*"
	}
	return addr.String()
}

// FlowMask selects which bits of a [FlowID] a flow set uses
// to tell flows apart. IPv4 masks are written as IPv4 addresses
// (e.g., 255.255.255.0) and IPv6 masks as IPv6 addresses.
type FlowMask struct {
	Proto     uint8      `json:"proto,omitempty" yaml:"proto,omitempty"`
	SrcIP     netip.Addr `json:"src_ip,omitzero" yaml:"src_ip"`
	DstIP     netip.Addr `json:"dst_ip,omitzero" yaml:"dst_ip"`
	SrcIP6    netip.Addr `json:"src_ip6,omitzero" yaml:"src_ip6"`
	DstIP6    netip.Addr `json:"dst_ip6,omitzero" yaml:"dst_ip6"`
	SrcPort   uint16     `json:"src_port,omitempty" yaml:"src_port,omitempty"`
	DstPort   uint16     `json:"dst_port,omitempty" yaml:"dst_port,omitempty"`
	FlowLabel uint32     `json:"flow_label,omitempty" yaml:"flow_label,omitempty"`
}

// IsZero returns whether the mask ignores every field.
func (m FlowMask) IsZero() bool {
	return m.Proto == 0 && m.SrcPort == 0 && m.DstPort == 0 && m.FlowLabel == 0 &&
		addrIsZero(m.SrcIP) && addrIsZero(m.DstIP) && addrIsZero(m.SrcIP6) && addrIsZero(m.DstIP6)
}

func addrIsZero(addr netip.Addr) bool {
	return !addr.IsValid() || addr.IsUnspecified()
}

// Apply returns the masked identifier.
func (m FlowMask) Apply(id FlowID) FlowID {
	if m.IsZero() {
		return FlowID{}
	}
	return FlowID{
		Proto:     id.Proto & m.Proto,
		Src:       maskAddr(id.Src, m.SrcIP, m.SrcIP6),
		Dst:       maskAddr(id.Dst, m.DstIP, m.DstIP6),
		SrcPort:   id.SrcPort & m.SrcPort,
		DstPort:   id.DstPort & m.DstPort,
		FlowLabel: id.FlowLabel & m.FlowLabel,
	}
}

// maskAddr masks addr using the mask of the same family. The
// address family survives masking, so IPv4 and IPv6 flows never
// share a queue unless the whole mask is zero.
func maskAddr(addr, mask4, mask6 netip.Addr) netip.Addr {
	switch {
	case addr.Is4():
		var out [4]byte
		if mask4.Is4() {
			a, m := addr.As4(), mask4.As4()
			for idx := range out {
				out[idx] = a[idx] & m[idx]
			}
		}
		return netip.AddrFrom4(out)

	case addr.Is6():
		var out [16]byte
		if mask6.Is6() {
			a, m := addr.As16(), mask6.As16()
			for idx := range out {
				out[idx] = a[idx] & m[idx]
			}
		}
		return netip.AddrFrom16(out)

	default:
		return netip.Addr{}
	}
}

// errNotIP indicates a buffer that is neither IPv4 nor IPv6.
var errNotIP = errors.New("pipes: not an IPv4 or IPv6 packet")

// ParseFlowID extracts the [FlowID] from a raw IPv4 or IPv6 packet.
//
// Transport ports are only filled for TCP and UDP. Unknown transport
// protocols are not an error: the identifier just has zero ports.
func ParseFlowID(packet []byte) (FlowID, error) {
	if len(packet) == 0 {
		return FlowID{}, errNotIP
	}

	var (
		ip4     layers.IPv4
		ip6     layers.IPv6
		tcp     layers.TCP
		udp     layers.UDP
		icmp4   layers.ICMPv4
		icmp6   layers.ICMPv6
		payload gopacket.Payload
	)

	var first gopacket.LayerType
	switch packet[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return FlowID{}, errNotIP
	}

	parser := gopacket.NewDecodingLayerParser(first, &ip4, &ip6, &tcp, &udp, &icmp4, &icmp6, &payload)
	decoded := make([]gopacket.LayerType, 0, 4)
	if err := parser.DecodeLayers(packet, &decoded); err != nil {
		var unsupported gopacket.UnsupportedLayerType
		if !errors.As(err, &unsupported) {
			return FlowID{}, err
		}
	}

	var id FlowID
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			id.Proto = uint8(ip4.Protocol)
			id.Src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
			id.Dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())

		case layers.LayerTypeIPv6:
			id.Proto = uint8(ip6.NextHeader)
			id.Src, _ = netip.AddrFromSlice(ip6.SrcIP.To16())
			id.Dst, _ = netip.AddrFromSlice(ip6.DstIP.To16())
			id.FlowLabel = ip6.FlowLabel

		case layers.LayerTypeTCP:
			id.SrcPort, id.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)

		case layers.LayerTypeUDP:
			id.SrcPort, id.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		}
	}
	if !id.Src.IsValid() || !id.Dst.IsValid() {
		return FlowID{}, errNotIP
	}
	return id, nil
}

// Packet is a packet handed to a [*Scheduler].
//
// The scheduler never reads or copies the packet payload: it only
// needs the packet length and its flow identifier.
type Packet interface {
	// Len returns the packet length in bytes.
	Len() int

	// FlowID returns the packet flow identifier.
	FlowID() FlowID
}

// RawPacket is a [Packet] wrapping a raw IPv4 or IPv6 packet.
//
// Construct using [NewRawPacket].
type RawPacket struct {
	data []byte
	id   FlowID
}

var _ Packet = &RawPacket{}

// NewRawPacket classifies the given raw packet using [ParseFlowID].
//
// The returned [*RawPacket] borrows data without copying it.
func NewRawPacket(data []byte) (*RawPacket, error) {
	id, err := ParseFlowID(data)
	if err != nil {
		return nil, err
	}
	return &RawPacket{data: data, id: id}, nil
}

// Bytes returns the raw packet bytes.
func (p *RawPacket) Bytes() []byte {
	return p.data
}

// Len implements [Packet].
func (p *RawPacket) Len() int {
	return len(p.data)
}

// FlowID implements [Packet].
func (p *RawPacket) FlowID() FlowID {
	return p.id
}

// Direction tells whether a packet was intercepted on input or output.
//
// The scheduler does not interpret it and just hands it back on delivery.
type Direction int

const (
	// DirectionOut is the output path.
	DirectionOut = Direction(iota)

	// DirectionIn is the input path.
	DirectionIn
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	default:
		return "out"
	}
}

// Verdict is the outcome of submitting a packet.
type Verdict int

const (
	// Accepted means the scheduler owns the packet until delivery.
	Accepted = Verdict(iota)

	// Dropped means the packet was not admitted and the caller still owns it.
	Dropped
)

// String implements [fmt.Stringer].
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	default:
		return "dropped"
	}
}

// descriptor wraps a queued packet with its scheduling metadata.
type descriptor struct {
	// dir is the packet direction.
	dir Direction

	// due is the tick at which the packet leaves the delay line.
	due SortKey

	// length is the cached packet length.
	length int

	// pkt is the wrapped packet.
	pkt Packet

	// tag is the redelivery tag.
	tag any
}
