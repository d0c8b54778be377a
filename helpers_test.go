// SPDX-License-Identifier: GPL-3.0-or-later

package pipes_test

import (
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/bassosimone/pipes"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// fakePacket is a [pipes.Packet] without payload.
type fakePacket struct {
	size int
	id   pipes.FlowID
}

func (p *fakePacket) Len() int {
	return p.size
}

func (p *fakePacket) FlowID() pipes.FlowID {
	return p.id
}

// flowFrom returns a UDP flow identifier for the given endpoints.
func flowFrom(src, dst string) pipes.FlowID {
	srcEpnt, dstEpnt := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	return pipes.FlowID{
		Proto:   uint8(layers.IPProtocolUDP),
		Src:     srcEpnt.Addr(),
		Dst:     dstEpnt.Addr(),
		SrcPort: srcEpnt.Port(),
		DstPort: dstEpnt.Port(),
	}
}

// newUDPPacket serializes an IPv4 or IPv6 UDP packet of the given total size.
func newUDPPacket(t *testing.T, src, dst string, size int) *pipes.RawPacket {
	srcEpnt, dstEpnt := netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst)
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcEpnt.Port()), DstPort: layers.UDPPort(dstEpnt.Port())}

	var network gopacket.SerializableLayer
	var headers int
	if srcEpnt.Addr().Is4() {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(srcEpnt.Addr().AsSlice()),
			DstIP:    net.IP(dstEpnt.Addr().AsSlice()),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network, headers = ip, 20+8
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			FlowLabel:  0x12345,
			SrcIP:      net.IP(srcEpnt.Addr().AsSlice()),
			DstIP:      net.IP(dstEpnt.Addr().AsSlice()),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network, headers = ip, 40+8
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(make([]byte, max(size-headers, 0)))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, network, udp, payload))

	pkt, err := pipes.NewRawPacket(buf.Bytes())
	require.NoError(t, err)
	return pkt
}

// delivery is a packet observed by a [*recorder].
type delivery struct {
	pkt pipes.Packet
	dir pipes.Direction
	tag any
}

// recorder collects delivered packets.
type recorder struct {
	mu   sync.Mutex
	pkts []delivery
}

func (r *recorder) deliver(pkt pipes.Packet, dir pipes.Direction, tag any) {
	r.mu.Lock()
	r.pkts = append(r.pkts, delivery{pkt: pkt, dir: dir, tag: tag})
	r.mu.Unlock()
}

// take returns and clears the collected packets.
func (r *recorder) take() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkts := r.pkts
	r.pkts = nil
	return pkts
}

// bytesByTag sums the length of the collected packets by tag.
func (r *recorder) bytesByTag() map[any]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[any]int)
	for _, d := range r.pkts {
		out[d.tag] += d.pkt.Len()
	}
	return out
}

// fixedSource is a [pipes.RandomSource] always returning the same value.
type fixedSource float64

func (f fixedSource) RandU01() float64 {
	return float64(f)
}
