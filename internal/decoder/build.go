package decoder

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"itch-gap/internal/mold"
)

var (
	defaultSrcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	defaultDstMAC = net.HardwareAddr{0x01, 0x00, 0x5e, 0x36, 0x0c, 0x01}
)

// FrameSpec describes an Ethernet frame carrying one MoldUDP64 packet.
type FrameSpec struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	VLAN     uint16 // 0 builds an untagged frame
	Session  [10]byte
	SeqNo    uint64
	MsgCount uint16   // written as is; 0 is a heartbeat
	Messages [][]byte // ITCH messages, each written with its length prefix

	// CountFromMessages replaces MsgCount with len(Messages).
	CountFromMessages bool
}

// BuildFrame serializes spec into an Ethernet frame. It is the inverse of
// FrameDecoder.Decode and is used to produce captures.
func BuildFrame(spec FrameSpec) ([]byte, error) {
	if !spec.SrcIP.Is4() || !spec.DstIP.Is4() {
		return nil, fmt.Errorf("frame addresses must be IPv4: %s -> %s", spec.SrcIP, spec.DstIP)
	}

	count := spec.MsgCount
	if spec.CountFromMessages {
		count = uint16(len(spec.Messages))
	}
	var block []byte
	for _, msg := range spec.Messages {
		block = mold.AppendMessage(block, msg)
	}

	src, dst := spec.SrcIP.As4(), spec.DstIP.As4()
	eth := &layers.Ethernet{SrcMAC: defaultSrcMAC, DstMAC: defaultDstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src[:]),
		DstIP:    net.IP(dst[:]),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(spec.SrcPort), DstPort: layers.UDPPort(spec.DstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to set checksum layer: %w", err)
	}
	hdr := &mold.MoldUDP64{Session: spec.Session, SequenceNumber: spec.SeqNo, MessageCount: count}

	ls := []gopacket.SerializableLayer{eth}
	if spec.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: spec.VLAN, Type: layers.EthernetTypeIPv4})
	}
	ls = append(ls, ip, udp, hdr, gopacket.Payload(block))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
