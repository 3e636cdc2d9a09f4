package decoder

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"itch-gap/internal/mold"
	"itch-gap/pkg/types"
)

// ErrMalformed is returned for frames too short for the headers they announce.
var ErrMalformed = errors.New("malformed frame")

// FrameDecoder extracts the session key and MoldUDP64 header from Ethernet frames.
// It reuses its layer structs between calls and is not safe for concurrent use.
type FrameDecoder struct {
	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	ip4    layers.IPv4
	udp    layers.UDP
	mold   mold.MoldUDP64
	parser *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
	ports   map[uint16]struct{}
}

// NewFrameDecoder creates a decoder. When ports is non-empty only datagrams
// with a source or destination port in the list are decoded.
func NewFrameDecoder(ports []int) *FrameDecoder {
	d := &FrameDecoder{
		decoded: make([]gopacket.LayerType, 0, 8),
	}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &d.eth, &d.dot1q, &d.ip4, &d.udp)
	// Stop quietly at IPv6, ARP, fragments and the UDP payload.
	d.parser.IgnoreUnsupported = true

	if len(ports) > 0 {
		d.ports = make(map[uint16]struct{}, len(ports))
		for _, p := range ports {
			d.ports[uint16(p)] = struct{}{}
		}
	}
	return d
}

// Decode returns the MoldUDP64 frame carried by data. It returns (nil, nil)
// when the frame is not IPv4/UDP (optionally single-tagged) and wraps
// ErrMalformed when a header is cut short.
func (d *FrameDecoder) Decode(data []byte) (*types.Frame, error) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	tags := 0
	hasUDP := false
	offset := 0
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			offset += len(d.eth.Contents)
		case layers.LayerTypeDot1Q:
			tags++
			offset += len(d.dot1q.Contents)
		case layers.LayerTypeIPv4:
			offset += len(d.ip4.Contents)
		case layers.LayerTypeUDP:
			hasUDP = true
			offset += len(d.udp.Contents)
		}
	}

	if !hasUDP || tags > 1 {
		return nil, nil
	}
	if d.eth.EthernetType != layers.EthernetTypeIPv4 && d.eth.EthernetType != layers.EthernetTypeDot1Q {
		return nil, nil
	}
	if !d.portAllowed(uint16(d.udp.SrcPort), uint16(d.udp.DstPort)) {
		return nil, nil
	}

	if err := d.mold.DecodeFromBytes(d.udp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	src, ok := netip.AddrFromSlice(d.ip4.SrcIP.To4())
	if !ok {
		return nil, fmt.Errorf("%w: bad IPv4 source address", ErrMalformed)
	}
	dst, ok := netip.AddrFromSlice(d.ip4.DstIP.To4())
	if !ok {
		return nil, fmt.Errorf("%w: bad IPv4 destination address", ErrMalformed)
	}

	frame := &types.Frame{
		Key: types.SessionKey{
			SrcIP:   src,
			DstIP:   dst,
			SrcPort: uint16(d.udp.SrcPort),
			DstPort: uint16(d.udp.DstPort),
			Session: d.mold.Session,
		},
		Tagged:        tags == 1,
		SeqNo:         d.mold.SequenceNumber,
		MsgCount:      d.mold.MessageCount,
		PayloadOffset: offset + mold.HeaderLen,
		Payload:       d.mold.LayerPayload(),
	}
	if frame.Tagged {
		frame.Key.VLAN = d.dot1q.VLANIdentifier
	}
	return frame, nil
}

func (d *FrameDecoder) portAllowed(src, dst uint16) bool {
	if d.ports == nil {
		return true
	}
	_, okSrc := d.ports[src]
	_, okDst := d.ports[dst]
	return okSrc || okDst
}
