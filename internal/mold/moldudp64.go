package mold

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// HeaderLen is the size of the MoldUDP64 downstream packet header.
	HeaderLen = 20

	// EndOfSession is the MessageCount value that marks the end of a session.
	EndOfSession = 0xFFFF
)

// LayerTypeMoldUDP64 is the gopacket layer type for MoldUDP64 headers.
var LayerTypeMoldUDP64 = gopacket.RegisterLayerType(2064, gopacket.LayerTypeMetadata{
	Name:    "MoldUDP64",
	Decoder: gopacket.DecodeFunc(decodeMoldUDP64),
})

// MoldUDP64 is the downstream packet header: session, sequence number of the
// first message and the number of messages that follow.
type MoldUDP64 struct {
	layers.BaseLayer
	Session        [10]byte
	SequenceNumber uint64
	MessageCount   uint16
}

// LayerType returns LayerTypeMoldUDP64.
func (m *MoldUDP64) LayerType() gopacket.LayerType { return LayerTypeMoldUDP64 }

// CanDecode returns the layer class this layer can decode.
func (m *MoldUDP64) CanDecode() gopacket.LayerClass { return LayerTypeMoldUDP64 }

// NextLayerType returns the type of the message block.
func (m *MoldUDP64) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes decodes the header, refusing buffers shorter than HeaderLen.
func (m *MoldUDP64) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("invalid MoldUDP64 header: length %d less than %d", len(data), HeaderLen)
	}
	copy(m.Session[:], data[:10])
	m.SequenceNumber = binary.BigEndian.Uint64(data[10:18])
	m.MessageCount = binary.BigEndian.Uint16(data[18:20])
	m.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLen], Payload: data[HeaderLen:]}
	return nil
}

// SerializeTo prepends the header to b.
func (m *MoldUDP64) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	hdr, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	copy(hdr[:10], m.Session[:])
	binary.BigEndian.PutUint64(hdr[10:18], m.SequenceNumber)
	binary.BigEndian.PutUint16(hdr[18:20], m.MessageCount)
	return nil
}

func decodeMoldUDP64(data []byte, p gopacket.PacketBuilder) error {
	m := &MoldUDP64{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	return p.NextDecoder(gopacket.LayerTypePayload)
}
