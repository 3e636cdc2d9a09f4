package types

import (
	"fmt"
	"net/netip"
	"time"
)

// SessionKey identifies one MoldUDP64 feed: UDP 4-tuple, session token and VLAN id.
type SessionKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Session [10]byte
	VLAN    uint16 // 0 when the frame carried no 802.1Q tag
}

// SessionName returns the session token as text.
func (k SessionKey) SessionName() string {
	return string(k.Session[:])
}

// String renders the key for log fields.
func (k SessionKey) String() string {
	s := fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.SessionName())
	if k.VLAN != 0 {
		s += fmt.Sprintf("@vlan%d", k.VLAN)
	}
	return s
}

// Frame is a decoded Ethernet frame carrying a MoldUDP64 packet.
type Frame struct {
	Key           SessionKey
	Tagged        bool   // frame carried an 802.1Q tag
	SeqNo         uint64 // sequence number of the first message in the packet
	MsgCount      uint16
	PayloadOffset int    // offset of the message block within the frame
	Payload       []byte // message block following the MoldUDP64 header
}

// GapRange is an open interval of missing sequence numbers.
// Start and End were observed; everything strictly between them was not.
type GapRange struct {
	Start uint64
	End   uint64
	TS    time.Time // arrival time of the packet that opened (or last split) the range
}

// Missing returns the number of sequence numbers inside the range.
func (g GapRange) Missing() uint64 {
	if g.End <= g.Start+1 {
		return 0
	}
	return g.End - g.Start - 1
}

// Closed reports whether nothing is missing between Start and End.
func (g GapRange) Closed() bool {
	return g.End <= g.Start+1
}

// Contains reports whether seq lies strictly inside the range.
func (g GapRange) Contains(seq uint64) bool {
	return g.Start < seq && seq < g.End
}
