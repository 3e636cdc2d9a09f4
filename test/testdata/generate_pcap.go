//go:build ignore
// +build ignore

// This program generates a sample MoldUDP64 pcap file for testing.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"itch-gap/internal/decoder"
	"itch-gap/internal/mold"
	"itch-gap/internal/pcap"
)

func main() {
	filename := "test/testdata/sample.pcap"
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	f, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w, err := pcap.NewWriter(f, true)
	if err != nil {
		panic(err)
	}

	ts := time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC)
	written := 0

	// Helper to write one MoldUDP64 packet 100us after the previous one
	writePacket := func(spec decoder.FrameSpec) {
		frame, err := decoder.BuildFrame(spec)
		if err != nil {
			panic(err)
		}
		ts = ts.Add(100 * time.Microsecond)
		if err := w.WriteFrame(ts, frame); err != nil {
			panic(err)
		}
		written++
	}

	feed := func(session string, vlan uint16, dstPort uint16) func(seq uint64, msgs ...[]byte) {
		spec := decoder.FrameSpec{
			SrcIP:   netip.MustParseAddr("10.10.0.5"),
			DstIP:   netip.MustParseAddr("233.54.12.111"),
			SrcPort: 40001,
			DstPort: dstPort,
			VLAN:    vlan,
		}
		copy(spec.Session[:], session)
		return func(seq uint64, msgs ...[]byte) {
			s := spec
			s.SeqNo = seq
			s.Messages = msgs
			s.CountFromMessages = true
			if len(msgs) == 0 {
				s.MsgCount = mold.EndOfSession
				s.CountFromMessages = false
			}
			writePacket(s)
		}
	}

	addOrder := func(n int) [][]byte {
		msgs := make([][]byte, n)
		for i := range msgs {
			msg := make([]byte, 36)
			msg[0] = 'A'
			msgs[i] = msg
		}
		return msgs
	}

	a := feed("20240301AA", 0, 26400)
	b := feed("20240301BB", 101, 26401)

	// Session A: start of day, a forward gap, a late fill and a retransmission
	a(1, mold.NewSystemEventMessage('O'))
	a(2, mold.NewSystemEventMessage('S'))
	a(3, addOrder(5)...)
	a(8, addOrder(3)...)
	a(15, addOrder(1)...) // 11-14 missing
	a(12, addOrder(1)...) // splits the open range
	a(16, addOrder(4)...)
	a(16, addOrder(4)...)
	a(20, mold.NewSystemEventMessage('Q'))

	// Session B (VLAN 101): starts mid-stream, then receives an earlier packet
	b(500, addOrder(10)...)
	b(490, addOrder(2)...)
	b(510, addOrder(10)...)
	b(530, addOrder(1)...) // 520-529 missing

	a(21, addOrder(8)...)
	a(29, mold.NewSystemEventMessage('M'))
	a(30, mold.NewSystemEventMessage('C'))
	a(31)
	b(531)

	fmt.Printf("Wrote %d packets to %s\n", written, filename)
}
