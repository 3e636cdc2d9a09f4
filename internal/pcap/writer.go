package pcap

import (
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer writes Ethernet frames as a classic PCAP stream.
type Writer struct {
	w *pcapgo.Writer
}

// NewWriter writes the global header to dst. nanos selects nanosecond
// timestamp resolution.
func NewWriter(dst io.Writer, nanos bool) (*Writer, error) {
	var w *pcapgo.Writer
	if nanos {
		w = pcapgo.NewWriterNanos(dst)
	} else {
		w = pcapgo.NewWriter(dst)
	}
	if err := w.WriteFileHeader(MaxRecordLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: w}, nil
}

// WriteFrame appends one record.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := w.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("failed to write pcap record: %w", err)
	}
	return nil
}
