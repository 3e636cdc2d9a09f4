package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// MaxRecordLen is the largest capture length accepted for a record.
const MaxRecordLen = 65536

// MetamakoTrailerLen is the size of the Metamako timestamp trailer appended to
// captured frames: original FCS (4), seconds (4), nanoseconds (4), flags (1),
// device id (2), port id (1), all big-endian.
const MetamakoTrailerLen = 16

// ErrInvalidLength is returned for records with a zero or oversized capture length.
var ErrInvalidLength = errors.New("invalid record length")

// Record is one captured frame.
type Record struct {
	Timestamp  time.Time
	Data       []byte
	WireLength int
}

// Reader reads frames from a classic PCAP stream.
type Reader struct {
	r        *pcapgo.Reader
	closer   io.Closer
	metamako bool
}

// NewReader parses the PCAP global header from src. Microsecond and
// nanosecond captures are accepted in either byte order. With metamako set,
// record timestamps are taken from the Metamako trailer.
func NewReader(src io.Reader, metamako bool) (*Reader, error) {
	r, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		log.WithField("link_type", lt.String()).Warn("PCAP link type is not Ethernet, frames may not decode")
	} else {
		log.WithField("link_type", lt.String()).Debug("PCAP link type detected")
	}

	return &Reader{r: r, metamako: metamako}, nil
}

// Open opens path for reading; "-" reads standard input.
func Open(path string, metamako bool) (*Reader, error) {
	if path == "-" {
		return NewReader(os.Stdin, metamako)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	r, err := NewReader(f, metamako)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// LinkType returns the link type from the global header.
func (r *Reader) LinkType() layers.LinkType {
	return r.r.LinkType()
}

// Next returns the next record. It returns io.EOF at a clean end of stream
// and ErrInvalidLength for a record whose capture length is zero or above
// MaxRecordLen.
func (r *Reader) Next() (Record, error) {
	data, ci, err := r.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read pcap record: %w", err)
	}
	if ci.CaptureLength == 0 || ci.CaptureLength > MaxRecordLen {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidLength, ci.CaptureLength)
	}

	rec := Record{
		Timestamp:  ci.Timestamp,
		Data:       data,
		WireLength: ci.Length,
	}
	if r.metamako {
		if ts, ok := MetamakoTimestamp(data); ok {
			rec.Timestamp = ts
		}
	}
	return rec, nil
}

// Close closes the underlying file. Standard input is left open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// MetamakoTimestamp decodes the timestamp of the Metamako trailer at the end
// of frame. ok is false when the frame is shorter than the trailer.
func MetamakoTimestamp(frame []byte) (time.Time, bool) {
	if len(frame) < MetamakoTrailerLen {
		return time.Time{}, false
	}
	trailer := frame[len(frame)-MetamakoTrailerLen:]
	sec := binary.BigEndian.Uint32(trailer[4:8])
	nsec := binary.BigEndian.Uint32(trailer[8:12])
	return time.Unix(int64(sec), int64(nsec)).UTC(), true
}

// AppendMetamakoTrailer appends a trailer carrying ts to frame. Used to build
// test captures.
func AppendMetamakoTrailer(frame []byte, ts time.Time, device uint16, port uint8) []byte {
	var t [MetamakoTrailerLen]byte
	binary.BigEndian.PutUint32(t[4:8], uint32(ts.Unix()))
	binary.BigEndian.PutUint32(t[8:12], uint32(ts.Nanosecond()))
	binary.BigEndian.PutUint16(t[13:15], device)
	t[15] = port
	return append(frame, t[:]...)
}
