package pcap

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"itch-gap/internal/decoder"
	"itch-gap/internal/mold"
	"itch-gap/pkg/types"
)

// SessionCount summarizes the MoldUDP64 packets of one session.
type SessionCount struct {
	Key      types.SessionKey
	Packets  int
	Messages uint64
	FirstSeq uint64
	LastSeq  uint64 // sequence number of the last message of the highest packet
	EndSeen  bool   // an end-of-session packet was seen
}

// CountSessions reads every record from r and tallies MoldUDP64 packets per
// session in first-seen order, without tracking gaps.
func CountSessions(r *Reader, ports []int) ([]SessionCount, error) {
	dec := decoder.NewFrameDecoder(ports)
	index := make(map[types.SessionKey]int)
	var counts []SessionCount
	total := 0

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return counts, fmt.Errorf("after %d records: %w", total, err)
		}
		total++

		frame, err := dec.Decode(rec.Data)
		if err != nil || frame == nil {
			continue
		}

		i, ok := index[frame.Key]
		if !ok {
			i = len(counts)
			index[frame.Key] = i
			counts = append(counts, SessionCount{Key: frame.Key, FirstSeq: frame.SeqNo})
		}
		c := &counts[i]
		c.Packets++

		if frame.MsgCount == mold.EndOfSession {
			c.EndSeen = true
			continue
		}
		c.Messages += uint64(frame.MsgCount)
		last := frame.SeqNo
		if frame.MsgCount > 0 {
			last += uint64(frame.MsgCount) - 1
		}
		if last > c.LastSeq {
			c.LastSeq = last
		}
		if frame.SeqNo < c.FirstSeq {
			c.FirstSeq = frame.SeqNo
		}
	}

	log.WithFields(log.Fields{
		"total_packets": total,
		"sessions":      len(counts),
	}).Info("PCAP scan complete")

	return counts, nil
}
