package session

import (
	"time"

	"itch-gap/internal/mold"
	"itch-gap/pkg/types"
)

// Outcome classifies how a packet related to the session's sequence.
type Outcome int

const (
	OutcomeInOrder       Outcome = iota // next expected sequence number
	OutcomeHeartbeat                    // same sequence number as the last one seen
	OutcomeEndOfSession                 // next expected sequence number, end-of-session count
	OutcomeEarlyGap                     // before SeqStart by more than one
	OutcomeEarlyAdjacent                // immediately before SeqStart
	OutcomeFill                         // arrived inside an open gap range
	OutcomeUnmatched                    // behind SeqCurrent but in no open range
	OutcomeGap                          // forward jump, opens a new range
)

var outcomeNames = map[Outcome]string{
	OutcomeInOrder:       "in_order",
	OutcomeHeartbeat:     "heartbeat",
	OutcomeEndOfSession:  "end_of_session",
	OutcomeEarlyGap:      "early_gap",
	OutcomeEarlyAdjacent: "early_adjacent",
	OutcomeFill:          "fill",
	OutcomeUnmatched:     "unmatched",
	OutcomeGap:           "gap",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// OutOfOrder reports whether the outcome counts as an out-of-order arrival.
func (o Outcome) OutOfOrder() bool {
	return o == OutcomeEarlyAdjacent || o == OutcomeFill || o == OutcomeUnmatched
}

// State is the sequencing state of one session.
type State struct {
	Key types.SessionKey

	SeqStart   uint64 // lowest sequence number seen
	SeqCurrent uint64 // highest sequence number accounted for

	MessageCount    uint64 // messages seen, including retransmissions
	OOOCount        uint64 // out-of-order arrivals since the last flush
	GapMessageCount uint64 // messages ever reported missing; never decremented

	Gaps        *GapSet
	LastStatsTS time.Time
}

func newState(key types.SessionKey, seqNo uint64, msgCount uint16) *State {
	s := &State{
		Key:        key,
		SeqStart:   seqNo,
		SeqCurrent: seqNo,
		Gaps:       NewGapSet(),
	}
	// The creating packet's messages are accounted for.
	if msgCount > 0 && msgCount != mold.EndOfSession {
		s.SeqCurrent = seqNo + uint64(msgCount) - 1
	}
	return s
}

// Track updates the state for a packet whose first message has sequence
// number seqNo and returns how it was classified.
func (s *State) Track(seqNo uint64, msgCount uint16, ts time.Time) Outcome {
	cur := s.SeqCurrent

	switch {
	case seqNo == cur+1:
		if msgCount == mold.EndOfSession {
			return OutcomeEndOfSession
		}
		s.SeqCurrent += uint64(msgCount)
		return OutcomeInOrder

	case seqNo == cur:
		return OutcomeHeartbeat

	case seqNo < s.SeqStart:
		if s.SeqStart-seqNo > 1 {
			s.Gaps.Add(types.GapRange{Start: seqNo, End: s.SeqStart, TS: ts})
			s.SeqStart = seqNo
			return OutcomeEarlyGap
		}
		s.OOOCount++
		return OutcomeEarlyAdjacent

	case seqNo < cur:
		s.OOOCount++
		if s.Gaps.Fill(seqNo, ts) {
			return OutcomeFill
		}
		return OutcomeUnmatched

	default:
		s.Gaps.Add(types.GapRange{Start: cur, End: seqNo, TS: ts})
		s.GapMessageCount += seqNo - cur - 1
		s.SeqCurrent = seqNo
		return OutcomeGap
	}
}

// StatsDue reports whether at least interval has passed since the last
// stats line for this session.
func (s *State) StatsDue(ts time.Time, interval time.Duration) bool {
	return ts.Sub(s.LastStatsTS) >= interval
}

// ResetInterval clears the per-flush counters. With discardGaps the open
// ranges are dropped as well.
func (s *State) ResetInterval(discardGaps bool) {
	s.OOOCount = 0
	if discardGaps {
		s.Gaps.Clear()
	}
}
