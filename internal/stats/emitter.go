package stats

import (
	"encoding/json"
	"fmt"
	"time"

	"itch-gap/internal/output"
	"itch-gap/internal/session"
	"itch-gap/pkg/types"
)

// Output line indexes.
const (
	IndexEvents = "events"
	IndexStats  = "stats"
	IndexGaps   = "gaps"
)

// Field order of every line type is fixed by the struct layouts below.
type lineHeader struct {
	Index   string `json:"_index"`
	SrcIP   string `json:"srcIP"`
	DstIP   string `json:"dstIP"`
	SrcPort uint16 `json:"srcPort"`
	DstPort uint16 `json:"dstPort"`
	Session string `json:"session"`
}

type eventLine struct {
	lineHeader
	Timestamp string  `json:"timestamp"`
	TS        string  `json:"TS"`
	Event     string  `json:"event"`
	VLAN      *uint16 `json:"vlan_id,omitempty"`
}

type statsLine struct {
	lineHeader
	Timestamp    string  `json:"timestamp"`
	TS           string  `json:"TS"`
	MessageCount uint64  `json:"messageCount"`
	GapCount     uint64  `json:"gapCount"`
	VLAN         *uint16 `json:"vlan_id,omitempty"`
}

type gapLine struct {
	lineHeader
	OOOCount    uint64  `json:"oooCount"`
	GapSeqStart uint64  `json:"gapSeqStart"`
	GapSeqEnd   uint64  `json:"gapSeqEnd"`
	GapCount    uint64  `json:"gapCount"`
	Timestamp   string  `json:"timestamp"`
	TS          string  `json:"TS"`
	VLAN        *uint16 `json:"vlan_id,omitempty"`
}

// Emitter renders events, per-session stats and gap reports as JSON lines.
// Once a VLAN-tagged frame has been seen every line carries vlan_id.
type Emitter struct {
	sink     output.Sink
	vlanSeen bool
}

// NewEmitter creates an emitter writing to sink.
func NewEmitter(sink output.Sink) *Emitter {
	return &Emitter{sink: sink}
}

// MarkVLANSeen switches on the vlan_id field for all following lines.
func (e *Emitter) MarkVLANSeen() {
	e.vlanSeen = true
}

// VLANSeen reports whether vlan_id is being emitted.
func (e *Emitter) VLANSeen() bool {
	return e.vlanSeen
}

// Event emits a system event for the session identified by key.
func (e *Emitter) Event(key types.SessionKey, ts time.Time, name string) error {
	return e.write(IndexEvents, key, eventLine{
		lineHeader: header(IndexEvents, key),
		Timestamp:  FormatTimestamp(ts),
		TS:         FormatTS(ts),
		Event:      name,
		VLAN:       e.vlan(key),
	})
}

// Stats emits the running counters of s and stamps LastStatsTS.
func (e *Emitter) Stats(s *session.State, ts time.Time) error {
	s.LastStatsTS = ts
	return e.write(IndexStats, s.Key, statsLine{
		lineHeader:   header(IndexStats, s.Key),
		Timestamp:    FormatTimestamp(ts),
		TS:           FormatTS(ts),
		MessageCount: s.MessageCount,
		GapCount:     s.GapMessageCount,
		VLAN:         e.vlan(s.Key),
	})
}

// Gap emits one open gap range of s, timestamped with the range's own time.
func (e *Emitter) Gap(s *session.State, r types.GapRange) error {
	return e.write(IndexGaps, s.Key, gapLine{
		lineHeader:  header(IndexGaps, s.Key),
		OOOCount:    s.OOOCount,
		GapSeqStart: r.Start,
		GapSeqEnd:   r.End,
		GapCount:    r.Missing(),
		Timestamp:   FormatTimestamp(r.TS),
		TS:          FormatTS(r.TS),
		VLAN:        e.vlan(s.Key),
	})
}

func (e *Emitter) vlan(key types.SessionKey) *uint16 {
	if !e.vlanSeen {
		return nil
	}
	id := key.VLAN
	return &id
}

func (e *Emitter) write(index string, key types.SessionKey, line interface{}) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal %s line: %w", index, err)
	}
	return e.sink.Write(output.Record{Index: index, Key: key.String(), Line: data})
}

func header(index string, key types.SessionKey) lineHeader {
	return lineHeader{
		Index:   index,
		SrcIP:   key.SrcIP.String(),
		DstIP:   key.DstIP.String(),
		SrcPort: key.SrcPort,
		DstPort: key.DstPort,
		Session: key.SessionName(),
	}
}

// FormatTimestamp renders ts as epoch seconds with six decimals.
func FormatTimestamp(ts time.Time) string {
	us := (ts.UnixNano() + 500) / 1000
	return fmt.Sprintf("%d.%06d", us/1e6, us%1e6)
}

// FormatTS renders the time of day as HH:MM:SS.mmm.uuu.nnn (UTC).
func FormatTS(ts time.Time) string {
	ns := ts.UnixNano()
	nsec := ns % 1000
	usec := (ns / 1e3) % 1000
	msec := (ns / 1e6) % 1000
	sec := (ns / 1e9) % 60
	min := (ns / 60e9) % 60
	hour := (ns / 3600e9) % 24
	return fmt.Sprintf("%02d:%02d:%02d.%03d.%03d.%03d", hour, min, sec, msec, usec, nsec)
}
