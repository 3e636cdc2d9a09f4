package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itch-gap/internal/config"
	"itch-gap/internal/decoder"
	"itch-gap/internal/mold"
	"itch-gap/internal/output"
	"itch-gap/internal/pcap"
	"itch-gap/internal/session"
	"itch-gap/internal/stats"
)

type captureSink struct {
	records []output.Record
	flushes int
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Close() error { return nil }

func (c *captureSink) Write(rec output.Record) error {
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) Flush(context.Context) error {
	c.flushes++
	return nil
}

// lines decodes the records of one index.
func (c *captureSink) lines(t *testing.T, index string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, r := range c.records {
		if r.Index != index {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(r.Line, &m))
		out = append(out, m)
	}
	return out
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type packet struct {
	at       time.Duration
	session  string
	vlan     uint16
	seq      uint64
	count    uint16
	messages [][]byte
}

func (p packet) frame(t *testing.T) []byte {
	t.Helper()
	spec := decoder.FrameSpec{
		SrcIP:    netip.MustParseAddr("10.0.0.1"),
		DstIP:    netip.MustParseAddr("233.54.12.1"),
		SrcPort:  40000,
		DstPort:  26400,
		VLAN:     p.vlan,
		SeqNo:    p.seq,
		MsgCount: p.count,
		Messages: p.messages,
	}
	session := p.session
	if session == "" {
		session = "SESSION001"
	}
	copy(spec.Session[:], session)
	data, err := decoder.BuildFrame(spec)
	require.NoError(t, err)
	return data
}

func capture(t *testing.T, packets ...packet) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := pcap.NewWriter(&buf, true)
	require.NoError(t, err)
	for _, p := range packets {
		require.NoError(t, w.WriteFrame(t0.Add(p.at), p.frame(t)))
	}
	return &buf
}

type harness struct {
	engine    *Engine
	sink      *captureSink
	collector *stats.Collector
	clock     *fakeClock
}

func newHarness(opts Options) *harness {
	h := &harness{
		sink:      &captureSink{},
		collector: stats.NewCollector(),
		clock:     &fakeClock{now: t0},
	}
	if opts.OutputInterval == 0 {
		opts.OutputInterval = time.Minute
	}
	if opts.StatInterval == 0 {
		opts.StatInterval = time.Hour
	}
	opts.Clock = h.clock.Now
	h.engine = New(opts, h.sink, h.collector)
	return h
}

func (h *harness) run(t *testing.T, packets ...packet) {
	t.Helper()
	r, err := pcap.NewReader(capture(t, packets...), false)
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(context.Background(), r))
}

func (h *harness) process(t *testing.T, packets ...packet) {
	t.Helper()
	for _, p := range packets {
		require.NoError(t, h.engine.Process(t0.Add(p.at), p.frame(t)))
	}
}

func (h *harness) onlySession(t *testing.T) *session.State {
	t.Helper()
	require.Equal(t, 1, h.engine.Registry().Len())
	var only *session.State
	h.engine.Registry().Range(func(s *session.State) bool {
		only = s
		return false
	})
	return only
}

func TestRun_ContiguousBatchesHaveNoGaps(t *testing.T) {
	h := newHarness(Options{})
	h.run(t,
		packet{seq: 100, count: 5},
		packet{at: time.Millisecond, seq: 105, count: 3},
		packet{at: 2 * time.Millisecond, seq: 108, count: 2},
	)

	assert.Empty(t, h.sink.lines(t, stats.IndexGaps))
	s := h.onlySession(t)
	assert.Equal(t, uint64(109), s.SeqCurrent)
	assert.Equal(t, uint64(10), s.MessageCount)
	assert.Zero(t, s.GapMessageCount)
}

func TestRun_SingleGapReportedAtFinalFlush(t *testing.T) {
	h := newHarness(Options{})
	h.run(t,
		packet{seq: 100, count: 1},
		packet{at: time.Millisecond, seq: 102, count: 1},
	)

	gaps := h.sink.lines(t, stats.IndexGaps)
	require.Len(t, gaps, 1)
	g := gaps[0]
	assert.Equal(t, "gaps", g["_index"])
	assert.Equal(t, float64(100), g["gapSeqStart"])
	assert.Equal(t, float64(102), g["gapSeqEnd"])
	assert.Equal(t, float64(1), g["gapCount"])
	assert.Equal(t, float64(0), g["oooCount"])
	assert.Equal(t, stats.FormatTimestamp(t0.Add(time.Millisecond)), g["timestamp"])
	assert.Equal(t, "14:30:00.001.000.000", g["TS"])
	assert.NotContains(t, g, "vlan_id")

	snap := h.collector.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalGapMessages)
	assert.Equal(t, uint64(2), snap.PacketsProcessed)
	assert.Equal(t, 1, h.sink.flushes)
}

func TestFlush_IdempotentWithinInterval(t *testing.T) {
	h := newHarness(Options{})
	h.process(t,
		packet{seq: 1, count: 1},
		packet{seq: 5, count: 1},
		packet{seq: 3, count: 1},
	)
	s := h.onlySession(t)
	require.Equal(t, uint64(1), s.OOOCount)

	require.NoError(t, h.engine.Flush(context.Background()))
	first := h.sink.lines(t, stats.IndexGaps)
	require.Len(t, first, 2)
	assert.Equal(t, float64(1), first[0]["gapSeqStart"], "ranges are reported in ascending order")
	assert.Equal(t, float64(3), first[1]["gapSeqStart"])
	assert.Equal(t, float64(1), first[0]["oooCount"])

	require.NoError(t, h.engine.Flush(context.Background()))
	assert.Len(t, h.sink.lines(t, stats.IndexGaps), 2, "second flush reports nothing new")
	assert.Equal(t, uint64(3), s.GapMessageCount)
	assert.Zero(t, s.OOOCount)
	assert.Zero(t, s.Gaps.Len())
}

func TestFlush_RetainPolicyKeepsRanges(t *testing.T) {
	h := newHarness(Options{FlushPolicy: config.FlushPolicyRetain})
	h.process(t,
		packet{seq: 1, count: 1},
		packet{seq: 10, count: 1},
	)

	require.NoError(t, h.engine.Flush(context.Background()))
	require.NoError(t, h.engine.Flush(context.Background()))
	assert.Len(t, h.sink.lines(t, stats.IndexGaps), 2)

	h.process(t, packet{seq: 5, count: 1})
	require.NoError(t, h.engine.Flush(context.Background()))
	gaps := h.sink.lines(t, stats.IndexGaps)
	require.Len(t, gaps, 4)
	assert.Equal(t, float64(5), gaps[2]["gapSeqEnd"])
	assert.Equal(t, float64(5), gaps[3]["gapSeqStart"])
	assert.Equal(t, float64(1), gaps[3]["oooCount"])
}

func TestRun_LateArrivalClosesGapBeforeFlush(t *testing.T) {
	h := newHarness(Options{})
	h.run(t,
		packet{seq: 1, count: 1},
		packet{seq: 2, count: 1},
		packet{seq: 3, count: 1},
		packet{seq: 5, count: 1},
		packet{seq: 4, count: 1},
		packet{seq: 6, count: 1},
	)

	assert.Empty(t, h.sink.lines(t, stats.IndexGaps))
	s := h.onlySession(t)
	assert.Equal(t, uint64(1), s.GapMessageCount)
	assert.Equal(t, uint64(1), h.collector.Snapshot().TotalOOO)
	assert.Zero(t, h.collector.Snapshot().TotalGapMessages, "closed before any flush")
}

func TestRun_SystemEvents(t *testing.T) {
	h := newHarness(Options{})
	h.run(t,
		packet{seq: 1, count: 3, messages: [][]byte{
			mold.NewSystemEventMessage('O'),
			[]byte("A0000000000"),
			mold.NewSystemEventMessage('Q'),
		}},
		packet{seq: 4, count: 1, messages: [][]byte{mold.NewSystemEventMessage('Z')}},
		packet{seq: 5, count: mold.EndOfSession},
	)

	events := h.sink.lines(t, stats.IndexEvents)
	require.Len(t, events, 3)
	assert.Equal(t, "StartMessages", events[0]["event"])
	assert.Equal(t, "StartMarketHours", events[1]["event"])
	assert.Equal(t, "EndSession", events[2]["event"])
	assert.Equal(t, "SESSION001", events[2]["session"])

	s := h.onlySession(t)
	assert.Equal(t, uint64(4), s.SeqCurrent, "end-of-session does not advance")
	assert.Equal(t, uint64(4), s.MessageCount)
	assert.Empty(t, h.sink.lines(t, stats.IndexGaps))
}

func TestRun_VLANFieldAfterFirstTaggedFrame(t *testing.T) {
	h := newHarness(Options{StatInterval: time.Nanosecond})
	h.run(t,
		packet{seq: 1, count: 1},
		packet{at: time.Millisecond, session: "SESSION002", vlan: 42, seq: 7, count: 1},
		packet{at: 2 * time.Millisecond, seq: 2, count: 1},
	)

	lines := h.sink.lines(t, stats.IndexStats)
	require.Len(t, lines, 3)
	assert.NotContains(t, lines[0], "vlan_id")
	assert.Equal(t, float64(42), lines[1]["vlan_id"])
	assert.Equal(t, float64(0), lines[2]["vlan_id"])
	assert.Equal(t, 2, h.engine.Registry().Len())
}

func TestProcess_StatsInterval(t *testing.T) {
	h := newHarness(Options{StatInterval: time.Second})
	h.process(t,
		packet{seq: 1, count: 2},
		packet{at: 500 * time.Millisecond, seq: 3, count: 1},
		packet{at: time.Second, seq: 4, count: 3},
		packet{at: 1500 * time.Millisecond, seq: 7, count: 1},
	)

	lines := h.sink.lines(t, stats.IndexStats)
	require.Len(t, lines, 2)
	assert.Equal(t, float64(2), lines[0]["messageCount"], "counted before the stats check")
	assert.Equal(t, float64(6), lines[1]["messageCount"])
	assert.Equal(t, stats.FormatTimestamp(t0.Add(time.Second)), lines[1]["timestamp"])
}

func TestProcess_CountsSkippedAndMalformed(t *testing.T) {
	h := newHarness(Options{})
	good := packet{seq: 1, count: 1}.frame(t)

	require.NoError(t, h.engine.Process(t0, good[:30]))
	require.NoError(t, h.engine.Process(t0, make([]byte, 60)))
	require.NoError(t, h.engine.Process(t0, good))

	snap := h.collector.Snapshot()
	assert.Equal(t, uint64(3), snap.PacketsRead)
	assert.Equal(t, uint64(1), snap.PacketsMalformed)
	assert.Equal(t, uint64(1), snap.PacketsSkipped)
	assert.Equal(t, uint64(1), snap.PacketsProcessed)
}

func TestProcess_PortFilter(t *testing.T) {
	h := newHarness(Options{UDPPorts: []int{9999}})
	h.process(t, packet{seq: 1, count: 1})
	assert.Zero(t, h.engine.Registry().Len())
	assert.Equal(t, uint64(1), h.collector.Snapshot().PacketsSkipped)
}

// tickingSource advances the fake clock after every record.
type tickingSource struct {
	r     *pcap.Reader
	clock *fakeClock
	step  time.Duration
	err   error // returned once the capture is exhausted
}

func (s *tickingSource) Next() (pcap.Record, error) {
	rec, err := s.r.Next()
	if errors.Is(err, io.EOF) && s.err != nil {
		return rec, s.err
	}
	s.clock.Advance(s.step)
	return rec, err
}

func TestRun_PeriodicFlush(t *testing.T) {
	h := newHarness(Options{OutputInterval: 10 * time.Second})
	r, err := pcap.NewReader(capture(t,
		packet{seq: 1, count: 1},
		packet{seq: 3, count: 1},
		packet{seq: 6, count: 1},
	), false)
	require.NoError(t, err)

	// Flush due after the second record only.
	src := &tickingSource{r: r, clock: h.clock, step: 6 * time.Second}
	require.NoError(t, h.engine.Run(context.Background(), src))

	gaps := h.sink.lines(t, stats.IndexGaps)
	require.Len(t, gaps, 2)
	assert.Equal(t, float64(1), gaps[0]["gapSeqStart"])
	assert.Equal(t, float64(3), gaps[1]["gapSeqStart"])
	assert.Equal(t, uint64(2), h.collector.Snapshot().Flushes)
}

func TestRun_ReadErrorStillFlushes(t *testing.T) {
	h := newHarness(Options{})
	r, err := pcap.NewReader(capture(t,
		packet{seq: 1, count: 1},
		packet{seq: 4, count: 1},
	), false)
	require.NoError(t, err)

	src := &tickingSource{r: r, clock: h.clock, err: pcap.ErrInvalidLength}
	require.NoError(t, h.engine.Run(context.Background(), src))
	assert.Len(t, h.sink.lines(t, stats.IndexGaps), 1)
}

func TestRun_CancelledContextStillFlushes(t *testing.T) {
	h := newHarness(Options{})
	h.process(t,
		packet{seq: 1, count: 1},
		packet{seq: 4, count: 1},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := pcap.NewReader(capture(t, packet{seq: 9, count: 1}), false)
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(ctx, r))
	assert.Len(t, h.sink.lines(t, stats.IndexGaps), 1, "record after cancellation is not read")
	assert.Equal(t, uint64(2), h.collector.Snapshot().PacketsRead)
}

func TestFlushScheduler(t *testing.T) {
	clock := &fakeClock{now: t0}
	f := NewFlushScheduler(time.Minute, clock.Now)

	assert.False(t, f.Due())
	clock.Advance(time.Minute)
	assert.False(t, f.Due(), "due only once the interval has fully passed")
	clock.Advance(time.Nanosecond)
	assert.True(t, f.Due())

	f.Mark()
	assert.False(t, f.Due())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Filter.UDPPorts = []int{26400}

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, time.Minute, opts.OutputInterval)
	assert.Equal(t, time.Second, opts.StatInterval)
	assert.Equal(t, config.FlushPolicyDiscard, opts.FlushPolicy)
	assert.Equal(t, []int{26400}, opts.UDPPorts)
}

func TestFlush_FillAfterDiscardIsIgnored(t *testing.T) {
	h := newHarness(Options{})
	h.process(t,
		packet{seq: 1, count: 1},
		packet{seq: 10, count: 1},
	)
	require.NoError(t, h.engine.Flush(context.Background()))
	require.Len(t, h.sink.lines(t, stats.IndexGaps), 1)

	h.process(t, packet{seq: 5, count: 1})
	s := h.onlySession(t)
	assert.Equal(t, uint64(1), s.OOOCount)
	assert.Zero(t, s.Gaps.Len())
	assert.Equal(t, uint64(1), h.collector.Snapshot().Outcomes[session.OutcomeUnmatched.String()])

	require.NoError(t, h.engine.Flush(context.Background()))
	assert.Len(t, h.sink.lines(t, stats.IndexGaps), 1, "discarded range is not reported again")
	assert.Equal(t, uint64(8), s.GapMessageCount)

	snap := h.collector.Snapshot()
	assert.Equal(t, uint64(8), snap.TotalGapMessages)
	assert.Equal(t, uint64(1), snap.TotalOOO)
}

func TestRun_ZeroCountPackets(t *testing.T) {
	h := newHarness(Options{})
	h.run(t,
		packet{seq: 1, count: 0},
		packet{seq: 2, count: 0},
		packet{seq: 2, count: 1},
		packet{seq: 3, count: 0},
		packet{seq: 3, count: 2},
	)

	s := h.onlySession(t)
	assert.Equal(t, uint64(4), s.SeqCurrent)
	assert.Equal(t, uint64(3), s.MessageCount)
	assert.Zero(t, s.GapMessageCount)
	assert.Empty(t, h.sink.lines(t, stats.IndexGaps))

	outcomes := h.collector.Snapshot().Outcomes
	assert.Equal(t, uint64(1), outcomes[outcomeSessionStart])
	assert.Equal(t, uint64(4), outcomes[session.OutcomeInOrder.String()])
}

// stalledSource yields its records, then blocks like an idle pipe until
// released.
type stalledSource struct {
	r       *pcap.Reader
	blocked chan struct{}
	release chan struct{}
}

func (s *stalledSource) Next() (pcap.Record, error) {
	rec, err := s.r.Next()
	if !errors.Is(err, io.EOF) {
		return rec, err
	}
	close(s.blocked)
	<-s.release
	return pcap.Record{}, io.EOF
}

func TestRun_CancelWhileInputIdle(t *testing.T) {
	h := newHarness(Options{})
	r, err := pcap.NewReader(capture(t,
		packet{seq: 1, count: 1},
		packet{seq: 4, count: 1},
	), false)
	require.NoError(t, err)

	src := &stalledSource{r: r, blocked: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(src.release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, src) }()

	select {
	case <-src.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("source never reached the end of its records")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	gaps := h.sink.lines(t, stats.IndexGaps)
	require.Len(t, gaps, 1, "final flush runs after cancellation")
	assert.Equal(t, float64(2), gaps[0]["gapCount"])
	assert.Equal(t, uint64(2), h.collector.Snapshot().PacketsRead)
}
