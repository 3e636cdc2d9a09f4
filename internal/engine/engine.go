// Package engine drives capture records through decoding, sequence tracking
// and reporting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"itch-gap/internal/config"
	"itch-gap/internal/decoder"
	"itch-gap/internal/mold"
	"itch-gap/internal/output"
	"itch-gap/internal/pcap"
	"itch-gap/internal/session"
	"itch-gap/internal/stats"
	"itch-gap/pkg/types"
)

// outcomeSessionStart labels the packet that created a session.
const outcomeSessionStart = "session_start"

// Options configures an Engine.
type Options struct {
	StatInterval   time.Duration    // capture time between stats lines of one session
	OutputInterval time.Duration    // wall-clock time between gap reports
	FlushPolicy    string           // config.FlushPolicyDiscard or config.FlushPolicyRetain
	UDPPorts       []int            // optional port filter
	Clock          func() time.Time // defaults to time.Now
}

// OptionsFromConfig maps the configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StatInterval:   cfg.Sampling.StatInterval(),
		OutputInterval: cfg.Sampling.OutputInterval(),
		FlushPolicy:    cfg.Flush.Policy,
		UDPPorts:       cfg.Filter.UDPPorts,
	}
}

// RecordSource yields capture records until io.EOF.
type RecordSource interface {
	Next() (pcap.Record, error)
}

// Engine owns the session registry of one capture. It is driven by a single
// goroutine.
type Engine struct {
	opts      Options
	decoder   *decoder.FrameDecoder
	registry  *session.Registry
	emitter   *stats.Emitter
	sink      output.Sink
	collector *stats.Collector
	scheduler *FlushScheduler
}

// New creates an engine writing lines to sink and totals to collector.
func New(opts Options, sink output.Sink, collector *stats.Collector) *Engine {
	if opts.FlushPolicy == "" {
		opts.FlushPolicy = config.FlushPolicyDiscard
	}
	return &Engine{
		opts:      opts,
		decoder:   decoder.NewFrameDecoder(opts.UDPPorts),
		registry:  session.NewRegistry(),
		emitter:   stats.NewEmitter(sink),
		sink:      sink,
		collector: collector,
		scheduler: NewFlushScheduler(opts.OutputInterval, opts.Clock),
	}
}

// Registry returns the engine's sessions.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Process handles one captured frame observed at ts. Frames that do not
// carry MoldUDP64 are counted and ignored. The returned error reports output
// failures only.
func (e *Engine) Process(ts time.Time, data []byte) error {
	e.collector.RecordRead()

	frame, err := e.decoder.Decode(data)
	if err != nil {
		e.collector.RecordMalformed()
		log.WithError(err).WithField("len", len(data)).Debug("Skipping malformed frame")
		return nil
	}
	if frame == nil {
		e.collector.RecordSkipped()
		return nil
	}
	if frame.Tagged {
		e.emitter.MarkVLANSeen()
	}

	var errs []error
	state, created := e.registry.LookupOrCreate(frame.Key, frame.SeqNo, frame.MsgCount)
	if created {
		e.collector.RecordSession()
	}

	if frame.MsgCount != mold.EndOfSession {
		state.MessageCount += uint64(frame.MsgCount)
	}
	if state.StatsDue(ts, e.opts.StatInterval) {
		errs = append(errs, e.emitter.Stats(state, ts))
	}

	if created {
		e.collector.RecordProcessed(outcomeSessionStart, false)
	} else {
		outcome := state.Track(frame.SeqNo, frame.MsgCount, ts)
		e.collector.RecordProcessed(outcome.String(), outcome.OutOfOrder())
		e.logOutcome(state, frame, outcome)
	}

	errs = append(errs, e.emitEvents(frame, ts))
	return errors.Join(errs...)
}

func (e *Engine) emitEvents(frame *types.Frame, ts time.Time) error {
	if frame.MsgCount == mold.EndOfSession {
		e.collector.RecordEvent(mold.EndSessionEvent)
		return e.emitter.Event(frame.Key, ts, mold.EndSessionEvent)
	}

	var errs []error
	err := mold.ForEachMessage(frame.Payload, frame.MsgCount, func(msg []byte) {
		name, ok := mold.SystemEvent(msg)
		if !ok {
			return
		}
		e.collector.RecordEvent(name)
		errs = append(errs, e.emitter.Event(frame.Key, ts, name))
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"session": frame.Key.String(),
			"seq":     frame.SeqNo,
		}).Debug("Message block shorter than announced")
	}
	return errors.Join(errs...)
}

func (e *Engine) logOutcome(state *session.State, frame *types.Frame, outcome session.Outcome) {
	switch outcome {
	case session.OutcomeGap, session.OutcomeEarlyGap:
		log.WithFields(log.Fields{
			"session":  frame.Key.String(),
			"seq":      frame.SeqNo,
			"last_seq": state.SeqCurrent,
		}).Debug("Gap detected")
	case session.OutcomeUnmatched:
		log.WithFields(log.Fields{
			"session":   frame.Key.String(),
			"seq":       frame.SeqNo,
			"last_seq":  state.SeqCurrent,
			"msg_count": frame.MsgCount,
			"open_gaps": state.Gaps.Len(),
		}).Debug("Out-of-order packet outside any open gap")
	}
}

// Flush writes one gaps line per open range of every session, resets the
// per-interval counters and flushes the sinks. Under the discard policy all
// open ranges are dropped afterwards.
func (e *Engine) Flush(ctx context.Context) error {
	start := time.Now()
	discard := e.opts.FlushPolicy != config.FlushPolicyRetain

	var errs []error
	e.registry.Range(func(s *session.State) bool {
		for _, r := range s.Gaps.Ranges() {
			errs = append(errs, e.emitter.Gap(s, r))
			e.collector.RecordGapReported(r.Missing())
		}
		s.ResetInterval(discard)
		return true
	})

	if err := e.sink.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush output: %w", err))
	}
	e.scheduler.Mark()
	e.collector.RecordFlush(time.Since(start), e.registry.OpenGaps())
	return errors.Join(errs...)
}

type readResult struct {
	rec pcap.Record
	err error
}

// startReader calls src.Next once per request on its own goroutine, so a
// read blocked on idle input does not delay cancellation. The goroutine exits
// once done is closed and any pending Next has returned.
func startReader(src RecordSource, done <-chan struct{}) (chan<- struct{}, <-chan readResult) {
	reqs := make(chan struct{})
	results := make(chan readResult, 1)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-reqs:
			}
			rec, err := src.Next()
			results <- readResult{rec: rec, err: err}
		}
	}()
	return reqs, results
}

// Run processes records from src until it is exhausted, fails or ctx is
// cancelled, checking the flush schedule after every record. Cancellation
// takes effect even while src.Next is blocked. A final flush always runs
// before Run returns.
func (e *Engine) Run(ctx context.Context, src RecordSource) error {
	done := make(chan struct{})
	defer close(done)
	reqs, results := startReader(src, done)

	records := 0
loop:
	for {
		select {
		case <-ctx.Done():
			log.WithField("records", records).Info("Capture processing cancelled")
			break loop
		default:
		}
		reqs <- struct{}{}

		var res readResult
		select {
		case <-ctx.Done():
			log.WithField("records", records).Info("Capture processing cancelled while waiting for input")
			break loop
		case res = <-results:
		}

		if errors.Is(res.err, io.EOF) {
			break loop
		}
		if res.err != nil {
			if errors.Is(res.err, pcap.ErrInvalidLength) {
				log.WithError(res.err).WithField("record", records+1).Warn("Invalid packet length, stopping")
			} else {
				log.WithError(res.err).WithField("record", records+1).Warn("Capture read failed, stopping")
			}
			break loop
		}
		records++

		if err := e.Process(res.rec.Timestamp, res.rec.Data); err != nil {
			log.WithError(err).Warn("Failed to write output")
		}

		if e.scheduler.Due() {
			if err := e.Flush(ctx); err != nil {
				log.WithError(err).Warn("Gap report flush failed")
			}
		}
	}

	if err := e.Flush(context.Background()); err != nil {
		return fmt.Errorf("failed to flush final gap report: %w", err)
	}
	return nil
}
