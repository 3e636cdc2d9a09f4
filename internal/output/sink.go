// Package output delivers JSON lines to stdout, rotating files, Kafka and UDP.
package output

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"itch-gap/internal/config"
	"itch-gap/internal/metrics"
)

// Record is one rendered JSON line.
type Record struct {
	Index string // events, stats or gaps
	Key   string // session identity, used for partitioning
	Line  []byte // JSON object without trailing newline
}

// Sink receives records. Write may buffer; Flush pushes buffered records out.
type Sink interface {
	Name() string
	Write(rec Record) error
	Flush(ctx context.Context) error
	Close() error
}

// Multi fans records out to several sinks. A failing sink does not stop
// delivery to the others.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

// Write delivers rec to every sink and joins their errors.
func (m *Multi) Write(rec Record) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(rec); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	metrics.LinesTotal.WithLabelValues(rec.Index).Inc()
	return errors.Join(errs...)
}

// Flush flushes every sink and joins their errors.
func (m *Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// New builds the sinks enabled in cfg. stdout is used for the stdout sink.
func New(cfg config.OutputConfig, stdout io.Writer) (*Multi, error) {
	var sinks []Sink

	if cfg.Stdout {
		sinks = append(sinks, NewWriterSink("stdout", stdout))
	}

	if cfg.File.Path != "" {
		sinks = append(sinks, NewFileSink(cfg.File))
	}

	if cfg.Kafka.Enabled() {
		k, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sinks = append(sinks, k)
	}

	if cfg.UDP.Address != "" {
		u, err := NewUDPSink(cfg.UDP.Address)
		if err != nil {
			closeAll(sinks)
			return nil, fmt.Errorf("failed to create udp sink: %w", err)
		}
		sinks = append(sinks, u)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.WithField("sinks", names).Debug("Output sinks ready")

	return NewMulti(sinks...), nil
}

func closeAll(sinks []Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}
