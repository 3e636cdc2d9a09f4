package output

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"

	"itch-gap/internal/config"
)

// WriterSink writes newline-terminated records to an io.Writer through a buffer.
type WriterSink struct {
	name string
	w    *bufio.Writer
	c    io.Closer
}

// NewWriterSink wraps w. The writer is not closed by Close.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: bufio.NewWriterSize(w, 64*1024)}
}

// NewFileSink writes records to a size-rotated file.
func NewFileSink(cfg config.FileOutputConfig) *WriterSink {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	s := NewWriterSink("file", lj)
	s.c = lj
	return s
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) Write(rec Record) error {
	if _, err := s.w.Write(rec.Line); err != nil {
		return fmt.Errorf("failed to write %s line: %w", rec.Index, err)
	}
	return s.w.WriteByte('\n')
}

func (s *WriterSink) Flush(context.Context) error {
	return s.w.Flush()
}

// Close flushes the buffer and closes the underlying file, if owned.
func (s *WriterSink) Close() error {
	err := s.w.Flush()
	if s.c != nil {
		if cerr := s.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
