package output

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	log "github.com/sirupsen/logrus"

	"itch-gap/internal/config"
)

const (
	defaultKafkaBatchSize    = 100
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	kafkaWriteTimeout        = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a Kafka topic keyed by session, so that all
// lines of one session land on the same partition in order. Records are
// buffered and written in batches.
type KafkaSink struct {
	writer    messageWriter
	batchSize int
	pending   []kafka.Message

	written uint64
}

// NewKafkaSink creates a synchronous kafka-go writer for cfg.
func NewKafkaSink(cfg config.KafkaOutputConfig) (*KafkaSink, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultKafkaBatchSize
	}
	batchTimeout := time.Duration(cfg.BatchTimeoutMs) * time.Millisecond
	if batchTimeout <= 0 {
		batchTimeout = defaultKafkaBatchTimeout
	}

	wc := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		MaxAttempts:  3,
		Async:        false,
	}

	switch cfg.Compression {
	case "none", "":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	case "zstd":
		wc.CompressionCodec = compress.Zstd.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	log.WithFields(log.Fields{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"batch_size":  batchSize,
		"compression": cfg.Compression,
	}).Info("Kafka output enabled")

	return newKafkaSink(kafka.NewWriter(wc), batchSize), nil
}

func newKafkaSink(w messageWriter, batchSize int) *KafkaSink {
	return &KafkaSink{
		writer:    w,
		batchSize: batchSize,
		pending:   make([]kafka.Message, 0, batchSize),
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Write queues rec and sends the queue once a full batch is pending.
func (k *KafkaSink) Write(rec Record) error {
	value := make([]byte, len(rec.Line))
	copy(value, rec.Line)

	k.pending = append(k.pending, kafka.Message{
		Key:     []byte(rec.Key),
		Value:   value,
		Headers: []kafka.Header{{Key: "index", Value: []byte(rec.Index)}},
	})
	if len(k.pending) < k.batchSize {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()
	return k.Flush(ctx)
}

// Flush sends every pending record. Pending records are dropped on failure.
func (k *KafkaSink) Flush(ctx context.Context) error {
	if len(k.pending) == 0 {
		return nil
	}
	n := len(k.pending)
	err := k.writer.WriteMessages(ctx, k.pending...)
	k.pending = k.pending[:0]
	if err != nil {
		return fmt.Errorf("kafka write of %d messages failed: %w", n, err)
	}
	k.written += uint64(n)
	return nil
}

// Close sends pending records and closes the writer.
func (k *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	flushErr := k.Flush(ctx)
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	log.WithField("total_written", k.written).Debug("Kafka output closed")
	return flushErr
}
