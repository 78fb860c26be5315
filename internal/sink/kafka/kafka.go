// Package kafka implements the Kafka sink.
// Every batch becomes one message holding a complete pcapng section, so
// consumers can decode any message on its own.
package kafka

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// Message headers.
const (
	HeaderSession = "capmux-session"
	HeaderRecords = "capmux-records"
)

func init() {
	sink.Register("kafka", func(name string, options map[string]any) (sink.Sink, error) {
		cfg, err := ParseConfig(options)
		if err != nil {
			return nil, err
		}
		return New(name, cfg)
	})
}

// Config represents Kafka sink configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
}

// ParseConfig decodes and validates sink options.
func ParseConfig(options map[string]any) (Config, error) {
	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	if options == nil {
		return cfg, fmt.Errorf("%w: kafka sink requires configuration", core.ErrConfigInvalid)
	}
	if err := config.Decode(options, &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.Brokers) == 0 {
		return cfg, fmt.Errorf("%w: brokers is required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return cfg, fmt.Errorf("%w: topic is required", core.ErrConfigInvalid)
	}
	if _, err := codec(cfg.Compression); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func codec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	default:
		return nil, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, name)
	}
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes pcapng sections to a topic. All messages of one sink
// instance share a session key, so they land on one partition in order.
type Sink struct {
	name    string
	session string
	config  Config
	writer  messageWriter

	reported atomic.Uint64
	errors   atomic.Uint64
}

func New(name string, cfg Config) (*Sink, error) {
	cc, err := codec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{}, // session key keeps one partition
		BatchSize:        cfg.BatchSize,
		BatchTimeout:     cfg.BatchTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		CompressionCodec: cc,
		Async:            false, // Synchronous for error handling
	})
	s := newSink(name, cfg, w)
	slog.Info("kafka sink started",
		"sink", name,
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
		"session", s.session,
	)
	return s, nil
}

func newSink(name string, cfg Config, w messageWriter) *Sink {
	return &Sink{name: name, session: uuid.NewString(), config: cfg, writer: w}
}

func (s *Sink) Name() string { return s.name }

// Session is the key every message of this sink carries.
func (s *Sink) Session() string { return s.session }

func (s *Sink) Append(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	value, err := encode(records)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("encode section failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(s.session),
		Value: value,
		Time:  records[0].Time(),
		Headers: []kafka.Header{
			{Key: HeaderSession, Value: []byte(s.session)},
			{Key: HeaderRecords, Value: []byte(strconv.Itoa(len(records)))},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.reported.Add(uint64(len(records)))
	return nil
}

func encode(records []core.Record) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pcapng.NewWriter(&buf, pcapng.Options{})
	if err != nil {
		return nil, err
	}
	if err := w.WriteRecords(records); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Sink) Close() error {
	// Flush any pending messages
	if err := s.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "sink", s.name, "error", err)
		return err
	}
	slog.Info("kafka sink stopped",
		"sink", s.name,
		"total_reported", s.reported.Load(),
		"total_errors", s.errors.Load(),
	)
	return nil
}
