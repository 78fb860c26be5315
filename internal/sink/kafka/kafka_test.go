package kafka

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/segmentio/kafka-go"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "missing brokers",
			config:  map[string]any{"topic": "test"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			config:  map[string]any{"brokers": []any{"localhost:9092"}},
			wantErr: true,
		},
		{
			name: "valid minimal config",
			config: map[string]any{
				"brokers": []any{"localhost:9092"},
				"topic":   "test-topic",
			},
			wantErr: false,
		},
		{
			name: "brokers as comma separated string",
			config: map[string]any{
				"brokers": "broker1:9092,broker2:9092",
				"topic":   "test-topic",
			},
			wantErr: false,
		},
		{
			name: "valid full config",
			config: map[string]any{
				"brokers":       []any{"broker1:9092", "broker2:9092"},
				"topic":         "test-topic",
				"batch_size":    float64(200),
				"batch_timeout": "200ms",
				"compression":   "gzip",
				"max_attempts":  float64(5),
			},
			wantErr: false,
		},
		{
			name: "invalid compression",
			config: map[string]any{
				"brokers":     []any{"localhost:9092"},
				"topic":       "test-topic",
				"compression": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid batch_timeout",
			config: map[string]any{
				"brokers":       []any{"localhost:9092"},
				"topic":         "test-topic",
				"batch_timeout": "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("ParseConfig() error = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(map[string]any{
		"brokers": []any{"localhost:9092"},
		"topic":   "test-topic",
	})
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, defaultBatchSize)
	}
	if cfg.BatchTimeout != defaultBatchTimeout {
		t.Errorf("BatchTimeout = %v, want %v", cfg.BatchTimeout, defaultBatchTimeout)
	}
	if cfg.Compression != defaultCompression {
		t.Errorf("Compression = %s, want %s", cfg.Compression, defaultCompression)
	}
	if cfg.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.MaxAttempts, defaultMaxAttempts)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestAppendWritesSection(t *testing.T) {
	fw := &fakeWriter{}
	s := newSink("kafka", Config{Topic: "capture"}, fw)

	base := time.Unix(1700000000, 0)
	batch := []core.Record{
		core.NewFrame("eth0", base, []byte{1, 2, 3, 4}, 60, layers.LinkTypeEthernet),
		&core.SessionKey{Timestamp: base.Add(time.Millisecond), Feed: "keylog", SecretsType: core.SecretsTLSKeyLog, Data: []byte("CLIENT_RANDOM a b\n")},
		&core.Tracepoint{Timestamp: base.Add(2 * time.Millisecond), Type: "mark", Message: "hello"},
	}
	if err := s.Append(context.Background(), batch); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Append(context.Background(), batch[:1]); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if len(fw.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(fw.msgs))
	}
	for _, m := range fw.msgs {
		if string(m.Key) != s.Session() {
			t.Errorf("key = %q, want session %q", m.Key, s.Session())
		}
	}
	msg := fw.msgs[0]
	if !msg.Time.Equal(base) {
		t.Errorf("time = %v, want %v", msg.Time, base)
	}
	if got := header(msg, HeaderRecords); got != "3" {
		t.Errorf("records header = %q, want 3", got)
	}

	// Every message is a standalone section.
	r, err := pcapng.NewReader(bytes.NewReader(msg.Value))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("decoded %d records, want frame and tracepoint", len(recs))
	}
	if f, ok := recs[0].(*core.Frame); !ok || f.Interface != "eth0" || f.Length != 60 {
		t.Errorf("first record = %#v", recs[0])
	}
	if tp, ok := recs[1].(*core.Tracepoint); !ok || tp.Message != "hello" {
		t.Errorf("second record = %#v", recs[1])
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !fw.closed {
		t.Error("writer not closed")
	}
}

func TestAppendError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unavailable")}
	s := newSink("kafka", Config{Topic: "capture"}, fw)

	err := s.Append(context.Background(), []core.Record{
		core.NewFrame("eth0", time.Now(), []byte{1}, 1, layers.LinkTypeEthernet),
	})
	if err == nil {
		t.Fatal("Append succeeded, want error")
	}
	if s.errors.Load() != 1 {
		t.Errorf("errors = %d, want 1", s.errors.Load())
	}
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
