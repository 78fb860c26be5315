// Package core defines the records that flow through the capture pipeline.
package core

import (
	"time"

	"github.com/google/gopacket/layers"
)

// RecordKind identifies the concrete type behind a Record.
type RecordKind uint8

const (
	KindFrame RecordKind = iota + 1
	KindSessionKey
	KindTracepoint
)

func (k RecordKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindSessionKey:
		return "session_key"
	case KindTracepoint:
		return "tracepoint"
	default:
		return "unknown"
	}
}

// Record is an item of a Stream. The set of implementations is closed:
// *Frame, *SessionKey and *Tracepoint.
type Record interface {
	Kind() RecordKind
	Time() time.Time
	// Origin names the interface or feed the record came from.
	Origin() string

	sealed()
}

// Frame is a captured link-layer frame. Data is owned by the frame and must
// not be modified after capture.
type Frame struct {
	Interface     string          // Source interface id
	Timestamp     time.Time       // Capture timestamp, nanosecond resolution
	Data          []byte          // Captured bytes (owned copy)
	CaptureLength int             // len(Data)
	Length        int             // Original wire length
	LinkType      layers.LinkType // Link type of Data
}

func (f *Frame) Kind() RecordKind  { return KindFrame }
func (f *Frame) Time() time.Time   { return f.Timestamp }
func (f *Frame) Origin() string    { return f.Interface }
func (f *Frame) sealed()           {}

// NewFrame copies data into a new Frame. Capture handles reuse their buffers,
// so every driver goes through here.
func NewFrame(iface string, ts time.Time, data []byte, length int, lt layers.LinkType) *Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	if length < len(buf) {
		length = len(buf)
	}
	return &Frame{
		Interface:     iface,
		Timestamp:     ts,
		Data:          buf,
		CaptureLength: len(buf),
		Length:        length,
		LinkType:      lt,
	}
}

// Secrets types of a Decryption Secrets Block.
const (
	SecretsTLSKeyLog       uint32 = 0x544c534b // "TLSK"
	SecretsWireGuardKeyLog uint32 = 0x57474b4c // "WGKL"
)

// SessionKey carries key material that allows offline decryption of
// captured traffic.
type SessionKey struct {
	Timestamp   time.Time
	Feed        string
	SecretsType uint32
	Data        []byte
}

func (k *SessionKey) Kind() RecordKind { return KindSessionKey }
func (k *SessionKey) Time() time.Time  { return k.Timestamp }
func (k *SessionKey) Origin() string   { return k.Feed }
func (k *SessionKey) sealed()          {}

// Stream is a time-ordered source of records. Records is closed when the
// stream ends.
type Stream struct {
	Name     string
	Priority int  // Tie-break between equal timestamps, lower wins
	Lazy     bool // Merge never waits on an empty lazy stream
	Records  <-chan Record
}
