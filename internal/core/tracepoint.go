package core

import (
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	tpDecMode cbor.DecMode
	tpEncMode cbor.EncMode
)

func init() {
	var err error
	tpDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	tpEncMode, err = cbor.EncOptions{
		Time: cbor.TimeUnixMicro,
	}.EncMode()
	if err != nil {
		panic(err)
	}
}

// Tracepoint levels.
const (
	LevelDebug uint8 = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

// Tracepoint is an event reported by an instrumented process. It is encoded
// as CBOR both on the wire and inside capture files; timestamps keep
// microsecond precision.
type Tracepoint struct {
	Timestamp time.Time `cbor:"time" json:"time"`
	Type      string    `cbor:"type" json:"type"`
	Level     uint8     `cbor:"lvl,omitempty" json:"lvl,omitempty"`
	Message   string    `cbor:"msg,omitempty" json:"msg,omitempty"`
	Source    string    `cbor:"src,omitempty" json:"src,omitempty"`
	PID       int       `cbor:"pid,omitempty" json:"pid,omitempty"`
	Function  string    `cbor:"func,omitempty" json:"func,omitempty"`
	File      string    `cbor:"file,omitempty" json:"file,omitempty"`
	Line      int       `cbor:"line,omitempty" json:"line,omitempty"`
	Data      any       `cbor:"data,omitempty" json:"data,omitempty"`
}

func (t *Tracepoint) Kind() RecordKind { return KindTracepoint }
func (t *Tracepoint) Time() time.Time  { return t.Timestamp }
func (t *Tracepoint) Origin() string   { return t.Source }
func (t *Tracepoint) sealed()          {}

// tracepointCBOR has the fields of Tracepoint without its methods, so the
// codec encodes it as a map instead of calling MarshalBinary again.
type tracepointCBOR Tracepoint

// MarshalBinary encodes the tracepoint as a single CBOR map.
func (t *Tracepoint) MarshalBinary() ([]byte, error) {
	return tpEncMode.Marshal((*tracepointCBOR)(t))
}

// UnmarshalBinary decodes a single CBOR map.
func (t *Tracepoint) UnmarshalBinary(b []byte) error {
	return tpDecMode.Unmarshal(b, (*tracepointCBOR)(t))
}

// TracepointDecoder reads consecutive CBOR tracepoints from a byte stream.
type TracepointDecoder struct {
	dec *cbor.Decoder
}

func NewTracepointDecoder(r io.Reader) *TracepointDecoder {
	return &TracepointDecoder{dec: tpDecMode.NewDecoder(r)}
}

// Decode returns io.EOF once the stream ends on an item boundary.
func (d *TracepointDecoder) Decode() (*Tracepoint, error) {
	t := &Tracepoint{}
	if err := d.dec.Decode((*tracepointCBOR)(t)); err != nil {
		return nil, err
	}
	return t, nil
}

// TracepointEncoder writes consecutive CBOR tracepoints to a byte stream.
type TracepointEncoder struct {
	enc *cbor.Encoder
}

func NewTracepointEncoder(w io.Writer) *TracepointEncoder {
	return &TracepointEncoder{enc: tpEncMode.NewEncoder(w)}
}

func (e *TracepointEncoder) Encode(t *Tracepoint) error {
	return e.enc.Encode((*tracepointCBOR)(t))
}
