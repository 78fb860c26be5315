package console

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/core"
)

func udpFrame(t *testing.T) *core.Frame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0, 1, 2, 3, 4, 5},
		DstMAC:       []byte{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: 5060, DstPort: 5061}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload("hi")))
	data := buf.Bytes()
	return core.NewFrame("eth0", time.Unix(1700000000, 0).UTC(), data, len(data), layers.LinkTypeEthernet)
}

func TestConsoleText(t *testing.T) {
	var out bytes.Buffer
	s, err := New("console", &out, "")
	require.NoError(t, err)

	require.NoError(t, s.Append(context.Background(), []core.Record{
		udpFrame(t),
		&core.Tracepoint{Timestamp: time.Unix(1700000001, 0).UTC(), Type: "mark", Source: "app", Message: "ready"},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "eth0")
	assert.Contains(t, lines[0], "UDP 10.0.0.1:5060 -> 10.0.0.2:5061")
	assert.Contains(t, lines[1], "tracepoint type=mark")
	assert.Equal(t, uint64(2), s.Reported())
}

func TestConsoleJSON(t *testing.T) {
	var out bytes.Buffer
	s, err := New("console", &out, "json")
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), []core.Record{udpFrame(t)}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "frame", got["kind"])
	assert.Equal(t, "eth0", got["origin"])
	assert.Equal(t, "UDP", got["protocol"])
	assert.Equal(t, "10.0.0.2:5061", got["dst"])
}

func TestConsoleInvalidFormat(t *testing.T) {
	_, err := New("console", &bytes.Buffer{}, "xml")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
