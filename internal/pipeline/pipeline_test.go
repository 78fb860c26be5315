package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/diag"
	"firestige.xyz/capmux/internal/merge"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/sink"
	"firestige.xyz/capmux/internal/source"
)

// writeCapture writes one frame per timestamp (in ms); the first payload
// byte is the frame's label.
func writeCapture(t *testing.T, name string, labels []byte, ms []int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriterNanos(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, at := range ms {
		data := make([]byte, 60)
		data[0] = labels[i]
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, 0).Add(time.Duration(at) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func newPipeline(t *testing.T, bus *diag.Bus) *Pipeline {
	t.Helper()
	p, err := New(Config{Merge: merge.Config{OrderingPolicy: core.OrderingDrop}}, nil, bus)
	require.NoError(t, err)
	return p
}

// collect stops p and returns everything the channel sink received.
func collect(t *testing.T, p *Pipeline, ch <-chan core.Record) []core.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	var out []core.Record
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func frameLabels(recs []core.Record) string {
	var out []byte
	for _, r := range recs {
		if f, ok := r.(*core.Frame); ok {
			out = append(out, f.Data[0])
		}
	}
	return string(out)
}

func waitReplayed(t *testing.T, p *Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Registry().Sources()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestNewRequiresOrderingPolicy(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestPipelineMergesSources(t *testing.T) {
	p := newPipeline(t, nil)
	ch := make(chan core.Record, 64)
	require.NoError(t, p.AttachSink(sink.NewChannel("out", ch), sink.AttachOptions{}))

	a := writeCapture(t, "a", []byte("ac"), []int64{0, 10})
	b := writeCapture(t, "b", []byte("b"), []int64{5})
	require.NoError(t, p.AddSource(context.Background(), source.Ref{Name: "A", Interface: a, Driver: "file"}))
	require.NoError(t, p.AddSource(context.Background(), source.Ref{Name: "B", Interface: b, Driver: "file"}))
	require.NoError(t, p.Start(context.Background()))

	waitReplayed(t, p)
	got := collect(t, p, ch)
	assert.Equal(t, "abc", frameLabels(got))
}

func TestPipelineContinuesAfterAttachError(t *testing.T) {
	bus := diag.New(1, 16)
	defer bus.Close()
	events := make(chan diag.Event, 4)
	bus.SubscribeChan(diag.KindAttachError, events)

	p := newPipeline(t, bus)
	ch := make(chan core.Record, 64)
	require.NoError(t, p.AttachSink(sink.NewChannel("out", ch), sink.AttachOptions{}))
	require.NoError(t, p.Start(context.Background()))

	err := p.AddSource(context.Background(), source.Ref{Name: "ghost", Interface: filepath.Join(t.TempDir(), "missing.pcap"), Driver: "file"})
	var ae *core.AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "ghost", ae.Source)

	select {
	case e := <-events:
		assert.Equal(t, "source:ghost", e.Component)
	case <-time.After(2 * time.Second):
		t.Fatal("no attach error event")
	}

	good := writeCapture(t, "good", []byte("xyz"), []int64{1, 2, 3})
	require.NoError(t, p.AddSource(context.Background(), source.Ref{Name: "good", Interface: good, Driver: "file"}))
	waitReplayed(t, p)
	assert.Equal(t, "xyz", frameLabels(collect(t, p, ch)))
}

func TestPipelineSourceNames(t *testing.T) {
	p := newPipeline(t, nil)
	defer p.Stop(context.Background())

	_, err := p.AddFeed("keys")
	require.NoError(t, err)
	_, err = p.AddFeed("keys")
	assert.ErrorIs(t, err, core.ErrSourceExists)
	_, err = p.AddFeed(injectFeed)
	assert.ErrorIs(t, err, core.ErrSourceExists)

	err = p.AddSource(context.Background(), source.Ref{Name: "keys", Interface: "eth0", Driver: "file"})
	assert.ErrorIs(t, err, core.ErrSourceExists, "sources and feeds share one namespace")
	assert.ErrorIs(t, p.RemoveSource("nope"), core.ErrSourceNotFound)
	assert.Equal(t, []string{injectFeed, "keys"}, p.Registry().Feeds())
}

func TestPipelineInject(t *testing.T) {
	p := newPipeline(t, nil)
	ch := make(chan core.Record, 64)
	require.NoError(t, p.AttachSink(sink.NewChannel("out", ch), sink.AttachOptions{}))
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, p.InjectSessionKey(ctx, &core.SessionKey{SecretsType: core.SecretsTLSKeyLog, Data: []byte("CLIENT_RANDOM a b\n")}))
	require.NoError(t, p.InjectTracepoint(ctx, &core.Tracepoint{Type: "mark"}))

	got := collect(t, p, ch)
	require.Len(t, got, 2)
	assert.Equal(t, core.KindSessionKey, got[0].Kind())
	assert.Equal(t, injectFeed, got[0].Origin())
	assert.Equal(t, core.KindTracepoint, got[1].Kind())
}

func TestPipelineSinks(t *testing.T) {
	p := newPipeline(t, nil)
	require.NoError(t, p.Start(context.Background()))

	ch := make(chan core.Record, 1)
	require.NoError(t, p.AttachSink(sink.NewChannel("out", ch), sink.AttachOptions{}))
	assert.ErrorIs(t, p.AttachSink(sink.NewChannel("out", make(chan core.Record)), sink.AttachOptions{}), core.ErrSinkExists)
	assert.Equal(t, []string{"out"}, p.Registry().Sinks())

	st := p.Status()
	assert.Equal(t, "running", st.State)
	require.Len(t, st.Sinks, 1)
	assert.Equal(t, "out", st.Sinks[0].Name)
	assert.Contains(t, st.Feeds, injectFeed)

	require.NoError(t, p.DetachSink("out"))
	assert.Empty(t, p.Registry().Sinks())
	assert.ErrorIs(t, p.DetachSink("out"), core.ErrSinkNotFound)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, "stopped", p.Status().State)
	assert.ErrorIs(t, p.Start(context.Background()), core.ErrPipelineStopped)
	assert.ErrorIs(t, p.AddSource(context.Background(), source.Ref{Name: "x", Driver: "file"}), core.ErrPipelineStopped)
	assert.NoError(t, p.Stop(context.Background()), "Stop is idempotent")
}

func TestBuildFromConfig(t *testing.T) {
	dir := t.TempDir()
	in := writeCapture(t, "in", []byte("pq"), []int64{1, 2})
	out := filepath.Join(dir, "out.pcapng")

	cfg := &config.GlobalConfig{
		Merge: config.MergeConfig{OrderingPolicy: "drop"},
		Filter: config.FilterConfig{
			Interfaces: []string{"replay"},
		},
		Sources: []config.SourceConfig{
			{Name: "replay", Interface: in, Driver: "file"},
			{Name: "ghost", Interface: filepath.Join(dir, "missing.pcap"), Driver: "file"},
		},
		Sinks: []config.SinkConfig{
			{Name: "disk", Type: "file", Options: map[string]any{"path": out}},
		},
	}

	p, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	waitReplayed(t, p)
	require.NoError(t, p.Stop(context.Background()))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapng.NewReader(f)
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "pq", frameLabels(recs))
	for _, rec := range recs {
		assert.Equal(t, "replay", rec.Origin())
	}
}

func TestBuildRejectsBadSink(t *testing.T) {
	cfg := &config.GlobalConfig{
		Merge: config.MergeConfig{OrderingPolicy: "pass"},
		Sinks: []config.SinkConfig{{Name: "x", Type: "carrier-pigeon"}},
	}
	_, err := Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	cfg.Merge.OrderingPolicy = ""
	_, err = Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
