package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/capmux/internal/command"
	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
	"firestige.xyz/capmux/internal/pipeline"
	"firestige.xyz/capmux/internal/sink"
)

// MockClient 实现 ControlClient
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Status(ctx context.Context) (*command.StatusResult, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(*command.StatusResult)
	return st, args.Error(1)
}

func (m *MockClient) SinkList(ctx context.Context) ([]sink.Info, error) {
	args := m.Called(ctx)
	infos, _ := args.Get(0).([]sink.Info)
	return infos, args.Error(1)
}

func (m *MockClient) SinkDetach(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockClient) SourceAdd(ctx context.Context, sc config.SourceConfig) error {
	return m.Called(ctx, sc).Error(0)
}

func (m *MockClient) SourceRemove(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func TestRunStatus(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return(&command.StatusResult{
		UptimeSec: 42,
		Pipeline:  pipeline.Status{State: "running", Feeds: []string{"inject"}},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), `"uptime_sec": 42`)
	assert.Contains(t, buf.String(), `"state": "running"`)
	mockClient.AssertExpectations(t)
}

func TestRunStatus_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return(nil, errors.New("connection refused"))

	var buf bytes.Buffer
	err := runStatus(context.Background(), mockClient, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, buf.String())
}

func TestRunSinkList(t *testing.T) {
	tests := []struct {
		name  string
		infos []sink.Info
		want  []string
	}{
		{
			name: "two sinks",
			infos: []sink.Info{
				{Name: "disk", Queued: 3, Capacity: 4096, Policy: "drop_oldest", Written: 100},
				{Name: "wire", Capacity: 16, Policy: "block", Dropped: 7, Errors: 1},
			},
			want: []string{"NAME", "disk", "4096", "drop_oldest", "wire", "block"},
		},
		{
			name: "none",
			want: []string{"No sinks attached."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("SinkList", mock.Anything).Return(tt.infos, nil)

			var buf bytes.Buffer
			require.NoError(t, runSinkList(context.Background(), mockClient, &buf))
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestRunSourceCommands(t *testing.T) {
	mockClient := new(MockClient)
	sc := config.SourceConfig{Interface: "eth1", Driver: "afpacket"}
	mockClient.On("SourceAdd", mock.Anything, sc).Return(nil)
	mockClient.On("SourceRemove", mock.Anything, "eth1").Return(nil)
	mockClient.On("SourceRemove", mock.Anything, "ghost").Return(&command.ErrorInfo{Code: command.ErrCodeNotFound, Message: "not found"})

	var buf bytes.Buffer
	require.NoError(t, runSourceAdd(context.Background(), mockClient, sc, &buf))
	assert.Contains(t, buf.String(), "Source eth1 added")

	require.NoError(t, runSourceRemove(context.Background(), mockClient, "eth1", &buf))
	assert.Contains(t, buf.String(), "Source eth1 removed")

	err := runSourceRemove(context.Background(), mockClient, "ghost", &buf)
	var rpcErr *command.ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, command.ErrCodeNotFound, rpcErr.Code)
	mockClient.AssertExpectations(t)
}

// 测试 Cobra 命令集成
func TestSinkDetachCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("SinkDetach", mock.Anything, "disk").Return(nil)

	originalCli := GetClient()
	SetClient(mockClient)
	defer SetClient(originalCli)

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"sink", "detach", "disk"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "Sink disk detached")
	mockClient.AssertExpectations(t)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRunValidate(t *testing.T) {
	path := writeConfigFile(t, `
capmux:
  merge:
    ordering_policy: drop
  sources:
    - interface: eth0
  sinks:
    - type: console
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(path, false, &buf))
	assert.Equal(t, "VALID: 1 source(s), 1 sink(s), ordering policy drop\n", buf.String())
}

func TestRunValidate_Invalid(t *testing.T) {
	path := writeConfigFile(t, "capmux:\n  log:\n    level: info\n")
	var buf bytes.Buffer
	err := runValidate(path, false, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid), "missing ordering policy: %v", err)
	assert.Empty(t, buf.String())
}

func TestRunValidate_Print(t *testing.T) {
	path := writeConfigFile(t, `
capmux:
  merge:
    ordering_policy: pass
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(path, true, &buf))

	var printed map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &printed))
	root, ok := printed["capmux"].(map[string]any)
	require.True(t, ok)
	merge, ok := root["merge"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pass", merge["ordering_policy"])
	assert.Contains(t, root, "fanout", "defaults are printed")
}

func TestRunRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pcapng.NewWriter(f, pcapng.Options{})
	require.NoError(t, err)

	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, w.WriteRecords([]core.Record{
		core.NewFrame("eth0", base, make([]byte, 60), 60, layers.LinkTypeEthernet),
		&core.Tracepoint{Timestamp: base.Add(time.Millisecond), Type: "mark", Message: "checkpoint"},
	}))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	var buf bytes.Buffer
	require.NoError(t, runRead(context.Background(), path, "text", nil, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "eth0 len=60 caplen=60")
	assert.Contains(t, lines[1], "tracepoint type=mark")

	buf.Reset()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, runRead(context.Background(), "-", "json", bytes.NewReader(data), &buf))
	assert.Contains(t, buf.String(), `"kind":"frame"`)

	assert.Error(t, runRead(context.Background(), path, "xml", nil, &buf))
	assert.Error(t, runRead(context.Background(), filepath.Join(t.TempDir(), "absent"), "text", nil, &buf))
}
