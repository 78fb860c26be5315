package command

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pipeline"
	"firestige.xyz/capmux/internal/sink"
	"firestige.xyz/capmux/internal/source"
)

// fakeController records what the handler asked for.
type fakeController struct {
	sinks   []config.SinkConfig
	refs    []source.Ref
	removed []string
	err     error
}

func (f *fakeController) Status() pipeline.Status {
	return pipeline.Status{State: "running", Sinks: []sink.Info{{Name: "disk", Capacity: 8}}}
}

func (f *fakeController) AttachSinkConfig(sc config.SinkConfig) error {
	if f.err != nil {
		return f.err
	}
	f.sinks = append(f.sinks, sc)
	return nil
}

func (f *fakeController) DetachSink(name string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, "sink:"+name)
	return nil
}

func (f *fakeController) AddSource(_ context.Context, ref source.Ref) error {
	if f.err != nil {
		return f.err
	}
	f.refs = append(f.refs, ref)
	return nil
}

func (f *fakeController) RemoveSource(name string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, "source:"+name)
	return nil
}

func command(t *testing.T, method string, params any) Command {
	t.Helper()
	cmd := Command{Method: method, ID: "req-1"}
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		cmd.Params = data
	}
	return cmd
}

func TestHandleSinkAttach(t *testing.T) {
	ctrl := &fakeController{}
	h := NewCommandHandler(ctrl, config.FanoutConfig{QueueCapacity: 128, BatchSize: 16})

	resp := h.Handle(context.Background(), command(t, MethodSinkAttach, map[string]any{
		"name":    "disk",
		"type":    "file",
		"options": map[string]any{"path": "/tmp/out.pcapng"},
	}))
	require.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.ID)

	require.Len(t, ctrl.sinks, 1)
	sc := ctrl.sinks[0]
	assert.Equal(t, "disk", sc.Name)
	assert.Equal(t, "file", sc.Type)
	assert.Equal(t, 128, sc.QueueCapacity, "fan-out defaults apply")
	assert.Equal(t, 16, sc.BatchSize)
	assert.Equal(t, "/tmp/out.pcapng", sc.Options["path"])
}

func TestHandleSourceAdd(t *testing.T) {
	ctrl := &fakeController{}
	h := NewCommandHandler(ctrl, config.FanoutConfig{})

	resp := h.Handle(context.Background(), command(t, MethodSourceAdd, map[string]any{
		"name":      "uplink",
		"interface": "eth1",
		"driver":    "afpacket",
		"priority":  2,
		"filter":    "udp",
	}))
	require.Nil(t, resp.Error)
	require.Len(t, ctrl.refs, 1)
	ref := ctrl.refs[0]
	assert.Equal(t, "uplink", ref.Name)
	assert.Equal(t, "eth1", ref.Interface)
	assert.Equal(t, "afpacket", ref.Driver)
	assert.Equal(t, 2, ref.Priority)
	assert.Equal(t, "udp", ref.Filter)
}

func TestHandleRemoveAndDetach(t *testing.T) {
	ctrl := &fakeController{}
	h := NewCommandHandler(ctrl, config.FanoutConfig{})

	require.Nil(t, h.Handle(context.Background(), command(t, MethodSinkDetach, NameParams{Name: "disk"})).Error)
	require.Nil(t, h.Handle(context.Background(), command(t, MethodSourceRemove, NameParams{Name: "eth0"})).Error)
	assert.Equal(t, []string{"sink:disk", "source:eth0"}, ctrl.removed)

	resp := h.Handle(context.Background(), command(t, MethodSinkDetach, nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not_found", fmt.Errorf("%w: disk", core.ErrSinkNotFound), ErrCodeNotFound},
		{"source_not_found", core.ErrSourceNotFound, ErrCodeNotFound},
		{"conflict", core.ErrSinkExists, ErrCodeConflict},
		{"stopped", core.ErrPipelineStopped, ErrCodeStopped},
		{"invalid", core.ErrConfigInvalid, ErrCodeInvalidParams},
		{"attach", &core.AttachError{Source: "eth9", Driver: "afpacket", Err: fmt.Errorf("no such device")}, ErrCodeAttach},
		{"other", fmt.Errorf("boom"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCommandHandler(&fakeController{err: tt.err}, config.FanoutConfig{})
			resp := h.Handle(context.Background(), command(t, MethodSourceRemove, NameParams{Name: "x"}))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, resp.Error.Code)
		})
	}
}

func TestHandleInvalidConfig(t *testing.T) {
	ctrl := &fakeController{}
	h := NewCommandHandler(ctrl, config.FanoutConfig{})

	resp := h.Handle(context.Background(), command(t, MethodSinkAttach, map[string]any{"name": "disk"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)

	resp = h.Handle(context.Background(), Command{Method: MethodSourceAdd, Params: json.RawMessage(`[1,2]`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Empty(t, ctrl.sinks)
	assert.Empty(t, ctrl.refs)
}

func TestHandleStatusAndList(t *testing.T) {
	h := NewCommandHandler(&fakeController{}, config.FanoutConfig{})

	resp := h.Handle(context.Background(), command(t, MethodPipelineStatus, nil))
	require.Nil(t, resp.Error)
	st, ok := resp.Result.(StatusResult)
	require.True(t, ok)
	assert.Equal(t, "running", st.Pipeline.State)

	resp = h.Handle(context.Background(), command(t, MethodSinkList, nil))
	require.Nil(t, resp.Error)
	infos, ok := resp.Result.([]sink.Info)
	require.True(t, ok)
	require.Len(t, infos, 1)
	assert.Equal(t, "disk", infos[0].Name)
}

func TestHandleUnknownMethod(t *testing.T) {
	h := NewCommandHandler(&fakeController{}, config.FanoutConfig{})
	resp := h.Handle(context.Background(), Command{Method: "task_create", ID: "7"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "7", resp.ID)
}

func TestHandleShutdown(t *testing.T) {
	h := NewCommandHandler(&fakeController{}, config.FanoutConfig{})
	resp := h.Handle(context.Background(), command(t, MethodDaemonShutdown, nil))
	require.NotNil(t, resp.Error, "no shutdown func registered")

	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	resp = h.Handle(context.Background(), command(t, MethodDaemonShutdown, nil))
	require.Nil(t, resp.Error)
	<-called
}
