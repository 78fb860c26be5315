// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pipeline"
	"firestige.xyz/capmux/internal/source"
)

// Method names.
const (
	MethodPipelineStatus = "pipeline.status"
	MethodSinkList       = "sink.list"
	MethodSinkAttach     = "sink.attach"
	MethodSinkDetach     = "sink.detach"
	MethodSourceAdd      = "source.add"
	MethodSourceRemove   = "source.remove"
	MethodDaemonShutdown = "daemon.shutdown"
)

// Controller is the part of the pipeline the control plane drives.
type Controller interface {
	Status() pipeline.Status
	AttachSinkConfig(sc config.SinkConfig) error
	DetachSink(name string) error
	AddSource(ctx context.Context, ref source.Ref) error
	RemoveSource(name string) error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	ctrl         Controller
	fanout       config.FanoutConfig // defaults for sinks attached at runtime
	shutdownFunc func()              // Called by daemon.shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ctrl Controller, fanout config.FanoutConfig) *CommandHandler {
	return &CommandHandler{
		ctrl:      ctrl,
		fanout:    fanout,
		startTime: time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "sink.attach", "source.remove"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`               // matches request ID
	Result any        `json:"result,omitempty"` // success result
	Error  *ErrorInfo `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeNotFound = -32004 // Named sink or source does not exist
	ErrCodeConflict = -32009 // Name already in use
	ErrCodeAttach   = -32010 // Source could not be opened
	ErrCodeStopped  = -32011 // Pipeline no longer accepts changes
)

// NameParams names a sink or source.
type NameParams struct {
	Name string `json:"name"`
}

// StatusResult is the result of pipeline.status.
type StatusResult struct {
	UptimeSec int64           `json:"uptime_sec"`
	Pipeline  pipeline.Status `json:"pipeline"`
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodPipelineStatus:
		return h.handlePipelineStatus(cmd)
	case MethodSinkList:
		return result(cmd, h.ctrl.Status().Sinks)
	case MethodSinkAttach:
		return h.handleSinkAttach(cmd)
	case MethodSinkDetach:
		return h.handleSinkDetach(cmd)
	case MethodSourceAdd:
		return h.handleSourceAdd(ctx, cmd)
	case MethodSourceRemove:
		return h.handleSourceRemove(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return failure(cmd, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func result(cmd Command, v any) Response {
	return Response{ID: cmd.ID, Result: v}
}

func failure(cmd Command, code int, msg string) Response {
	return Response{ID: cmd.ID, Error: &ErrorInfo{Code: code, Message: msg}}
}

// errorResponse maps pipeline errors onto response codes.
func errorResponse(cmd Command, op string, err error) Response {
	code := ErrCodeInternalError
	var ae *core.AttachError
	switch {
	case errors.Is(err, core.ErrConfigInvalid):
		code = ErrCodeInvalidParams
	case errors.Is(err, core.ErrSinkNotFound), errors.Is(err, core.ErrSourceNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, core.ErrSinkExists), errors.Is(err, core.ErrSourceExists):
		code = ErrCodeConflict
	case errors.Is(err, core.ErrPipelineStopped), errors.Is(err, core.ErrClosed):
		code = ErrCodeStopped
	case errors.As(err, &ae):
		code = ErrCodeAttach
	}
	return failure(cmd, code, fmt.Sprintf("%s failed: %v", op, err))
}

// decodeParams unmarshals params into a settings map so they go through
// the same decoding as the configuration file.
func decodeParams(cmd Command) (map[string]any, error) {
	if len(cmd.Params) == 0 {
		return nil, errors.New("params required")
	}
	var m map[string]any
	if err := json.Unmarshal(cmd.Params, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeName(cmd Command) (string, error) {
	var params NameParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return "", err
		}
	}
	if params.Name == "" {
		return "", errors.New("name is required")
	}
	return params.Name, nil
}

func (h *CommandHandler) handlePipelineStatus(cmd Command) Response {
	return result(cmd, StatusResult{
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
		Pipeline:  h.ctrl.Status(),
	})
}

func (h *CommandHandler) handleSinkAttach(cmd Command) Response {
	m, err := decodeParams(cmd)
	if err != nil {
		return failure(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	sc, err := config.DecodeSink(m, h.fanout)
	if err != nil {
		return errorResponse(cmd, "attach sink", err)
	}
	if err := h.ctrl.AttachSinkConfig(sc); err != nil {
		return errorResponse(cmd, "attach sink", err)
	}
	slog.Info("sink attached via control plane", "sink", sc.Name, "type", sc.Type)
	return result(cmd, map[string]any{"sink": sc.Name, "status": "attached"})
}

func (h *CommandHandler) handleSinkDetach(cmd Command) Response {
	name, err := decodeName(cmd)
	if err != nil {
		return failure(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.ctrl.DetachSink(name); err != nil {
		return errorResponse(cmd, "detach sink", err)
	}
	return result(cmd, map[string]any{"sink": name, "status": "detached"})
}

func (h *CommandHandler) handleSourceAdd(ctx context.Context, cmd Command) Response {
	m, err := decodeParams(cmd)
	if err != nil {
		return failure(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	sc, err := config.DecodeSource(m)
	if err != nil {
		return errorResponse(cmd, "add source", err)
	}
	if err := h.ctrl.AddSource(ctx, pipeline.SourceRef(sc)); err != nil {
		return errorResponse(cmd, "add source", err)
	}
	slog.Info("source added via control plane", "source", sc.Name, "interface", sc.Interface, "driver", sc.Driver)
	return result(cmd, map[string]any{"source": sc.Name, "status": "added"})
}

func (h *CommandHandler) handleSourceRemove(cmd Command) Response {
	name, err := decodeName(cmd)
	if err != nil {
		return failure(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if err := h.ctrl.RemoveSource(name); err != nil {
		return errorResponse(cmd, "remove source", err)
	}
	return result(cmd, map[string]any{"source": name, "status": "removed"})
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return failure(cmd, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon.shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return result(cmd, map[string]any{"status": "shutting_down"})
}
