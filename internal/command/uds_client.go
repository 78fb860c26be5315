package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/sink"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// clientResponse keeps the result raw so callers can decode it into the
// type they expect.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends a command and waits for response. A JSON-RPC error is
// returned as *ErrorInfo.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp clientResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *UDSClient) callInto(ctx context.Context, method string, params, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Status returns the daemon uptime and pipeline snapshot.
func (c *UDSClient) Status(ctx context.Context) (*StatusResult, error) {
	var out StatusResult
	if err := c.callInto(ctx, MethodPipelineStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SinkList lists attached sinks.
func (c *UDSClient) SinkList(ctx context.Context) ([]sink.Info, error) {
	var out []sink.Info
	if err := c.callInto(ctx, MethodSinkList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SinkAttach builds and attaches a sink in the daemon.
func (c *UDSClient) SinkAttach(ctx context.Context, sc config.SinkConfig) error {
	return c.callInto(ctx, MethodSinkAttach, sc, nil)
}

// SinkDetach detaches a sink by name.
func (c *UDSClient) SinkDetach(ctx context.Context, name string) error {
	return c.callInto(ctx, MethodSinkDetach, NameParams{Name: name}, nil)
}

// SourceAdd opens a capture source in the daemon.
func (c *UDSClient) SourceAdd(ctx context.Context, sc config.SourceConfig) error {
	return c.callInto(ctx, MethodSourceAdd, sc, nil)
}

// SourceRemove stops a source by name.
func (c *UDSClient) SourceRemove(ctx context.Context, name string) error {
	return c.callInto(ctx, MethodSourceRemove, NameParams{Name: name}, nil)
}

// Shutdown asks the daemon to stop gracefully.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.callInto(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, MethodPipelineStatus, nil)
	return err
}
