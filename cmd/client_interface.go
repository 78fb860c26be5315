package cmd

import (
	"context"
	"time"

	"firestige.xyz/capmux/internal/command"
	"firestige.xyz/capmux/internal/config"
	"firestige.xyz/capmux/internal/sink"
)

// ControlClient is what the control commands need from the daemon.
// *command.UDSClient implements it.
type ControlClient interface {
	Status(ctx context.Context) (*command.StatusResult, error)
	SinkList(ctx context.Context) ([]sink.Info, error)
	SinkDetach(ctx context.Context, name string) error
	SourceAdd(ctx context.Context, sc config.SourceConfig) error
	SourceRemove(ctx context.Context, name string) error
}

var cli ControlClient

// client returns the injected client or one dialing the control socket.
func client() ControlClient {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(controlSocket(), 10*time.Second)
}

// controlSocket is the --socket flag when given, else the socket named by
// the configuration file when it loads, else the flag default.
func controlSocket() string {
	if rootCmd.PersistentFlags().Changed("socket") {
		return socketPath
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return socketPath
}

// controlPIDFile resolves the PID file the same way as controlSocket.
func controlPIDFile() string {
	if rootCmd.PersistentFlags().Changed("pidfile") {
		return pidFile
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.PIDFile != "" {
		return cfg.Control.PIDFile
	}
	return pidFile
}

// SetClient 用于测试时注入 mock 客户端
func SetClient(c ControlClient) {
	cli = c
}

// GetClient 用于测试时获取当前客户端
func GetClient() ControlClient {
	return cli
}
