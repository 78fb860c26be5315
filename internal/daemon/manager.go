package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"firestige.xyz/capmux/internal/command"
)

// IsRunning reports whether a daemon accepts connections on socketPath.
func IsRunning(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// StopDaemon asks the daemon to shut down over its control socket, falling
// back to SIGTERM on the PID in pidFile, and waits until it is gone.
func StopDaemon(ctx context.Context, socketPath, pidFile string) error {
	client := command.NewUDSClient(socketPath, 5*time.Second)
	if err := client.Shutdown(ctx); err == nil {
		return waitGone(ctx, func() bool { return IsRunning(socketPath) })
	}

	process, err := findDaemon(pidFile)
	if err != nil {
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", process.Pid, err)
	}
	return waitGone(ctx, func() bool { return process.Signal(syscall.Signal(0)) == nil })
}

// Signal sends sig to the daemon named by pidFile.
func Signal(pidFile string, sig os.Signal) error {
	process, err := findDaemon(pidFile)
	if err != nil {
		return err
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", process.Pid, err)
	}
	return nil
}

func findDaemon(pidFile string) (*os.Process, error) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return nil, fmt.Errorf("daemon not running: %w", err)
	}
	return os.FindProcess(pid)
}

func waitGone(ctx context.Context, alive func() bool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for alive() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("daemon still running: %w", ctx.Err())
		}
	}
	return nil
}

// ReadPIDFile returns the PID a daemon wrote on start.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}
