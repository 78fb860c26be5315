package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/capmux/internal/command"
	"firestige.xyz/capmux/internal/pcapng"
)

// writeReplay writes a small Ethernet capture for the file driver.
func writeReplay(t *testing.T, path string, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for i := 0; i < frames; i++ {
		data := make([]byte, 60)
		data[0] = byte(i)
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(i)*int64(time.Millisecond)),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
}

func writeDaemonConfig(t *testing.T, dir, level string) string {
	t.Helper()
	in := filepath.Join(dir, "in.pcap")
	if _, err := os.Stat(in); os.IsNotExist(err) {
		writeReplay(t, in, 3)
	}
	content := `
capmux:
  log:
    level: ` + level + `
    format: text
  metrics:
    enabled: true
    listen: 127.0.0.1:0
  merge:
    ordering_policy: drop
  sources:
    - name: replay
      interface: ` + in + `
      driver: file
  sinks:
    - name: disk
      type: file
      options:
        path: ` + filepath.Join(dir, "out.pcapng") + `
`
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeDaemonConfig(t, tmpDir, "debug")
	socketPath := filepath.Join(tmpDir, "capmux.sock")
	pidFile := filepath.Join(tmpDir, "capmux.pid")

	d, err := New(configPath, socketPath, pidFile)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	if pid, err := ReadPIDFile(pidFile); err != nil || pid != os.Getpid() {
		t.Errorf("PID file = %d, %v; want %d", pid, err, os.Getpid())
	}
	if !IsRunning(socketPath) {
		t.Errorf("UDS socket is not accepting connections: %s", socketPath)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()

	// The replay source ends on its own once the file is read.
	client := command.NewUDSClient(socketPath, 5*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := client.Status(context.Background())
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if len(st.Pipeline.Sources) == 0 && st.Pipeline.Merge.Emitted >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay not finished: %+v", st.Pipeline)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Shutdown through the control socket
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("daemon.Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed after shutdown: %s", pidFile)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("UDS socket was not removed after shutdown: %s", socketPath)
	}

	// Everything replayed reached the file sink before it closed.
	f, err := os.Open(filepath.Join(tmpDir, "out.pcapng"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	r, err := pcapng.NewReader(f)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("output has %d records, want 3", len(recs))
	}
}

func TestDaemon_StartFailsOnBadSink(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	content := `
capmux:
  log:
    format: text
  metrics:
    enabled: false
  merge:
    ordering_policy: pass
  sinks:
    - name: broken
      type: file
      options:
        path: ` + filepath.Join(tmpDir, "missing-dir", "out.pcapng") + `
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	pidFile := filepath.Join(tmpDir, "capmux.pid")

	d, err := New(configPath, filepath.Join(tmpDir, "capmux.sock"), pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err == nil {
		d.Stop()
		t.Fatal("expected start to fail")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file left behind after failed start")
	}
	d.Stop() // idempotent
}

func TestDaemon_ControlPathsFromConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	content := `
capmux:
  control:
    socket: ` + filepath.Join(tmpDir, "from-config.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "from-config.pid") + `
  merge:
    ordering_policy: drop
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	d, err := New(configPath, "", "")
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if d.socketPath != filepath.Join(tmpDir, "from-config.sock") {
		t.Errorf("socketPath = %s", d.socketPath)
	}
	if d.pidFile != filepath.Join(tmpDir, "from-config.pid") {
		t.Errorf("pidFile = %s", d.pidFile)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	if err := os.WriteFile(configPath, []byte("capmux:\n  log:\n    level: loud\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(configPath, "", ""); err == nil {
		t.Fatal("expected error for invalid config")
	}
}
