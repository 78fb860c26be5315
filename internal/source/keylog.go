package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"firestige.xyz/capmux/internal/core"
)

// NSS key-log labels (TLS) and WireGuard key-log keys.
var (
	tlsLabels = map[string]bool{
		"CLIENT_RANDOM":                   true,
		"CLIENT_EARLY_TRAFFIC_SECRET":     true,
		"CLIENT_HANDSHAKE_TRAFFIC_SECRET": true,
		"SERVER_HANDSHAKE_TRAFFIC_SECRET": true,
		"CLIENT_TRAFFIC_SECRET_0":         true,
		"SERVER_TRAFFIC_SECRET_0":         true,
		"EARLY_EXPORTER_SECRET":           true,
		"EXPORTER_SECRET":                 true,
	}
	wireGuardKeys = map[string]bool{
		"LOCAL_STATIC_PRIVATE_KEY":    true,
		"REMOTE_STATIC_PUBLIC_KEY":    true,
		"LOCAL_EPHEMERAL_PRIVATE_KEY": true,
		"PRESHARED_KEY":               true,
	}
)

// KeyLogStats counts what ReadKeyLog did with its input.
type KeyLogStats struct {
	Lines      uint64
	Pushed     uint64
	Duplicates uint64
	Invalid    uint64
}

// KeyLogReader turns key-log lines into SessionKey records.
type KeyLogReader struct {
	Feed        *Feed
	SecretsType uint32
	// DedupTTL suppresses a line seen again within the window. Zero
	// disables de-duplication.
	DedupTTL time.Duration
	// Now stamps records; defaults to time.Now.
	Now func() time.Time

	seen  *cache.Cache
	stats KeyLogStats
}

// ReadKeyLog scans r until EOF or ctx ends, pushing one SessionKey per
// valid, unseen line.
func ReadKeyLog(ctx context.Context, feed *Feed, r io.Reader, secretsType uint32, dedupTTL time.Duration) (KeyLogStats, error) {
	kr := &KeyLogReader{Feed: feed, SecretsType: secretsType, DedupTTL: dedupTTL}
	err := kr.Read(ctx, r)
	return kr.stats, err
}

func (kr *KeyLogReader) Stats() KeyLogStats { return kr.stats }

func (kr *KeyLogReader) Read(ctx context.Context, r io.Reader) error {
	if kr.Now == nil {
		kr.Now = time.Now
	}
	if kr.DedupTTL > 0 && kr.seen == nil {
		kr.seen = cache.New(kr.DedupTTL, 2*kr.DedupTTL)
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kr.stats.Lines++
		if !kr.valid(line) {
			kr.stats.Invalid++
			continue
		}
		if kr.seen != nil {
			if err := kr.seen.Add(line, struct{}{}, cache.DefaultExpiration); err != nil {
				kr.stats.Duplicates++
				continue
			}
		}

		rec := &core.SessionKey{
			Timestamp:   kr.Now(),
			Feed:        kr.Feed.Name(),
			SecretsType: kr.SecretsType,
			Data:        []byte(line + "\n"),
		}
		if err := kr.Feed.Push(ctx, rec); err != nil {
			return err
		}
		kr.stats.Pushed++
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, fs.ErrClosed) {
		return err
	}
	return nil
}

func (kr *KeyLogReader) valid(line string) bool {
	if kr.SecretsType == core.SecretsWireGuardKeyLog {
		key, value, ok := strings.Cut(line, "=")
		return ok && wireGuardKeys[strings.TrimSpace(key)] && strings.TrimSpace(value) != ""
	}
	fields := strings.Fields(line)
	return len(fields) == 3 && tlsLabels[fields[0]]
}

// OpenKeyLog reads key-log lines from path until ctx ends. A missing path
// is created as a named pipe; a pipe is opened read-write so that writers
// coming and going never produce EOF.
func OpenKeyLog(ctx context.Context, feed *Feed, path string, secretsType uint32, dedupTTL time.Duration) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := unix.Mkfifo(path, 0o600); err != nil {
			return fmt.Errorf("create key-log pipe %s: %w", path, err)
		}
		info, err = os.Stat(path)
	}
	if err != nil {
		return fmt.Errorf("key-log %s: %w", path, err)
	}

	flag := os.O_RDONLY
	if info.Mode()&fs.ModeNamedPipe != 0 {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return fmt.Errorf("open key-log %s: %w", path, err)
	}

	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		if stop() {
			f.Close()
		}
	}()

	slog.Info("reading key log", "path", path, "feed", feed.Name())
	stats, err := ReadKeyLog(ctx, feed, f, secretsType, dedupTTL)
	slog.Info("key log finished", "path", path, "pushed", stats.Pushed, "duplicates", stats.Duplicates, "invalid", stats.Invalid)
	if errors.Is(err, core.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
