package listener

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/core"
	"firestige.xyz/capmux/internal/pcapng"
)

func frameAt(i int) core.Record {
	return core.NewFrame("eth0", time.Unix(int64(i), 0), []byte{byte(i), 0, 0, 0}, 4, layers.LinkTypeEthernet)
}

func TestListenerSectionPerConnection(t *testing.T) {
	for _, addr := range []string{"tcp:127.0.0.1:0", "unix:" + filepath.Join(t.TempDir(), "cap.sock")} {
		t.Run(addr[:4], func(t *testing.T) {
			s, err := New("live", Options{Listen: addr})
			require.NoError(t, err)

			conn, err := net.Dial(s.Addr().Network(), s.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
			r, err := pcapng.NewReader(conn)
			require.NoError(t, err, "section header arrives on connect")

			require.NoError(t, s.Append(context.Background(), []core.Record{frameAt(1), frameAt(2)}))

			for i := 1; i <= 2; i++ {
				rec, err := r.Next()
				require.NoError(t, err)
				assert.WithinDuration(t, time.Unix(int64(i), 0), rec.Time(), 0)
			}
			require.NoError(t, s.Close())
		})
	}
}

func TestListenerDropsGoneReader(t *testing.T) {
	s, err := New("live", Options{Listen: "tcp:127.0.0.1:0", WriteTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	conn.Close()

	// Writes to a closed peer fail after a round trip; the sink itself never does.
	require.Eventually(t, func() bool {
		assert.NoError(t, s.Append(context.Background(), []core.Record{frameAt(1)}))
		return s.Clients() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestListenerBadAddress(t *testing.T) {
	_, err := New("live", Options{Listen: "nowhere"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
