package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/capmux/internal/diag"
)

func TestDiagHandlerCountsByKind(t *testing.T) {
	before := testutil.ToFloat64(DiagEventsTotal.WithLabelValues(string(diag.KindQueueOverflow)))

	h := DiagHandler()
	h(diag.Event{Kind: diag.KindQueueOverflow, Count: 3})
	h(diag.Event{Kind: diag.KindQueueOverflow, Count: 1})

	after := testutil.ToFloat64(DiagEventsTotal.WithLabelValues(string(diag.KindQueueOverflow)))
	assert.Equal(t, 4.0, after-before)
}

func TestServerServesMetrics(t *testing.T) {
	SinkRecordsTotal.WithLabelValues("probe").Add(1)

	srv := NewServer("127.0.0.1:0", "/metrics")
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())
	addr := srv.Addr()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	assert.Contains(t, string(body), `capmux_sink_records_total{sink="probe"}`)
}
