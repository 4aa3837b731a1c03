package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/metrics"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestTelemetry_ServesMetrics(t *testing.T) {
	port := freePort(t)
	m := metrics.New()
	m.SetQueueJobs("ocr", "waiting", 3)

	tel := New(0, port, m, logger.Nop())
	require.NoError(t, tel.Start(context.Background()))
	defer tel.Close()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mediacache_queue_jobs{queue="ocr",state="waiting"} 3`)
}

func TestTelemetry_Disabled(t *testing.T) {
	tel := New(0, 0, nil, logger.Nop())
	require.NoError(t, tel.Start(context.Background()))
	assert.NoError(t, tel.Close())
}
