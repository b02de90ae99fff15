package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Calls.WithLabelValues("primary", "answered").Inc()
	m.DroppedPayloads.WithLabelValues("transcription").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("primary", "answered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DroppedPayloads.WithLabelValues("transcription")))
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ActiveCalls.Set(1)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		b, _ := io.ReadAll(res.Body)
		body = string(b)
		return true
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "huddle_active_calls 1")

	cancel()
	require.NoError(t, <-done)
}
