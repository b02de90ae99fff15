// Package metrics exposes call and feed counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "huddle"

type Metrics struct {
	Calls           *prometheus.CounterVec
	ActiveCalls     prometheus.Gauge
	CallDuration    prometheus.Histogram
	RemoteTracks    *prometheus.GaugeVec
	DroppedPayloads *prometheus.CounterVec
	ChatMessages    *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Terminated calls by kind and disposition.",
		}, []string{"kind", "disposition"}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls that have not reached a terminal status.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from answer to hangup of answered calls.",
			Buckets:   []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		RemoteTracks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_tracks",
			Help:      "Remote tracks currently received, by media kind.",
		}, []string{"kind"}),
		DroppedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_payloads_total",
			Help:      "Malformed inbound payloads that were discarded.",
		}, []string{"source"}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.Calls, m.ActiveCalls, m.CallDuration, m.RemoteTracks, m.DroppedPayloads, m.ChatMessages)
	return m
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	log.Info().Str("module", "metrics").Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
