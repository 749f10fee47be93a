// Package metricsx wraps github.com/VictoriaMetrics/metrics with the fixed
// set of counters and gauges agentsec exposes, per spec §6 ("Metrics/state").
package metricsx

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Registry holds every counter/gauge named in the specification. A Registry
// is safe for concurrent use: every field is itself concurrency-safe.
type Registry struct {
	set *metrics.Set

	RecvBytes  *metrics.Counter
	SendBytes  *metrics.Counter
	RecvCtrl   *metrics.Counter
	RecvEvt    *metrics.Counter
	RecvPing   *metrics.Counter
	RecvUnknown *metrics.Counter
	RecvDequeued *metrics.Counter
	KeysReload *metrics.Counter

	tcpActive atomic.Int64
}

// New creates a Registry backed by a fresh, isolated metrics.Set so tests
// never collide with process-global state.
func New() *Registry {
	set := metrics.NewSet()
	r := &Registry{
		set:          set,
		RecvBytes:    set.NewCounter("agentsec_recv_bytes_total"),
		SendBytes:    set.NewCounter("agentsec_send_bytes_total"),
		RecvCtrl:     set.NewCounter("agentsec_recv_ctrl_total"),
		RecvEvt:      set.NewCounter("agentsec_recv_evt_total"),
		RecvPing:     set.NewCounter("agentsec_recv_ping_total"),
		RecvUnknown:  set.NewCounter("agentsec_recv_unknown_total"),
		RecvDequeued: set.NewCounter("agentsec_recv_dequeued_total"),
		KeysReload:   set.NewCounter("agentsec_keys_reload_total"),
	}
	set.NewGauge("agentsec_tcp_active", func() float64 {
		return float64(r.TCPActive())
	})
	return r
}

// IncTCPActive/DecTCPActive maintain the tcp_active gauge (spec §6, P5: it
// must equal the count of fds present in the receive-buffer table).
func (r *Registry) IncTCPActive() { r.tcpActive.Add(1) }
func (r *Registry) DecTCPActive() { r.tcpActive.Add(-1) }

// TCPActive returns the current value of the tcp_active gauge.
func (r *Registry) TCPActive() int64 {
	return r.tcpActive.Load()
}

// WritePrometheus exposes every metric in Prometheus text exposition format,
// for wiring into an HTTP handler (out of scope per spec §1, left to the
// caller).
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}
