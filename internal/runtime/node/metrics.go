package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
)

// MetricFunc returns a snapshot of named gauges.
type MetricFunc func() map[string]float64

// MetricsHandler renders collectors in the Prometheus text format, sorted by
// collector and metric name.
func MetricsHandler(collectors map[string]MetricFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}
			snapshot := fn()
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	})
}

// StartMetricsServer serves collectors on addr under /metrics. It returns
// the bound address and a stop function.
func StartMetricsServer(addr string, collectors map[string]MetricFunc) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(collectors))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), srv.Shutdown, nil
}

func sanitizeMetricToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':') {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return string(b)
}

// collectors exposes protocol, worker, node and buffer pool gauges.
func (n *Node) collectors() map[string]MetricFunc {
	return map[string]MetricFunc{
		"meshwire_protocol": func() map[string]float64 {
			s := n.inst.Stats()
			return map[string]float64{
				"frames_in_total":        float64(s.FramesIn.Load()),
				"forwarded_total":        float64(s.Forwarded.Load()),
				"dropped_total":          float64(s.Dropped.Load()),
				"decode_offloaded_total": float64(s.Offloaded.Load()),
				"decode_inline_total":    float64(s.Inline.Load()),
				"decode_failures_total":  float64(s.DecodeFailures.Load()),
				"heartbeats_out_total":   float64(s.HeartbeatsOut.Load()),
				"handshake_errors_total": float64(s.HandshakeErrors.Load()),
				"redundant_total":        float64(s.Redundant.Load()),
			}
		},
		"meshwire_workers": func() map[string]float64 {
			p := n.inst.Workers()
			return map[string]float64{
				"size":            float64(p.Size()),
				"busy":            float64(p.Busy()),
				"completed_total": float64(p.Completed()),
			}
		},
		"meshwire_node": func() map[string]float64 {
			m := map[string]float64{
				"connections":            float64(n.stats.conns.Load()),
				"actors":                 float64(n.actors.count()),
				"proxies":                float64(n.proxies.Count()),
				"delivered_total":        float64(n.stats.delivered.Load()),
				"undeliverable_total":    float64(n.stats.undeliverable.Load()),
				"local_sends_total":      float64(n.stats.localSends.Load()),
				"heartbeats_in_total":    float64(n.stats.heartbeatsIn.Load()),
				"learned_direct_total":   float64(n.stats.nodesDirect.Load()),
				"learned_indirect_total": float64(n.stats.nodesIndirect.Load()),
				"idle_closed_total":      float64(n.stats.idleClosed.Load()),
				"peer_dials_total":       float64(n.stats.redials.Load()),
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			var direct, indirect int
			if n.call(ctx, func() { direct, indirect = n.inst.Table().Len() }) == nil {
				m["routes_direct"] = float64(direct)
				m["routes_indirect"] = float64(indirect)
			}
			return m
		},
		"meshwire_frames": func() map[string]float64 {
			m := make(map[string]float64)
			for size, inuse := range n.frames.InUse() {
				m[fmt.Sprintf("in_use_%d", size)] = float64(inuse)
			}
			return m
		},
	}
}

// startMetrics starts the TCP endpoint and, if configured, an HTTP/3
// endpoint on the same port.
func (n *Node) startMetrics(addr string) (func(ctx context.Context) error, error) {
	collectors := n.collectors()
	bound, stop, err := StartMetricsServer(addr, collectors)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.metrics = bound
	n.mu.Unlock()
	n.log.Info("metrics listening", "addr", bound)
	if !n.opts.MetricsHTTP3 {
		return stop, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(collectors))
	h3 := netstack.NewHTTP3Server(bound, nil, mux)
	if _, err := h3.Start(); err != nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("http3: %w", err)
	}
	return func(ctx context.Context) error {
		_ = h3.Stop()
		return stop(ctx)
	}, nil
}

// MetricsAddr returns the bound metrics address once Run started it.
func (n *Node) MetricsAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metrics
}
