// Package metrics exposes the interposition layer's counters on the
// configured profiling port: a prometheus endpoint plus the standard pprof
// handlers, on one mux so a single port serves both.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bypassfs"

// Collector owns the prometheus registry and the metrics this layer emits.
type Collector struct {
	registry *prometheus.Registry

	readsTotal     *prometheus.CounterVec
	readBytesTotal *prometheus.CounterVec
	writesTotal    prometheus.Counter
	cacheLookups   *prometheus.CounterVec
	poolDials      prometheus.Counter
	openFiles      prometheus.Gauge

	server *http.Server
}

// Read path labels: the fast path fully served the request, or the
// authoritative fallback did.
const (
	PathFast     = "fast"
	PathFallback = "fallback"
)

// NewCollector builds and registers the layer's metrics.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		readsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Remote reads served, by path taken.",
		}, []string{"path"}),
		readBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes returned by remote reads, by path taken.",
		}, []string{"path"}),
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Remote writes forwarded to the SDK.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_cache_lookups_total",
			Help:      "Page cache lookups, by outcome.",
		}, []string{"outcome"}),
		poolDials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_dials_total",
			Help:      "New storage node connections dialed.",
		}),
		openFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_files",
			Help:      "Currently open remote handles.",
		}),
	}

	registry.MustRegister(c.readsTotal, c.readBytesTotal, c.writesTotal,
		c.cacheLookups, c.poolDials, c.openFiles)
	return c
}

// ObserveRead records one completed remote read.
func (c *Collector) ObserveRead(path string, bytes int) {
	c.readsTotal.WithLabelValues(path).Inc()
	c.readBytesTotal.WithLabelValues(path).Add(float64(bytes))
}

// ObserveWrite records one forwarded write.
func (c *Collector) ObserveWrite() {
	c.writesTotal.Inc()
}

// ObserveCache records a page cache lookup outcome ("hit" or "miss").
func (c *Collector) ObserveCache(outcome string) {
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveDial records a new storage node connection.
func (c *Collector) ObserveDial() {
	c.poolDials.Inc()
}

// SetOpenFiles updates the open handle gauge.
func (c *Collector) SetOpenFiles(n int) {
	c.openFiles.Set(float64(n))
}

// Serve starts the metrics/profiling endpoint on port. Port 0 disables it.
func (c *Collector) Serve(port int) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
