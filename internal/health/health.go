// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the bridge
// daemon.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus /metrics endpoint is also served, built on
// prometheus/client_golang, providing per-device uptime, restart counts,
// failure counts, and disk space gauges for fleet monitoring via
// Grafana/Prometheus.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceInfo describes the health state of a single Virtual Device.
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"` // total supervisor restarts
	Failures int           `json:"failures,omitempty"` // pipeline-level failures
}

// SystemInfo contains system-level health data included in the health response.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

// StatusProvider returns the current health status of all Virtual Devices.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns system-level health data.
// The daemon implements this interface to supply disk space and NTP info.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider

	registry *prometheus.Registry
	metrics  *prometheusMetrics
}

type prometheusMetrics struct {
	deviceHealthy   *prometheus.GaugeVec
	deviceUptime    *prometheus.GaugeVec
	deviceRestarts  *prometheus.GaugeVec
	deviceFailures  *prometheus.GaugeVec
	diskFreeBytes   prometheus.Gauge
	diskTotalBytes  prometheus.Gauge
	diskLowWarning  prometheus.Gauge
	ntpSynced       prometheus.Gauge
}

// NewHandler creates a health check HTTP handler, registering its
// Prometheus collectors against a private registry so multiple Handlers
// (e.g. in tests) never collide on the default global registry.
func NewHandler(provider StatusProvider) *Handler {
	m := &prometheusMetrics{
		deviceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_device_healthy",
			Help: "Is the device currently healthy (1=healthy, 0=not).",
		}, []string{"device"}),
		deviceUptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_device_uptime_seconds",
			Help: "Seconds since the device last started.",
		}, []string{"device"}),
		deviceRestarts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_device_restarts_total",
			Help: "Total supervisor restarts for the device.",
		}, []string{"device"}),
		deviceFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_device_failures_total",
			Help: "Total pipeline-level failures for the device.",
		}, []string{"device"}),
		diskFreeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_disk_free_bytes",
			Help: "Free bytes on the cache filesystem.",
		}),
		diskTotalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_disk_total_bytes",
			Help: "Total bytes on the cache filesystem.",
		}),
		diskLowWarning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_disk_low_warning",
			Help: "1 when free disk is below the configured threshold.",
		}),
		ntpSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_ntp_synced",
			Help: "1 when the system clock is NTP-synchronized.",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.deviceHealthy, m.deviceUptime, m.deviceRestarts, m.deviceFailures,
		m.diskFreeBytes, m.diskTotalBytes, m.diskLowWarning, m.ntpSynced,
	)

	return &Handler{provider: provider, registry: reg, metrics: m}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space and NTP status are included in /healthz responses and
// /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
		if !si.NTPSynced {
			// NTP desync does not clear `healthy`, but it turns a healthy
			// status into degraded, and every status other than healthy is
			// served with 503.
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics refreshes the registered collectors from the live
// providers, then delegates rendering to promhttp so the exposition
// format always matches what client_golang itself produces.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h.refreshMetrics()
	promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (h *Handler) refreshMetrics() {
	m := h.metrics

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	m.deviceHealthy.Reset()
	m.deviceUptime.Reset()
	m.deviceRestarts.Reset()
	m.deviceFailures.Reset()
	for _, svc := range services {
		healthy := 0.0
		if svc.Healthy {
			healthy = 1
		}
		m.deviceHealthy.WithLabelValues(svc.Name).Set(healthy)
		m.deviceUptime.WithLabelValues(svc.Name).Set(svc.Uptime.Seconds())
		m.deviceRestarts.WithLabelValues(svc.Name).Set(float64(svc.Restarts))
		m.deviceFailures.WithLabelValues(svc.Name).Set(float64(svc.Failures))
	}

	if h.sysProvider == nil {
		return
	}
	si := h.sysProvider.SystemInfo()
	m.diskFreeBytes.Set(float64(si.DiskFreeBytes))
	m.diskTotalBytes.Set(float64(si.DiskTotalBytes))
	setBool(m.diskLowWarning, si.DiskLowWarning)
	setBool(m.ntpSynced, si.NTPSynced)
}

func setBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so a caller can detect a port-in-use failure
// immediately instead of only after ctx is cancelled.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
