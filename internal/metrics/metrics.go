package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jxwalker/maintsync/internal/config"
)

// Manager owns a private registry. A nil *Manager is valid and records nothing.
type Manager struct {
	path string
	reg  *prometheus.Registry

	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	servedFromCache *prometheus.CounterVec
	remoteRequests  *prometheus.CounterVec
	tokenRenewals   *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	downloads       *prometheus.CounterVec
	activeDownloads prometheus.Gauge
	janitorRemoved  *prometheus.CounterVec
}

// New returns a Manager when the textfile exporter is enabled, nil otherwise.
func New(cfg *config.Config) *Manager {
	if cfg == nil || !cfg.Metrics.PrometheusTextfile.Enabled || cfg.Metrics.PrometheusTextfile.Path == "" {
		return nil
	}
	p := cfg.Metrics.PrometheusTextfile.Path
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	m := NewRegistry()
	m.path = p
	return m
}

// NewRegistry builds a Manager without a textfile target (tests, embedding).
func NewRegistry() *Manager {
	m := &Manager{
		reg: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_cache_hits_total",
			Help: "Reads answered by the local store without a remote call.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_cache_misses_total",
			Help: "Reads that required a remote refresh.",
		}, []string{"kind"}),
		servedFromCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_served_from_cache_total",
			Help: "Results degraded to a stale local copy after a remote failure.",
		}, []string{"op"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_remote_requests_total",
			Help: "Remote calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		tokenRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_token_renewals_total",
			Help: "Credential renewals by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maintsync_download_bytes_total",
			Help: "Total bytes written by content downloads.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_downloads_total",
			Help: "Download tasks reaching a terminal state.",
		}, []string{"status"}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maintsync_active_downloads",
			Help: "Download tasks currently pending or downloading.",
		}),
		janitorRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintsync_janitor_removed_total",
			Help: "Rows removed by the cache janitor by reason.",
		}, []string{"reason"}),
	}
	m.reg.MustRegister(m.cacheHits, m.cacheMisses, m.servedFromCache, m.remoteRequests,
		m.tokenRenewals, m.downloadBytes, m.downloads, m.activeDownloads, m.janitorRemoved)
	return m
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Manager) CacheHit(kind string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(kind).Inc()
}

func (m *Manager) CacheMiss(kind string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(kind).Inc()
}

func (m *Manager) ServedFromCache(op string) {
	if m == nil {
		return
	}
	m.servedFromCache.WithLabelValues(op).Inc()
}

func (m *Manager) RemoteRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Manager) TokenRenewal(outcome string) {
	if m == nil {
		return
	}
	m.tokenRenewals.WithLabelValues(outcome).Inc()
}

func (m *Manager) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Manager) DownloadFinished(status string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(status).Inc()
}

func (m *Manager) ActiveDownloads(delta float64) {
	if m == nil {
		return
	}
	m.activeDownloads.Add(delta)
}

func (m *Manager) JanitorRemoved(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorRemoved.WithLabelValues(reason).Add(float64(n))
}

// Write atomically exports the registry in Prometheus textfile format.
func (m *Manager) Write() error {
	if m == nil || m.path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.path, m.reg)
}
