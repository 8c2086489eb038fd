package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the server. Each Metrics
// has its own registry so several hubs can live in one process.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time
	sessions  func() int
	instances func() int

	sessionsAttached prometheus.Gauge
	instancesAwake   prometheus.Gauge
	commandsTotal    *prometheus.CounterVec
	deltasTotal      *prometheus.CounterVec
	deliveredTotal   prometheus.Counter
	staleTotal       prometheus.Counter
	droppedTotal     prometheus.Counter
	commitsTotal     *prometheus.CounterVec
	conflictsTotal   *prometheus.CounterVec
	broadcastsTotal  *prometheus.CounterVec
	prefsWritesTotal prometheus.Counter
	sleepsTotal      prometheus.Counter
	uptimeSeconds    prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	goroutines       prometheus.Gauge
}

// NewMetrics creates and registers the server metrics. sessions and
// instances are sampled on every scrape.
func NewMetrics(startTime time.Time, sessions, instances func() int) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: startTime,
		sessions:  sessions,
		instances: instances,
		sessionsAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tworld_sessions_attached",
			Help: "Number of sessions with a live connection.",
		}),
		instancesAwake: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tworld_instances_awake",
			Help: "Number of awake world instances.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tworld_commands_total",
			Help: "Inbound commands by name and outcome.",
		}, []string{"cmd", "outcome"}),
		deltasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tworld_deltas_queued_total",
			Help: "Outbound deltas queued by envelope command.",
		}, []string{"cmd"}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tworld_envelopes_delivered_total",
			Help: "Envelopes written to a connection.",
		}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tworld_deltas_stale_total",
			Help: "Location deltas dropped at delivery because the session had moved.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tworld_envelopes_dropped_total",
			Help: "Queued envelopes discarded on detach.",
		}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tworld_commits_total",
			Help: "Committed versioned writes by kind.",
		}, []string{"kind"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tworld_conflicts_total",
			Help: "Rejected versioned writes by kind.",
		}, []string{"kind"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tworld_broadcasts_total",
			Help: "Feed broadcasts by event type.",
		}, []string{"type"}),
		prefsWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tworld_prefs_writes_total",
			Help: "Debounced uiprefs writes.",
		}),
		sleepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tworld_instance_sleeps_total",
			Help: "Instances put to sleep after sitting empty.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tworld_uptime_seconds",
			Help: "Server uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tworld_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tworld_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsAttached,
		m.instancesAwake,
		m.commandsTotal,
		m.deltasTotal,
		m.deliveredTotal,
		m.staleTotal,
		m.droppedTotal,
		m.sleepsTotal,
		m.commitsTotal,
		m.conflictsTotal,
		m.broadcastsTotal,
		m.prefsWritesTotal,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) command(cmd, outcome string) {
	m.commandsTotal.WithLabelValues(cmd, outcome).Inc()
}

func (m *Metrics) delta(cmd string) { m.deltasTotal.WithLabelValues(cmd).Inc() }
func (m *Metrics) delivered(events.Envelope) { m.deliveredTotal.Inc() }
func (m *Metrics) stale(events.Envelope) { m.staleTotal.Inc() }
func (m *Metrics) dropped(n int) { m.droppedTotal.Add(float64(n)) }
func (m *Metrics) commit(kind string) { m.commitsTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) conflict(kind string) { m.conflictsTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) prefsWrite() { m.prefsWritesTotal.Inc() }
func (m *Metrics) slept(worlddb.WorldID, worlddb.ScopeID) { m.sleepsTotal.Inc() }
func (m *Metrics) broadcast(ev events.Event, _ int) {
	m.broadcastsTotal.WithLabelValues(ev.Type.String()).Inc()
}

// Update refreshes all gauge metrics.
func (m *Metrics) Update() {
	if m.sessions != nil {
		m.sessionsAttached.Set(float64(m.sessions()))
	}
	if m.instances != nil {
		m.instancesAwake.Set(float64(m.instances()))
	}
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		h.ServeHTTP(w, r)
	})
}
