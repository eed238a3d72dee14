// Package metrics records pipeline throughput in Prometheus collectors and
// keeps a small in-process summary for the health endpoint.
package metrics

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram

	mu     sync.Mutex
	start  time.Time
	stages map[string]*stageStats
	builds int
	buildMS int64
}

type stageStats struct {
	calls     int
	totalMS   int64
	errors    int
	cacheHits int
}

func New() *Metrics {
	m := &Metrics{
		reg:    prometheus.NewRegistry(),
		start:  time.Now(),
		stages: map[string]*stageStats{},
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwbuild",
			Name:      "stage_total",
			Help:      "Dispatched stage envelopes by terminal status.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hwbuild",
			Name:      "stage_duration_seconds",
			Help:      "Time stage envelopes spent in progress.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 240, 360},
		}, []string{"stage"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwbuild",
			Name:      "llm_cache_hits_total",
			Help:      "Generator responses served from the response cache.",
		}, []string{"stage"}),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hwbuild",
			Name:      "builds_total",
			Help:      "Finished builds by final project status.",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hwbuild",
			Name:      "build_duration_seconds",
			Help:      "Wall time of whole builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
	}
	m.reg.MustRegister(m.stageTotal, m.stageDuration, m.cacheHits, m.buildsTotal, m.buildDuration)
	return m
}

// ObserveStage records one terminal envelope.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration, failed bool) {
	m.stageTotal.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stat(stage)
	s.calls++
	s.totalMS += d.Milliseconds()
	if failed {
		s.errors++
	}
}

// CacheHit is shaped to plug into llm.Cache.OnHit.
func (m *Metrics) CacheHit(stage string) {
	m.cacheHits.WithLabelValues(stage).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stat(stage).cacheHits++
}

func (m *Metrics) ObserveBuild(status string, d time.Duration) {
	m.buildsTotal.WithLabelValues(status).Inc()
	m.buildDuration.Observe(d.Seconds())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds++
	m.buildMS += d.Milliseconds()
}

func (m *Metrics) stat(stage string) *stageStats {
	s, ok := m.stages[stage]
	if !ok {
		s = &stageStats{}
		m.stages[stage] = s
	}
	return s
}

type StageSnapshot struct {
	Calls     int     `json:"calls"`
	AvgMS     int64   `json:"avg_ms"`
	ErrorRate float64 `json:"error_rate"`
	CacheHits int     `json:"cache_hits"`
}

type Snapshot struct {
	UptimeS    float64                  `json:"uptime_s"`
	Builds     int                      `json:"total_builds"`
	AvgBuildMS int64                    `json:"avg_build_ms"`
	Stages     map[string]StageSnapshot `json:"stages"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Snapshot{
		UptimeS: math.Round(time.Since(m.start).Seconds()*10) / 10,
		Builds:  m.builds,
		Stages:  map[string]StageSnapshot{},
	}
	if m.builds > 0 {
		out.AvgBuildMS = m.buildMS / int64(m.builds)
	}
	names := make([]string, 0, len(m.stages))
	for k := range m.stages {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		s := m.stages[k]
		calls := s.calls
		if calls == 0 {
			calls = 1
		}
		out.Stages[k] = StageSnapshot{
			Calls:     s.calls,
			AvgMS:     s.totalMS / int64(calls),
			ErrorRate: math.Round(float64(s.errors)/float64(calls)*1000) / 1000,
			CacheHits: s.cacheHits,
		}
	}
	return out
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
