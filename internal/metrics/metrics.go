// Package metrics exposes Prometheus counters for running channels.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors labelled by channel.
type Metrics struct {
	registry        *prometheus.Registry
	ticksTotal      *prometheus.CounterVec
	deadlineMisses  *prometheus.CounterVec
	overrunSeconds  *prometheus.HistogramVec
	linksCreated    *prometheus.CounterVec
	linksRemoved    *prometheus.CounterVec
	playlistWrites  *prometheus.CounterVec
	mediaSequence   *prometheus.GaugeVec
	channelFailures *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	labels := []string{"channel"}

	m := &Metrics{
		registry: registry,
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_ticks_total",
			Help: "Total number of segments published",
		}, labels),
		deadlineMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_deadline_misses_total",
			Help: "Total number of publishes that started after their deadline",
		}, labels),
		overrunSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopcast_deadline_overrun_seconds",
			Help:    "How late missed publishes started",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
		}, labels),
		linksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_links_created_total",
			Help: "Total number of segment links created",
		}, labels),
		linksRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_links_removed_total",
			Help: "Total number of segment links removed",
		}, labels),
		playlistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_playlist_writes_total",
			Help: "Total number of playlists persisted",
		}, labels),
		mediaSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loopcast_media_sequence",
			Help: "Media sequence number of the last published playlist",
		}, labels),
		channelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_channel_failures_total",
			Help: "Total number of channels that stopped with an error",
		}, labels),
	}

	registry.MustRegister(
		m.ticksTotal,
		m.deadlineMisses,
		m.overrunSeconds,
		m.linksCreated,
		m.linksRemoved,
		m.playlistWrites,
		m.mediaSequence,
		m.channelFailures,
	)

	return m
}

// Channel returns a recorder bound to one channel's label.
func (m *Metrics) Channel(name string) *Channel {
	return &Channel{
		ticks:          m.ticksTotal.WithLabelValues(name),
		deadlineMisses: m.deadlineMisses.WithLabelValues(name),
		overrun:        m.overrunSeconds.WithLabelValues(name),
		linksCreated:   m.linksCreated.WithLabelValues(name),
		linksRemoved:   m.linksRemoved.WithLabelValues(name),
		playlistWrites: m.playlistWrites.WithLabelValues(name),
		mediaSequence:  m.mediaSequence.WithLabelValues(name),
		failures:       m.channelFailures.WithLabelValues(name),
	}
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Channel records events for a single channel. A nil *Channel discards
// everything, so callers without metrics need no checks.
type Channel struct {
	ticks          prometheus.Counter
	deadlineMisses prometheus.Counter
	overrun        prometheus.Observer
	linksCreated   prometheus.Counter
	linksRemoved   prometheus.Counter
	playlistWrites prometheus.Counter
	mediaSequence  prometheus.Gauge
	failures       prometheus.Counter
}

// DeadlineMissed records a publish that started late by overrun.
func (c *Channel) DeadlineMissed(overrun time.Duration) {
	if c == nil {
		return
	}
	c.deadlineMisses.Inc()
	c.overrun.Observe(overrun.Seconds())
}

// LinksApplied records applied link changes.
func (c *Channel) LinksApplied(created, removed int) {
	if c == nil {
		return
	}
	c.linksCreated.Add(float64(created))
	c.linksRemoved.Add(float64(removed))
}

// Published records a persisted playlist.
func (c *Channel) Published(mediaSequence int64) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.playlistWrites.Inc()
	c.mediaSequence.Set(float64(mediaSequence))
}

// Failed records a channel that stopped with an error.
func (c *Channel) Failed() {
	if c == nil {
		return
	}
	c.failures.Inc()
}
