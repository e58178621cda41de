// Package metrics instruments the ingestion pipeline with Prometheus
// collectors. All collectors live on a private registry so tests can create
// as many instances as they like without global registration conflicts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the feed core updates. A nil *Metrics is
// valid everywhere and disables instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived prometheus.Counter
	DecodeErrors   prometheus.Counter
	EventsDecoded  *prometheus.CounterVec // by stream kind

	BusPublished prometheus.Counter
	BusDropped   prometheus.Counter // oldest-dropped under subscriber pressure
	BusDiscarded prometheus.Counter // over the per-second cap

	EventsInvalid prometheus.Counter
	EventsDeduped prometheus.Counter
	FilterInserts *prometheus.CounterVec // by filter class

	AggMerged  prometheus.Counter
	AggFlushed prometheus.Counter

	SeenIDs    prometheus.Gauge
	PendingAgg prometheus.Gauge
	Reconnects prometheus.Counter
	Connected  prometheus.Gauge
}

// New builds a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_frames_received_total",
			Help: "Raw WebSocket data frames received",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_decode_errors_total",
			Help: "Frames that failed to normalize",
		}),
		EventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_events_decoded_total",
			Help: "Normalized events by stream kind",
		}, []string{"kind"}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_bus_published_total",
			Help: "Events published to the bus",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_bus_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
		BusDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_bus_discarded_total",
			Help: "Events discarded by the per-second publish cap",
		}),
		EventsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_events_invalid_total",
			Help: "Events rejected by validation",
		}),
		EventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_events_deduped_total",
			Help: "Events dropped as duplicates",
		}),
		FilterInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_filter_inserts_total",
			Help: "Filter cache insertions by threshold class",
		}, []string{"class"}),
		AggMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_aggregator_merged_total",
			Help: "Events merged into a pending aggregate",
		}),
		AggFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_aggregator_flushed_total",
			Help: "Aggregates emitted by flush",
		}),
		SeenIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_seen_ids",
			Help: "Size of the de-duplication set",
		}),
		PendingAgg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_aggregator_pending",
			Help: "Pending aggregate entries",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_ws_reconnects_total",
			Help: "Transport reconnect attempts",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_ws_connected",
			Help: "1 while the transport is connected",
		}),
	}
	reg.MustRegister(
		m.FramesReceived, m.DecodeErrors, m.EventsDecoded,
		m.BusPublished, m.BusDropped, m.BusDiscarded,
		m.EventsInvalid, m.EventsDeduped, m.FilterInserts,
		m.AggMerged, m.AggFlushed,
		m.SeenIDs, m.PendingAgg, m.Reconnects, m.Connected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
