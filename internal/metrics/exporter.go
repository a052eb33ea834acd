package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mytunnel/internal/flog"
)

// Exporter bridges the atomic counter block to Prometheus. A 1 Hz task turns
// snapshot deltas into collector updates; the exposition endpoint serves
// whatever the last sync produced.
type Exporter struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsFailed prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
	packetsReceived   prometheus.Counter
	packetsSent       prometheus.Counter
	streamsOpened     prometheus.Counter
	streamsClosed     prometheus.Counter
	datagramsReceived prometheus.Counter
	datagramsSent     prometheus.Counter
	errorsTotal       prometheus.Counter
	timeoutsTotal     prometheus.Counter
	bufferAcquires    prometheus.Counter
	bufferReleases    prometheus.Counter
	bufferMisses      prometheus.Counter

	last Snapshot
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry:          prometheus.NewRegistry(),
		connectionsTotal:  counter("mytunnel_connections_total", "Total connections received"),
		connectionsFailed: counter("mytunnel_connections_failed", "Failed connection attempts"),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mytunnel_connections_active", Help: "Currently active connections",
		}),
		bytesReceived:     counter("mytunnel_bytes_received", "Total bytes received"),
		bytesSent:         counter("mytunnel_bytes_sent", "Total bytes sent"),
		packetsReceived:   counter("mytunnel_packets_received", "Total packets received"),
		packetsSent:       counter("mytunnel_packets_sent", "Total packets sent"),
		streamsOpened:     counter("mytunnel_streams_opened", "Total streams opened"),
		streamsClosed:     counter("mytunnel_streams_closed", "Total streams closed"),
		datagramsReceived: counter("mytunnel_datagrams_received", "Total datagrams received"),
		datagramsSent:     counter("mytunnel_datagrams_sent", "Total datagrams sent"),
		errorsTotal:       counter("mytunnel_errors_total", "Total errors"),
		timeoutsTotal:     counter("mytunnel_timeouts_total", "Total timeouts"),
		bufferAcquires:    counter("mytunnel_buffer_pool_acquires", "Buffer pool acquisitions"),
		bufferReleases:    counter("mytunnel_buffer_pool_releases", "Buffer pool releases"),
		bufferMisses:      counter("mytunnel_buffer_pool_misses", "Buffer pool misses"),
	}

	e.registry.MustRegister(
		e.connectionsTotal, e.connectionsActive, e.connectionsFailed,
		e.bytesReceived, e.bytesSent, e.packetsReceived, e.packetsSent,
		e.streamsOpened, e.streamsClosed,
		e.datagramsReceived, e.datagramsSent,
		e.errorsTotal, e.timeoutsTotal,
		e.bufferAcquires, e.bufferReleases, e.bufferMisses,
	)
	return e
}

// Start serves the exposition endpoint and runs the sync loop until ctx is
// cancelled.
func (e *Exporter) Start(ctx context.Context, bindAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: bindAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			flog.Errorf("metrics listener error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	go e.syncLoop(ctx)

	flog.Infof("metrics endpoint listening on %s", bindAddr)
}

func (e *Exporter) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	e.last = M.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sync(M.Snapshot())
		}
	}
}

func (e *Exporter) sync(snap Snapshot) {
	addDelta := func(c prometheus.Counter, cur, prev uint64) {
		if cur > prev {
			c.Add(float64(cur - prev))
		}
	}

	addDelta(e.connectionsTotal, snap.ConnectionsTotal, e.last.ConnectionsTotal)
	addDelta(e.connectionsFailed, snap.ConnectionsFailed, e.last.ConnectionsFailed)
	e.connectionsActive.Set(float64(snap.ConnectionsActive))
	addDelta(e.bytesReceived, snap.BytesReceived, e.last.BytesReceived)
	addDelta(e.bytesSent, snap.BytesSent, e.last.BytesSent)
	addDelta(e.packetsReceived, snap.PacketsReceived, e.last.PacketsReceived)
	addDelta(e.packetsSent, snap.PacketsSent, e.last.PacketsSent)
	addDelta(e.streamsOpened, snap.StreamsOpened, e.last.StreamsOpened)
	addDelta(e.streamsClosed, snap.StreamsClosed, e.last.StreamsClosed)
	addDelta(e.datagramsReceived, snap.DatagramsReceived, e.last.DatagramsReceived)
	addDelta(e.datagramsSent, snap.DatagramsSent, e.last.DatagramsSent)
	addDelta(e.errorsTotal, snap.ErrorsTotal, e.last.ErrorsTotal)
	addDelta(e.timeoutsTotal, snap.TimeoutsTotal, e.last.TimeoutsTotal)
	addDelta(e.bufferAcquires, snap.BufferPoolAcquires, e.last.BufferPoolAcquires)
	addDelta(e.bufferReleases, snap.BufferPoolReleases, e.last.BufferPoolReleases)
	addDelta(e.bufferMisses, snap.BufferPoolMisses, e.last.BufferPoolMisses)

	e.last = snap
}
