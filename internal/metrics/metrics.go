// Package metrics holds the process-wide counter block. Counters are updated
// with relaxed ordering from any goroutine; snapshots are eventually
// consistent and may be internally torn.
package metrics

import "sync/atomic"

// M is the global metrics instance.
var M Metrics

type Metrics struct {
	// Connections
	ConnectionsTotal  atomic.Uint64
	ConnectionsActive atomic.Uint64 // gauge: decrements on close
	ConnectionsFailed atomic.Uint64

	// Traffic
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
	PacketsReceived atomic.Uint64
	PacketsSent     atomic.Uint64

	// Streams
	StreamsOpened atomic.Uint64
	StreamsClosed atomic.Uint64

	// UDP relay
	DatagramsReceived atomic.Uint64
	DatagramsSent     atomic.Uint64

	// Errors
	ErrorsTotal   atomic.Uint64
	TimeoutsTotal atomic.Uint64

	// Buffer pool
	BufferPoolAcquires atomic.Uint64
	BufferPoolReleases atomic.Uint64
	BufferPoolMisses   atomic.Uint64
}

func (m *Metrics) ConnectionOpened() {
	m.ConnectionsTotal.Add(1)
	m.ConnectionsActive.Add(1)
}

func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Add(^uint64(0))
}

func (m *Metrics) ConnectionFailed() {
	m.ConnectionsFailed.Add(1)
}

func (m *Metrics) BytesRx(n uint64) {
	m.BytesReceived.Add(n)
	m.PacketsReceived.Add(1)
}

func (m *Metrics) BytesTx(n uint64) {
	m.BytesSent.Add(n)
	m.PacketsSent.Add(1)
}

func (m *Metrics) StreamOpened() { m.StreamsOpened.Add(1) }
func (m *Metrics) StreamClosed() { m.StreamsClosed.Add(1) }

func (m *Metrics) DatagramRx() { m.DatagramsReceived.Add(1) }
func (m *Metrics) DatagramTx() { m.DatagramsSent.Add(1) }

func (m *Metrics) Error()   { m.ErrorsTotal.Add(1) }
func (m *Metrics) Timeout() { m.TimeoutsTotal.Add(1) }

func (m *Metrics) BufferAcquired() { m.BufferPoolAcquires.Add(1) }
func (m *Metrics) BufferReleased() { m.BufferPoolReleases.Add(1) }
func (m *Metrics) BufferMiss()     { m.BufferPoolMisses.Add(1) }

// Snapshot is a plain copy of every counter, loaded without any cross-counter
// ordering guarantee.
type Snapshot struct {
	ConnectionsTotal  uint64 `json:"connections_total"`
	ConnectionsActive uint64 `json:"connections_active"`
	ConnectionsFailed uint64 `json:"connections_failed"`

	BytesReceived   uint64 `json:"bytes_received"`
	BytesSent       uint64 `json:"bytes_sent"`
	PacketsReceived uint64 `json:"packets_received"`
	PacketsSent     uint64 `json:"packets_sent"`

	StreamsOpened uint64 `json:"streams_opened"`
	StreamsClosed uint64 `json:"streams_closed"`

	DatagramsReceived uint64 `json:"datagrams_received"`
	DatagramsSent     uint64 `json:"datagrams_sent"`

	ErrorsTotal   uint64 `json:"errors_total"`
	TimeoutsTotal uint64 `json:"timeouts_total"`

	BufferPoolAcquires uint64 `json:"buffer_pool_acquires"`
	BufferPoolReleases uint64 `json:"buffer_pool_releases"`
	BufferPoolMisses   uint64 `json:"buffer_pool_misses"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsTotal:  m.ConnectionsTotal.Load(),
		ConnectionsActive: m.ConnectionsActive.Load(),
		ConnectionsFailed: m.ConnectionsFailed.Load(),

		BytesReceived:   m.BytesReceived.Load(),
		BytesSent:       m.BytesSent.Load(),
		PacketsReceived: m.PacketsReceived.Load(),
		PacketsSent:     m.PacketsSent.Load(),

		StreamsOpened: m.StreamsOpened.Load(),
		StreamsClosed: m.StreamsClosed.Load(),

		DatagramsReceived: m.DatagramsReceived.Load(),
		DatagramsSent:     m.DatagramsSent.Load(),

		ErrorsTotal:   m.ErrorsTotal.Load(),
		TimeoutsTotal: m.TimeoutsTotal.Load(),

		BufferPoolAcquires: m.BufferPoolAcquires.Load(),
		BufferPoolReleases: m.BufferPoolReleases.Load(),
		BufferPoolMisses:   m.BufferPoolMisses.Load(),
	}
}
