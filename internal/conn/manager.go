package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"mytunnel/internal/flog"
	"mytunnel/internal/metrics"
	"mytunnel/internal/pool"
)

// ManagerConfig sizes the manager at startup.
type ManagerConfig struct {
	MaxConnections int
	// IdleTimeout is the safety-net sweep threshold. The QUIC transport's own
	// idle timer is the primary authority; set this to twice that value.
	IdleTimeout time.Duration
}

// Manager owns the connection slab plus an id-to-handle map for O(1) lookup.
// Slab handles never leave this package; ids are the only currency crossing
// component boundaries.
type Manager struct {
	cfg ManagerConfig

	connections *pool.Slab[State]
	idToHandle  sync.Map // ID -> pool.SlabHandle
	nextID      atomic.Uint64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:         cfg,
		connections: pool.NewSlab[State](cfg.MaxConnections),
		shutdownCh:  make(chan struct{}),
	}
}

// Register mints an id and inserts a fresh state record. Returns ok=false
// when the slab is full; the caller must close the QUIC connection with the
// capacity code.
func (m *Manager) Register(clientAddr string) (ID, bool) {
	id := ID(m.nextID.Add(1))

	handle, ok := m.connections.Insert(newState(id, clientAddr))
	if !ok {
		return 0, false
	}
	m.idToHandle.Store(id, handle)

	metrics.M.ConnectionOpened()
	flog.Infof("connection %s registered from %s", id, clientAddr)
	return id, true
}

// Activate marks the handshake as complete.
func (m *Manager) Activate(id ID) {
	m.withState(id, func(s *State) { s.setActive() })
}

// Unregister removes the connection from the map and frees the slab slot.
func (m *Manager) Unregister(id ID) {
	v, ok := m.idToHandle.LoadAndDelete(id)
	if !ok {
		return
	}
	state, ok := m.connections.Remove(v.(pool.SlabHandle))
	if !ok {
		return
	}

	metrics.M.ConnectionClosed()
	flog.Infof("connection %s from %s closed: duration=%.1fs rx=%d tx=%d",
		id, state.ClientAddr, state.Duration().Seconds(), state.BytesRx, state.BytesTx)
}

// RecordTraffic updates the per-connection counters and the global metrics,
// and touches the activity timestamp so the idle sweep sees progress.
func (m *Manager) RecordTraffic(id ID, rx, tx uint64) {
	m.withState(id, func(s *State) {
		if rx > 0 {
			s.recordRx(rx)
		}
		if tx > 0 {
			s.recordTx(tx)
		}
	})
	if rx > 0 {
		metrics.M.BytesRx(rx)
	}
	if tx > 0 {
		metrics.M.BytesTx(tx)
	}
}

func (m *Manager) StreamOpened(id ID) {
	m.withState(id, func(s *State) {
		s.ActiveStreams = satAdd32(s.ActiveStreams, 1)
		s.touch()
	})
}

func (m *Manager) StreamClosed(id ID) {
	m.withState(id, func(s *State) { s.ActiveStreams = satAdd32(s.ActiveStreams, -1) })
}

func (m *Manager) UDPFlowOpened(id ID) {
	m.withState(id, func(s *State) {
		s.ActiveUDPFlows = satAdd32(s.ActiveUDPFlows, 1)
		s.touch()
	})
}

func (m *Manager) UDPFlowClosed(id ID) {
	m.withState(id, func(s *State) { s.ActiveUDPFlows = satAdd32(s.ActiveUDPFlows, -1) })
}

// With exposes the state record under the slot lock. fn must not block.
func (m *Manager) With(id ID, fn func(*State)) bool {
	return m.withState(id, fn)
}

func (m *Manager) withState(id ID, fn func(*State)) bool {
	v, ok := m.idToHandle.Load(id)
	if !ok {
		return false
	}
	return m.connections.With(v.(pool.SlabHandle), fn)
}

func (m *Manager) ConnectionCount() int { return m.connections.Len() }
func (m *Manager) IsFull() bool         { return m.connections.IsFull() }

// ListConnections snapshots every live state into plain records. Readers
// accept staleness.
func (m *Manager) ListConnections() []Info {
	out := make([]Info, 0, m.ConnectionCount())
	m.idToHandle.Range(func(_, v any) bool {
		m.connections.With(v.(pool.SlabHandle), func(s *State) {
			out = append(out, s.toInfo())
		})
		return true
	})
	return out
}

// CleanupIdle unregisters connections idle past the configured threshold.
// Collection and removal are separated so the map is not mutated
// mid-iteration.
func (m *Manager) CleanupIdle() int {
	var stale []ID
	m.idToHandle.Range(func(k, v any) bool {
		m.connections.With(v.(pool.SlabHandle), func(s *State) {
			if s.IdleDuration() > m.cfg.IdleTimeout {
				stale = append(stale, k.(ID))
			}
		})
		return true
	})

	for _, id := range stale {
		m.Unregister(id)
	}
	if len(stale) > 0 {
		flog.Debugf("idle sweep removed %d connections", len(stale))
	}
	return len(stale)
}

// SubscribeShutdown returns the broadcast channel closed by SignalShutdown.
func (m *Manager) SubscribeShutdown() <-chan struct{} { return m.shutdownCh }

// SignalShutdown broadcasts shutdown to every per-connection task.
func (m *Manager) SignalShutdown() {
	m.shutdownOnce.Do(func() {
		flog.Infof("signaling shutdown to all connections")
		close(m.shutdownCh)
	})
}

// Drain marks every live connection Draining and waits for the count to reach
// zero, polling on a 100 ms cadence. Survivors past the deadline are the
// caller's to force-close via the endpoint.
func (m *Manager) Drain(timeout time.Duration) {
	flog.Infof("draining %d connections", m.ConnectionCount())

	m.idToHandle.Range(func(_, v any) bool {
		m.connections.With(v.(pool.SlabHandle), func(s *State) { s.setDraining() })
		return true
	})

	deadline := time.Now().Add(timeout)
	for m.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	if remaining := m.ConnectionCount(); remaining > 0 {
		flog.Warnf("drain deadline passed with %d connections remaining", remaining)
	} else {
		flog.Infof("all connections drained")
	}
}
