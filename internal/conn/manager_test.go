package conn

import (
	"testing"
	"time"
)

func newTestManager(slots int, idle time.Duration) *Manager {
	return NewManager(ManagerConfig{MaxConnections: slots, IdleTimeout: idle})
}

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager(100, 30*time.Second)

	id, ok := m.Register("127.0.0.1:12345")
	if !ok {
		t.Fatal("Register failed")
	}
	if m.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", m.ConnectionCount())
	}

	m.Activate(id)
	var phase Phase
	if !m.With(id, func(s *State) { phase = s.Phase }) {
		t.Fatal("With failed on live connection")
	}
	if phase != Active {
		t.Errorf("phase = %v, want Active", phase)
	}

	m.Unregister(id)
	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount after unregister = %d, want 0", m.ConnectionCount())
	}
	if m.With(id, func(*State) {}) {
		t.Error("With succeeded on removed connection")
	}
	// Unregister of an unknown id is a no-op.
	m.Unregister(id)
}

func TestIDsStrictlyIncreasing(t *testing.T) {
	m := newTestManager(100, time.Minute)

	var prev ID
	for i := range 50 {
		id, ok := m.Register("127.0.0.1:1")
		if !ok {
			t.Fatalf("register %d failed", i)
		}
		if id <= prev {
			t.Fatalf("id %v not greater than previous %v", id, prev)
		}
		prev = id
		m.Unregister(id)
	}
}

func TestIDHexFormat(t *testing.T) {
	if got := ID(0xdeadbeef).String(); got != "00000000deadbeef" {
		t.Errorf("ID string = %q", got)
	}
}

func TestRegisterAtCapacity(t *testing.T) {
	m := newTestManager(2, time.Minute)

	a, _ := m.Register("127.0.0.1:1")
	b, _ := m.Register("127.0.0.1:2")
	if _, ok := m.Register("127.0.0.1:3"); ok {
		t.Fatal("register beyond capacity succeeded")
	}
	if !m.IsFull() {
		t.Error("IsFull = false at capacity")
	}

	m.Unregister(a)
	if _, ok := m.Register("127.0.0.1:4"); !ok {
		t.Fatal("register after unregister failed")
	}
	m.Unregister(b)
}

func TestRecordTrafficTouches(t *testing.T) {
	m := newTestManager(10, time.Minute)
	id, _ := m.Register("127.0.0.1:1")

	var before time.Time
	m.With(id, func(s *State) { before = s.LastActive })

	time.Sleep(10 * time.Millisecond)
	m.RecordTraffic(id, 100, 50)

	var rx, tx uint64
	var after time.Time
	m.With(id, func(s *State) { rx, tx, after = s.BytesRx, s.BytesTx, s.LastActive })

	if rx != 100 || tx != 50 {
		t.Errorf("traffic = (%d, %d), want (100, 50)", rx, tx)
	}
	if !after.After(before) {
		t.Error("RecordTraffic did not touch last_active")
	}
}

func TestStreamAndFlowCounters(t *testing.T) {
	m := newTestManager(10, time.Minute)
	id, _ := m.Register("127.0.0.1:1")

	m.StreamOpened(id)
	m.StreamOpened(id)
	m.StreamClosed(id)
	m.UDPFlowOpened(id)

	var streams, flows uint32
	m.With(id, func(s *State) { streams, flows = s.ActiveStreams, s.ActiveUDPFlows })
	if streams != 1 {
		t.Errorf("active streams = %d, want 1", streams)
	}
	if flows != 1 {
		t.Errorf("active udp flows = %d, want 1", flows)
	}

	// Saturating: closing more than opened never wraps below zero.
	m.StreamClosed(id)
	m.StreamClosed(id)
	m.With(id, func(s *State) { streams = s.ActiveStreams })
	if streams != 0 {
		t.Errorf("active streams after extra closes = %d, want 0", streams)
	}
}

func TestCleanupIdle(t *testing.T) {
	m := newTestManager(10, 20*time.Millisecond)

	idle, _ := m.Register("127.0.0.1:1")
	busy, _ := m.Register("127.0.0.1:2")

	time.Sleep(40 * time.Millisecond)
	m.RecordTraffic(busy, 1, 0)

	if removed := m.CleanupIdle(); removed != 1 {
		t.Errorf("CleanupIdle removed %d, want 1", removed)
	}
	if m.With(idle, func(*State) {}) {
		t.Error("idle connection survived sweep")
	}
	if !m.With(busy, func(*State) {}) {
		t.Error("busy connection swept")
	}
}

func TestListConnections(t *testing.T) {
	m := newTestManager(10, time.Minute)
	id, _ := m.Register("10.0.0.1:555")
	m.Activate(id)
	m.RecordTraffic(id, 7, 3)

	infos := m.ListConnections()
	if len(infos) != 1 {
		t.Fatalf("ListConnections len = %d, want 1", len(infos))
	}
	info := infos[0]
	if info.ID != id.String() || info.ClientAddr != "10.0.0.1:555" {
		t.Errorf("info = %+v", info)
	}
	if info.Phase != "active" || info.BytesRx != 7 || info.BytesTx != 3 {
		t.Errorf("info = %+v", info)
	}
}

func TestShutdownBroadcast(t *testing.T) {
	m := newTestManager(10, time.Minute)

	ch := m.SubscribeShutdown()
	select {
	case <-ch:
		t.Fatal("shutdown channel closed before signal")
	default:
	}

	m.SignalShutdown()
	m.SignalShutdown() // idempotent

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("shutdown signal not observed")
	}
}

func TestDrain(t *testing.T) {
	m := newTestManager(10, time.Minute)

	ids := make([]ID, 0, 3)
	for range 3 {
		id, _ := m.Register("127.0.0.1:1")
		ids = append(ids, id)
	}

	// Connections unregister as their tasks observe the drain.
	go func() {
		for _, id := range ids {
			time.Sleep(30 * time.Millisecond)
			m.Unregister(id)
		}
	}()

	start := time.Now()
	m.Drain(2 * time.Second)

	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount after drain = %d, want 0", m.ConnectionCount())
	}
	if time.Since(start) >= 2*time.Second {
		t.Error("drain waited for the full deadline despite empty registry")
	}
}

func TestDrainMarksDraining(t *testing.T) {
	m := newTestManager(10, time.Minute)
	id, _ := m.Register("127.0.0.1:1")
	m.Activate(id)

	m.Drain(50 * time.Millisecond)

	var phase Phase
	m.With(id, func(s *State) { phase = s.Phase })
	if phase != Draining {
		t.Errorf("phase after drain = %v, want Draining", phase)
	}
}

func TestSaturatingTrafficCounters(t *testing.T) {
	m := newTestManager(10, time.Minute)
	id, _ := m.Register("127.0.0.1:1")

	m.RecordTraffic(id, ^uint64(0), 0)
	m.RecordTraffic(id, 10, 0)

	var rx uint64
	m.With(id, func(s *State) { rx = s.BytesRx })
	if rx != ^uint64(0) {
		t.Errorf("rx counter wrapped: %d", rx)
	}
}
