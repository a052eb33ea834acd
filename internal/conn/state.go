// Package conn tracks the lifecycle and accounting of live QUIC connections.
package conn

import (
	"fmt"
	"math"
	"time"
)

// ID uniquely identifies a connection for the lifetime of the process.
// Displayed as 16 hex digits.
type ID uint64

func (id ID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// Phase is the connection lifecycle stage. Transitions only move forward:
// Connecting -> Active -> Draining -> Closed.
type Phase int

const (
	Connecting Phase = iota
	Active
	Draining
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is the per-connection record living in a slab slot. Only the manager
// mutates it, always under the slot lock.
type State struct {
	ID         ID
	ClientAddr string
	Phase      Phase

	ConnectedAt time.Time
	LastActive  time.Time

	BytesRx uint64
	BytesTx uint64

	ActiveStreams  uint32
	ActiveUDPFlows uint32
}

func newState(id ID, clientAddr string) State {
	now := time.Now()
	return State{
		ID:          id,
		ClientAddr:  clientAddr,
		Phase:       Connecting,
		ConnectedAt: now,
		LastActive:  now,
	}
}

func (s *State) touch() { s.LastActive = time.Now() }

func (s *State) setActive() {
	if s.Phase == Connecting {
		s.Phase = Active
	}
	s.touch()
}

func (s *State) setDraining() {
	if s.Phase < Draining {
		s.Phase = Draining
	}
}

func (s *State) recordRx(n uint64) {
	s.BytesRx = satAdd64(s.BytesRx, n)
	s.touch()
}

func (s *State) recordTx(n uint64) {
	s.BytesTx = satAdd64(s.BytesTx, n)
	s.touch()
}

func (s *State) Duration() time.Duration     { return time.Since(s.ConnectedAt) }
func (s *State) IdleDuration() time.Duration { return time.Since(s.LastActive) }

func satAdd64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func satAdd32(a uint32, b int32) uint32 {
	if b >= 0 {
		if a > math.MaxUint32-uint32(b) {
			return math.MaxUint32
		}
		return a + uint32(b)
	}
	d := uint32(-b)
	if a < d {
		return 0
	}
	return a - d
}

// Info is the serializable snapshot of one connection, used by the
// monitoring API.
type Info struct {
	ID             string  `json:"id"`
	ClientAddr     string  `json:"client_addr"`
	Phase          string  `json:"phase"`
	DurationSecs   float64 `json:"duration_secs"`
	IdleSecs       float64 `json:"idle_secs"`
	BytesRx        uint64  `json:"bytes_rx"`
	BytesTx        uint64  `json:"bytes_tx"`
	ActiveStreams  uint32  `json:"active_streams"`
	ActiveUDPFlows uint32  `json:"active_udp_flows"`
}

func (s *State) toInfo() Info {
	return Info{
		ID:             s.ID.String(),
		ClientAddr:     s.ClientAddr,
		Phase:          s.Phase.String(),
		DurationSecs:   s.Duration().Seconds(),
		IdleSecs:       s.IdleDuration().Seconds(),
		BytesRx:        s.BytesRx,
		BytesTx:        s.BytesTx,
		ActiveStreams:  s.ActiveStreams,
		ActiveUDPFlows: s.ActiveUDPFlows,
	}
}
