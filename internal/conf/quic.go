package conf

import (
	"fmt"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
)

type QUIC struct {
	MaxConnections    int    `toml:"max_connections"`
	MaxStreamsPerConn int64  `toml:"max_streams_per_conn"`
	IdleTimeoutSecs   int    `toml:"idle_timeout_secs"`
	MaxUDPPayload     int    `toml:"max_udp_payload"`
	Enable0RTT        bool   `toml:"enable_0rtt"`
	CongestionControl string `toml:"congestion_control"`
}

const (
	keepAliveInterval = 15 * time.Second

	receiveWindow       = 8 * 1024 * 1024
	streamReceiveWindow = 2 * 1024 * 1024
)

func (q *QUIC) setDefaults() {
	if q.MaxConnections == 0 {
		q.MaxConnections = 100_000
	}
	if q.MaxStreamsPerConn == 0 {
		q.MaxStreamsPerConn = 100
	}
	if q.IdleTimeoutSecs == 0 {
		q.IdleTimeoutSecs = 30
	}
	if q.MaxUDPPayload == 0 {
		q.MaxUDPPayload = 1350
	}
	if q.CongestionControl == "" {
		q.CongestionControl = "bbr"
	}
}

func (q *QUIC) validate() []error {
	var errs []error

	if q.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("quic max_connections must be > 0"))
	}
	if q.MaxStreamsPerConn < 1 {
		errs = append(errs, fmt.Errorf("quic max_streams_per_conn must be > 0"))
	}
	if q.IdleTimeoutSecs < 1 {
		errs = append(errs, fmt.Errorf("quic idle_timeout_secs must be > 0"))
	}
	if q.MaxUDPPayload < 1200 || q.MaxUDPPayload > 65527 {
		errs = append(errs, fmt.Errorf("quic max_udp_payload must be between 1200-65527"))
	}

	validCC := []string{"bbr", "cubic", "reno"}
	if !slices.Contains(validCC, q.CongestionControl) {
		errs = append(errs, fmt.Errorf("quic congestion_control must be one of: %v", validCC))
	}

	return errs
}

func (q *QUIC) IdleTimeout() time.Duration {
	return time.Duration(q.IdleTimeoutSecs) * time.Second
}

// ServerQUICConfig builds the transport configuration for the listening
// endpoint. Datagrams are always enabled; the UDP relay rides on them.
func (q *QUIC) ServerQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 q.IdleTimeout(),
		KeepAlivePeriod:                keepAliveInterval,
		MaxIncomingStreams:             q.MaxStreamsPerConn,
		MaxIncomingUniStreams:          q.MaxStreamsPerConn,
		InitialStreamReceiveWindow:     512 * 1024,
		MaxStreamReceiveWindow:         streamReceiveWindow,
		InitialConnectionReceiveWindow: 1024 * 1024,
		MaxConnectionReceiveWindow:     receiveWindow,
		EnableDatagrams:                true,
		Allow0RTT:                      q.Enable0RTT,
	}
}

// ClientQUICConfig mirrors the server settings with a shorter keep-alive so
// NAT bindings on the client side stay warm.
func (q *QUIC) ClientQUICConfig() *quic.Config {
	cfg := q.ServerQUICConfig()
	cfg.KeepAlivePeriod = 10 * time.Second
	return cfg
}
