package conf

import (
	"fmt"
	"net"
)

type Metrics struct {
	Enabled  bool   `toml:"enabled"`
	BindAddr string `toml:"bind_addr"` // Prometheus exposition endpoint
	APIAddr  string `toml:"api_addr"`  // monitoring API; empty disables it
}

func (m *Metrics) setDefaults() {
	if m.BindAddr == "" {
		m.BindAddr = "127.0.0.1:9090"
	}
}

func (m *Metrics) validate() []error {
	var errs []error

	if _, err := net.ResolveTCPAddr("tcp", m.BindAddr); err != nil {
		errs = append(errs, fmt.Errorf("metrics bind_addr %q is not a valid address: %w", m.BindAddr, err))
	}
	if m.APIAddr != "" {
		if _, err := net.ResolveTCPAddr("tcp", m.APIAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics api_addr %q is not a valid address: %w", m.APIAddr, err))
		}
	}

	return errs
}
