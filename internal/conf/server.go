package conf

import (
	"fmt"
	"net"
	"runtime"
)

type Server struct {
	BindAddr string `toml:"bind_addr"` // UDP address for the QUIC endpoint
	Workers  int    `toml:"workers"`   // 0 = one per CPU
}

func (s *Server) setDefaults() {
	if s.BindAddr == "" {
		s.BindAddr = "0.0.0.0:4433"
	}
}

func (s *Server) validate() []error {
	var errs []error

	if _, err := net.ResolveUDPAddr("udp", s.BindAddr); err != nil {
		errs = append(errs, fmt.Errorf("server bind_addr %q is not a valid address: %w", s.BindAddr, err))
	}
	if s.Workers < 0 || s.Workers > 1024 {
		errs = append(errs, fmt.Errorf("server workers must be between 0-1024"))
	}

	return errs
}

// EffectiveWorkers resolves workers=0 to the CPU count.
func (s *Server) EffectiveWorkers() int {
	if s.Workers == 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}
