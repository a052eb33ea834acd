package conf

import "fmt"

// Limits are parsed and validated but not enforced by the data plane yet;
// they are reserved knobs for the bandwidth and admission throttles.
type Limits struct {
	MaxBandwidthPerConn uint64 `toml:"max_bandwidth_per_conn"` // bytes/sec, 0 = unlimited
	MaxNewConnPerSec    int    `toml:"max_new_conn_per_sec"`
	MaxMemoryMB         int    `toml:"max_memory_mb"` // 0 = unlimited
}

func (l *Limits) setDefaults() {
	if l.MaxNewConnPerSec == 0 {
		l.MaxNewConnPerSec = 10_000
	}
}

func (l *Limits) validate() []error {
	var errs []error

	if l.MaxNewConnPerSec < 1 {
		errs = append(errs, fmt.Errorf("limits max_new_conn_per_sec must be > 0"))
	}
	if l.MaxMemoryMB < 0 {
		errs = append(errs, fmt.Errorf("limits max_memory_mb must be >= 0"))
	}

	return errs
}
