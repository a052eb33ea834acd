package conf

import "fmt"

type Policy struct {
	DefaultAllow bool     `toml:"default_allow"`
	BlockedHosts []string `toml:"blocked_hosts"`
	BlockedPorts []int    `toml:"blocked_ports"`
	AllowedPorts []int    `toml:"allowed_ports"`
}

func (p *Policy) setDefaults() {
	p.DefaultAllow = true
}

func (p *Policy) validate() []error {
	var errs []error

	for _, port := range p.BlockedPorts {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("policy blocked_ports entry %d out of range", port))
		}
	}
	for _, port := range p.AllowedPorts {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("policy allowed_ports entry %d out of range", port))
		}
	}

	return errs
}
