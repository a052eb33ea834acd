package conf

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

type Conf struct {
	Role    string  `toml:"role"`
	Server  Server  `toml:"server"`
	QUIC    QUIC    `toml:"quic"`
	TLS     TLS     `toml:"tls"`
	Pool    Pool    `toml:"pool"`
	Metrics Metrics `toml:"metrics"`
	Logging Logging `toml:"logging"`
	Limits  Limits  `toml:"limits"`
	Policy  Policy  `toml:"policy"`
	Client  Client  `toml:"client"`
}

// LoadFromFile reads a TOML configuration file. Defaults are applied first so
// keys absent from the document keep their documented values.
func LoadFromFile(path string) (*Conf, error) {
	c := &Conf{}
	c.setDefaults()

	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if errs := c.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return c, nil
}

func (c *Conf) setDefaults() {
	if c.Role == "" {
		c.Role = "server"
	}
	c.Server.setDefaults()
	c.QUIC.setDefaults()
	c.TLS.setDefaults()
	c.Pool.setDefaults()
	c.Metrics.setDefaults()
	c.Logging.setDefaults()
	c.Limits.setDefaults()
	c.Policy.setDefaults()
	c.Client.setDefaults()
}

func (c *Conf) validate() []error {
	var errs []error

	if c.Role != "server" && c.Role != "client" {
		errs = append(errs, fmt.Errorf("role must be 'server' or 'client'"))
	}

	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.QUIC.validate()...)
	errs = append(errs, c.TLS.validate()...)
	errs = append(errs, c.Pool.validate()...)
	errs = append(errs, c.Metrics.validate()...)
	errs = append(errs, c.Logging.validate()...)
	errs = append(errs, c.Limits.validate()...)
	errs = append(errs, c.Policy.validate()...)
	if c.Role == "client" {
		errs = append(errs, c.Client.validate()...)
	}

	return errs
}
