package conf

import (
	"fmt"
	"net"
	"strings"
)

type Client struct {
	ServerAddr string `toml:"server_addr"`
	ServerName string `toml:"server_name"` // SNI; defaults to the host part of server_addr
	Insecure   bool   `toml:"insecure"`    // skip certificate verification (development)

	Socks5Enabled bool   `toml:"socks5_enabled"`
	Socks5Bind    string `toml:"socks5_bind"`
	HTTPEnabled   bool   `toml:"http_enabled"`
	HTTPBind      string `toml:"http_bind"`
}

func (c *Client) setDefaults() {
	if c.Socks5Bind == "" {
		c.Socks5Bind = "127.0.0.1:1080"
	}
	if c.HTTPBind == "" {
		c.HTTPBind = "127.0.0.1:8080"
	}
}

func (c *Client) validate() []error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("client server_addr is required"))
	}
	if c.Socks5Enabled {
		if _, err := net.ResolveTCPAddr("tcp", c.Socks5Bind); err != nil {
			errs = append(errs, fmt.Errorf("client socks5_bind %q is not a valid address: %w", c.Socks5Bind, err))
		}
	}
	if c.HTTPEnabled {
		if _, err := net.ResolveTCPAddr("tcp", c.HTTPBind); err != nil {
			errs = append(errs, fmt.Errorf("client http_bind %q is not a valid address: %w", c.HTTPBind, err))
		}
	}

	return errs
}

// SNIName returns the configured server name, falling back to the host part
// of server_addr.
func (c *Client) SNIName() string {
	if c.ServerName != "" {
		return c.ServerName
	}
	host, _, err := net.SplitHostPort(c.ServerAddr)
	if err != nil {
		return strings.TrimSuffix(c.ServerAddr, ":")
	}
	return host
}
