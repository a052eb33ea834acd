// Package router decides whether a tunnel request may reach its target.
package router

import (
	"slices"

	"mytunnel/internal/conf"
)

// RequestType distinguishes the relay lane a request arrived on.
type RequestType int

const (
	TCPConnect RequestType = iota
	UDPRelay
)

// Request is one (host, port) decision input.
type Request struct {
	Type       RequestType
	TargetHost string
	TargetPort uint16
	SourceAddr string
}

// Verdict classifies a routing decision.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	RateLimited
)

// Decision is the result of consulting the policy. EgressHint is reserved
// for multi-interface deployments.
type Decision struct {
	Verdict    Verdict
	Reason     string
	EgressHint string
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Policy holds the block and allow lists. Decide is pure: identical input
// yields an identical decision.
type Policy struct {
	DefaultAllow bool
	BlockedHosts []string
	BlockedPorts []uint16
	AllowedPorts []uint16
}

// FromConf builds a Policy from the configuration section.
func FromConf(c *conf.Policy) *Policy {
	p := &Policy{
		DefaultAllow: c.DefaultAllow,
		BlockedHosts: slices.Clone(c.BlockedHosts),
	}
	for _, port := range c.BlockedPorts {
		p.BlockedPorts = append(p.BlockedPorts, uint16(port))
	}
	for _, port := range c.AllowedPorts {
		p.AllowedPorts = append(p.AllowedPorts, uint16(port))
	}
	return p
}

// Decide applies the checks in order: blocked host, blocked port, allowed
// port whitelist, default.
func (p *Policy) Decide(req *Request) Decision {
	if slices.Contains(p.BlockedHosts, req.TargetHost) {
		return Decision{Verdict: Deny, Reason: "host is blocked"}
	}

	if slices.Contains(p.BlockedPorts, req.TargetPort) {
		return Decision{Verdict: Deny, Reason: "port is blocked"}
	}

	if len(p.AllowedPorts) > 0 && !slices.Contains(p.AllowedPorts, req.TargetPort) {
		return Decision{Verdict: Deny, Reason: "port not in allowed list"}
	}

	if p.DefaultAllow {
		return Decision{Verdict: Allow}
	}
	return Decision{Verdict: Deny, Reason: "default deny policy"}
}
