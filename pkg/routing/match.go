// Package routing steers flows onto the best-fitting alive path. It is kept
// apart from package health on purpose: health answers whether a path is
// alive, preference scoring answers which alive path suits the traffic.
package routing

import (
	"fmt"
	"net/netip"
	"strings"
)

// Protocol is an IP transport protocol recognised by match rules.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolGRE  Protocol = "gre"
	ProtocolESP  Protocol = "esp"
)

// ParseProtocol accepts a protocol name case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolGRE, ProtocolESP:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// HasPorts reports whether the protocol carries port numbers.
func (p Protocol) HasPorts() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP:
		return true
	default:
		return false
	}
}

// Flow identifies the traffic being steered.
type Flow struct {
	SrcIP    netip.Addr `json:"src_ip"`
	DstIP    netip.Addr `json:"dst_ip"`
	Protocol Protocol   `json:"protocol"`
	SrcPort  uint16     `json:"src_port,omitempty"`
	DstPort  uint16     `json:"dst_port,omitempty"`
	DSCP     uint8      `json:"dscp,omitempty"`
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Start uint16 `json:"start" yaml:"start"`
	End   uint16 `json:"end" yaml:"end"`
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// MatchRules is a set of optional predicates. A nil predicate matches anything.
type MatchRules struct {
	Protocol  *Protocol     `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	SrcPrefix *netip.Prefix `json:"src_prefix,omitempty" yaml:"src_prefix,omitempty"`
	DstPrefix *netip.Prefix `json:"dst_prefix,omitempty" yaml:"dst_prefix,omitempty"`
	SrcPorts  *PortRange    `json:"src_ports,omitempty" yaml:"src_ports,omitempty"`
	DstPorts  *PortRange    `json:"dst_ports,omitempty" yaml:"dst_ports,omitempty"`
	DSCP      *uint8        `json:"dscp,omitempty" yaml:"dscp,omitempty"`
}

// Validate rejects malformed predicates.
func (m MatchRules) Validate() error {
	if m.Protocol != nil {
		if _, err := ParseProtocol(string(*m.Protocol)); err != nil {
			return err
		}
		if (m.SrcPorts != nil || m.DstPorts != nil) && !m.Protocol.HasPorts() {
			return fmt.Errorf("port ranges require tcp or udp, got %s", *m.Protocol)
		}
	}
	for _, r := range []*PortRange{m.SrcPorts, m.DstPorts} {
		if r != nil && r.Start > r.End {
			return fmt.Errorf("port range %d-%d is inverted", r.Start, r.End)
		}
	}
	for _, p := range []*netip.Prefix{m.SrcPrefix, m.DstPrefix} {
		if p != nil && !p.IsValid() {
			return fmt.Errorf("invalid prefix %s", p)
		}
	}
	if m.DSCP != nil && *m.DSCP > 63 {
		return fmt.Errorf("dscp %d out of range", *m.DSCP)
	}
	return nil
}

// Matches is a logical AND of every predicate present in rules.
func Matches(flow Flow, rules MatchRules) bool {
	if rules.Protocol != nil && flow.Protocol != *rules.Protocol {
		return false
	}
	if rules.SrcPrefix != nil && !rules.SrcPrefix.Contains(flow.SrcIP) {
		return false
	}
	if rules.DstPrefix != nil && !rules.DstPrefix.Contains(flow.DstIP) {
		return false
	}
	if rules.SrcPorts != nil && !(flow.Protocol.HasPorts() && rules.SrcPorts.Contains(flow.SrcPort)) {
		return false
	}
	if rules.DstPorts != nil && !(flow.Protocol.HasPorts() && rules.DstPorts.Contains(flow.DstPort)) {
		return false
	}
	if rules.DSCP != nil && flow.DSCP != *rules.DSCP {
		return false
	}
	return true
}
