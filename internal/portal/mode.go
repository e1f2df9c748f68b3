package portal

import (
	"net"
	"strings"
)

// Mode is how a student reached the service.
type Mode string

const (
	// ModePortalGateway: through the classroom's captive-portal gateway.
	ModePortalGateway Mode = "captive-portal"
	// ModeGenericNetwork: over any other network.
	ModeGenericNetwork Mode = "web"
)

// Classifier maps a connection host onto a Mode using a fixed allow-list
// of gateway addresses.
type Classifier struct {
	hosts map[string]struct{}
}

// NewClassifier builds a classifier from gateway hosts or IPs.
func NewClassifier(hosts []string) *Classifier {
	c := &Classifier{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			c.hosts[h] = struct{}{}
		}
	}
	return c
}

// Classify returns ModePortalGateway when host (optionally with a port)
// is on the allow-list.
func (c *Classifier) Classify(host string) Mode {
	if c == nil {
		return ModeGenericNetwork
	}
	if _, ok := c.hosts[normalizeHost(host)]; ok {
		return ModePortalGateway
	}
	return ModeGenericNetwork
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.TrimSuffix(host, ".")
}
