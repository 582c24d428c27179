package netstack

import (
	"crypto/tls"
	"net"
	"slices"
)

// ServerTLS returns a copy of cfg with TLS 1.3 as the floor and the node
// ALPN advertised.
func ServerTLS(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	c := cfg.Clone()
	if c.MinVersion < tls.VersionTLS13 {
		c.MinVersion = tls.VersionTLS13
	}
	if !slices.Contains(c.NextProtos, ALPN) {
		c.NextProtos = append([]string{ALPN}, c.NextProtos...)
	}
	return c
}

// ClientTLS derives the dialing configuration for addr. A nil cfg skips
// certificate verification; cluster nodes usually run self-signed
// certificates and authenticate each other in the protocol handshake.
func ClientTLS(addr string, cfg *tls.Config) *tls.Config {
	var c *tls.Config
	if cfg == nil {
		c = &tls.Config{InsecureSkipVerify: true}
	} else {
		c = cfg.Clone()
	}
	if c.MinVersion < tls.VersionTLS13 {
		c.MinVersion = tls.VersionTLS13
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	if c.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			c.ServerName = host
		}
	}
	return c
}

// TLSServer wraps a net.Listener with TLS.
func TLSServer(ln net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(ln, ServerTLS(cfg))
}
