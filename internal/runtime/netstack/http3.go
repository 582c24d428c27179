package netstack

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3Server serves an http.Handler over HTTP/3.
type HTTP3Server struct {
	srv  *http3.Server
	addr string
	pc   net.PacketConn
	done chan struct{}
}

// NewHTTP3Server prepares a server for addr. A nil tlsCfg gets a
// self-signed certificate at Start.
func NewHTTP3Server(addr string, tlsCfg *tls.Config, h http.Handler) *HTTP3Server {
	return &HTTP3Server{srv: &http3.Server{TLSConfig: tlsCfg, Handler: h}, addr: addr}
}

// Start binds the UDP socket and serves in the background. It returns the
// bound address, which differs from addr when the port was 0.
func (s *HTTP3Server) Start() (string, error) {
	if s.srv.TLSConfig == nil {
		host, _, _ := net.SplitHostPort(s.addr)
		if host == "" {
			host = "localhost"
		}
		cfg, err := GenerateSelfSignedTLS([]string{host}, 0)
		if err != nil {
			return "", err
		}
		s.srv.TLSConfig = cfg
	}
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	s.pc = pc
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.srv.Serve(pc)
	}()
	return pc.LocalAddr().String(), nil
}

// Stop closes the socket and waits briefly for the serve loop.
func (s *HTTP3Server) Stop() error {
	if s.pc == nil {
		return nil
	}
	_ = s.srv.Close()
	err := s.pc.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	return err
}

// HTTP3Client returns an http.Client speaking HTTP/3.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

// ShutdownHTTP3 releases the QUIC connections held by c.
func ShutdownHTTP3(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
