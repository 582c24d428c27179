package node

import (
	"log/slog"
	"time"

	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
	"github.com/orizon-lang/meshwire/internal/runtime/remote"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// Options configures a Node. The zero value is usable: it runs over TCP with
// a generated node id and the default application id.
type Options struct {
	// Node overrides the generated node id.
	Node wire.NodeID
	// Transport defaults to plain TCP.
	Transport netstack.Transport

	AppIDs            []string
	VersionConstraint string
	Codec             remote.Codec
	// DecodeWorkers is the size of the decode pool; zero decodes every
	// message on the event loop.
	DecodeWorkers int

	// HeartbeatInterval paces heartbeats, idle checks and peer redials.
	HeartbeatInterval time.Duration
	// ConnectionTimeout closes connections silent for longer. Zero disables.
	ConnectionTimeout time.Duration

	// Peers maps a peer name to an address the node keeps connected.
	Peers map[string]string

	// MetricsAddr enables the text metrics endpoint; MetricsHTTP3 serves it
	// over HTTP/3 as well, on the same port over UDP.
	MetricsAddr  string
	MetricsHTTP3 bool

	Logger *slog.Logger
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	eventQueueSize           = 1024
)

func (o *Options) normalize() error {
	if !o.Node.Valid() {
		id, err := wire.NewNodeID()
		if err != nil {
			return err
		}
		o.Node = id
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.ConnectionTimeout < 0 {
		o.ConnectionTimeout = 0
	}
	if o.Transport == nil {
		o.Transport = netstack.NewTCPTransport(netstack.Options{UserTimeout: o.ConnectionTimeout})
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
