package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orizon-lang/meshwire/internal/config"
	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
	"github.com/orizon-lang/meshwire/internal/runtime/node"
	"github.com/orizon-lang/meshwire/internal/runtime/remote"
	"github.com/orizon-lang/meshwire/internal/runtime/remote/wire"
)

// daemon is a configured node plus the built-in echo service.
type daemon struct {
	cfg   *config.Config
	node  *node.Node
	log   *slog.Logger
	level *slog.LevelVar

	// ready is closed once the echo actor is published on ep.
	ready chan struct{}
	ep    node.Endpoint
}

// nodeOptions translates the file configuration into node options.
func nodeOptions(cfg *config.Config, logger *slog.Logger) (node.Options, error) {
	netOpts := netstack.Options{UserTimeout: time.Duration(cfg.ConnectionTimeout)}
	if cfg.TLSCert != "" {
		tlsCfg, err := netstack.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return node.Options{}, fmt.Errorf("tls: %w", err)
		}
		netOpts.TLS = tlsCfg
	}
	tr, err := netstack.New(cfg.Transport, netOpts)
	if err != nil {
		return node.Options{}, err
	}
	codec, err := remote.CodecByName(cfg.Codec)
	if err != nil {
		return node.Options{}, err
	}
	opts := node.Options{
		Transport:         tr,
		AppIDs:            cfg.AppIDs,
		VersionConstraint: cfg.VersionConstraint,
		Codec:             codec,
		DecodeWorkers:     cfg.DecodeWorkers,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval),
		ConnectionTimeout: time.Duration(cfg.ConnectionTimeout),
		Peers:             cfg.Peers,
		MetricsAddr:       cfg.MetricsAddr,
		MetricsHTTP3:      cfg.MetricsHTTP3,
		Logger:            logger,
	}
	if cfg.NodeID != "" {
		id, err := wire.ParseNodeID(cfg.NodeID)
		if err != nil {
			return node.Options{}, err
		}
		opts.Node = id
	}
	return opts, nil
}

func newDaemon(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*daemon, error) {
	opts, err := nodeOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	n, err := node.New(opts)
	if err != nil {
		return nil, err
	}
	return &daemon{cfg: cfg, node: n, log: logger, level: level, ready: make(chan struct{})}, nil
}

// run listens, publishes the echo actor on the listening port, dials the
// given addresses and blocks until ctx is done.
func (d *daemon) run(ctx context.Context, connect []string, dialTimeout time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- d.node.Run(ctx) }()

	ep, err := d.node.Listen(d.cfg.Listen)
	if err != nil {
		return err
	}
	echo, err := d.node.Spawn("echo", node.ReceiverFunc(func(c *node.Context) error {
		return c.Reply(c.Message)
	}))
	if err != nil {
		return err
	}
	if err := d.node.Publish(ctx, ep.Port, echo.Actor, []string{"echo"}); err != nil {
		return err
	}
	d.ep = ep
	close(d.ready)
	d.log.Info("node ready", "node", d.node.ID().String(), "addr", ep.Addr, "echo", echo.String())

	for _, addr := range connect {
		cctx, cancel := context.WithTimeout(ctx, dialTimeout)
		peer, err := d.node.Connect(cctx, addr)
		cancel()
		if err != nil {
			d.log.Warn("connect failed", "addr", addr, "err", err)
			continue
		}
		d.log.Info("connected", "addr", addr, "peer", peer.Node.String(), "published", peer.Actor.String())
	}
	return <-errc
}

// apply returns the reload callback used with config.Watch.
func (d *daemon) apply(ctx context.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		if lvl, err := config.ParseLevelName(cfg.LogLevel); err == nil && d.level != nil {
			d.level.Set(lvl)
		}
		if err := d.node.Reconfigure(ctx, cfg.AppIDs, cfg.Peers); err != nil {
			d.log.Warn("apply config", "err", err)
		}
	}
}
