package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orizon-lang/meshwire/internal/cli"
	"github.com/orizon-lang/meshwire/internal/config"
	"github.com/orizon-lang/meshwire/internal/runtime/netstack"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var (
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		configFile  string
		listen      string
		transport   string
		showConfig  bool
		validate    bool
		watch       bool
		genCert     string
		connect     stringList
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flag.StringVar(&configFile, "config", "meshwire.json", "configuration file path")
	flag.StringVar(&listen, "listen", "", "listen address (overrides config)")
	flag.StringVar(&transport, "transport", "", "transport: tcp, quic or ws (overrides config)")
	flag.BoolVar(&showConfig, "show-config", false, "print the effective configuration and exit")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&watch, "watch", true, "reload app ids, peers and log level when the config file changes")
	flag.StringVar(&genCert, "gen-cert", "", "write a self-signed node.crt/node.key pair into `dir` and exit")
	flag.Var(&connect, "connect", "connect to `addr` at startup (repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs a meshwire node.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables prefixed %s override the config file.\n", config.EnvPrefix)
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --listen 127.0.0.1:4242\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --listen 127.0.0.1:4243 --connect 127.0.0.1:4242\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --gen-cert ./certs\n", os.Args[0])
	}
	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		cli.PrintVersion(os.Stdout, "meshnode", jsonOutput)
		os.Exit(0)
	}
	if genCert != "" {
		if err := writeCert(genCert); err != nil {
			cli.ExitWithError("Failed to generate certificate: %v", err)
		}
		fmt.Printf("Certificate written to %s\n", genCert)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		cli.ExitWithError("Failed to load config: %v", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if err := cfg.Validate(); err != nil {
		cli.ExitWithError("Configuration validation failed: %v", err)
	}
	if validate {
		fmt.Printf("Configuration is valid: %s\n", configFile)
		return
	}
	if showConfig {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
		return
	}

	level, _ := config.ParseLevelName(cfg.LogLevel)
	logger, levelVar := cli.InitLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger, levelVar)
	if err != nil {
		cli.ExitWithError("Failed to start node: %v", err)
	}
	if watch {
		if _, err := os.Stat(configFile); err == nil {
			go func() {
				if err := config.Watch(ctx, configFile, logger, d.apply(ctx)); err != nil {
					logger.Warn("config watch disabled", "err", err)
				}
			}()
		}
	}
	if err := d.run(ctx, connect, 10*time.Second); err != nil {
		cli.ExitWithError("%v", err)
	}
}

func writeCert(dir string) error {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	cfg, err := netstack.GenerateSelfSignedTLS([]string{host, "localhost", "127.0.0.1"}, 0)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return netstack.WritePEM(&cfg.Certificates[0], filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key"))
}
