// Command vault-agentd is the client-host process of spec.md §4.9: it
// exposes a set of configured shares over mTLS to a vaultd driver,
// scanning and streaming chunks on request but never initiating a
// backup itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chunkvault/chunkvault/internal/agent"
	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/pki"
)

func main() {
	configPath := flag.String("config", "/etc/chunkvault/agent.yaml", "path to agent config file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	tlsConfig, err := pki.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		logger.Error("loading TLS material", "error", err)
		os.Exit(1)
	}

	shares := cfg.ShareConfigs()
	var withACL, withXattr bool
	for _, s := range cfg.Shares {
		if s.WithACL {
			withACL = true
		}
		if s.WithXattr {
			withXattr = true
		}
	}

	auth := agent.NewSharedSecretAuthenticator(cfg.Agent.AuthToken)
	srv := agent.NewServer(cfg.Agent.Name, auth, shares, logger)
	srv.WithACL = withACL
	srv.WithXattr = withXattr
	srv.BytesPerSec = cfg.Transfer.BandwidthLimitRaw

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("vault-agentd listening", "address", cfg.Listen.Address, "shares", len(shares))
	if err := srv.Listen(ctx, cfg.Listen.Address, tlsConfig); err != nil {
		logger.Error("agent server error", "error", err)
		os.Exit(1)
	}
}
