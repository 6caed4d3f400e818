// Command vaultd is the server-side driver process of spec.md §4.10: it
// holds the pool lock, dials every configured agent host in turn, and
// runs one backup per host against the shared chunk pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/driver"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/pki"
	"github.com/chunkvault/chunkvault/internal/pool"
	"github.com/chunkvault/chunkvault/internal/rpc"
)

func main() {
	configPath := flag.String("config", "/etc/chunkvault/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	guard, err := pool.Acquire(ctx, cfg.Pool.Path, cfg.Pool.LockName)
	if err != nil {
		logger.Error("acquiring pool lock", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Error("releasing pool lock", "error", err)
		}
	}()

	exitCode := 0
	for hostname, host := range cfg.Hosts {
		if ctx.Err() != nil {
			break
		}
		if err := runHostBackup(ctx, cfg, hostname, host, logger); err != nil {
			logger.Error("host backup failed", "host", hostname, "error", err)
			exitCode = 1
			continue
		}
		logger.Info("host backup completed", "host", hostname)
	}
	os.Exit(exitCode)
}

// runHostBackup dials one host's agent, runs a single driver session
// against it, and folds the resulting per-backup refcnt delta into both
// the host-level and pool-level stores (spec.md §4.10 step 9's "upstream
// callers then do the same from host → pool").
func runHostBackup(ctx context.Context, cfg *config.ServerConfig, hostname string, host config.HostEntry, logger *slog.Logger) error {
	tlsConfig, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("loading client TLS material: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	client, err := rpc.Dial(dialCtx, host.Address, tlsConfig)
	if err != nil {
		return fmt.Errorf("dialing agent at %s: %w", host.Address, err)
	}
	defer client.Close()

	hostDir := cfg.Pool.HostDir(hostname)
	number, err := driver.NextBackupNumber(hostDir)
	if err != nil {
		return fmt.Errorf("determining next backup number: %w", err)
	}
	var prevBackupDir string
	if number > 0 {
		prevBackupDir = backupDirFor(hostDir, number-1)
	}

	drv := driver.New(driver.Options{
		Hostname:         hostname,
		BackupNumber:     number,
		PoolPath:         cfg.Pool.Path,
		MinFreeBytes:     cfg.Pool.MinFreeBytes,
		HostDir:          hostDir,
		PrevBackupDir:    prevBackupDir,
		Shares:           host.Shares,
		Client:           client,
		MaxBackupSeconds: cfg.Backup.MaxDurationRaw,
		Log:              logger,
	})

	if err := drv.Run(ctx, host.AuthToken); err != nil {
		return fmt.Errorf("running backup: %w", err)
	}

	if refcnt := drv.Refcnt(); refcnt != nil {
		logf := func(format string, args ...any) { logger.Warn(fmt.Sprintf(format, args...)) }
		if _, err := pool.ApplyAllFrom(cfg.Pool.Path, refcnt, pool.Increase, time.Now(), cfg.Pool.Path, logf); err != nil {
			return fmt.Errorf("folding host %q's refcnt into the pool: %w", hostname, err)
		}
	}
	return nil
}

func backupDirFor(hostDir string, number uint32) string {
	return filepath.Join(hostDir, fmt.Sprintf("%d", number))
}
