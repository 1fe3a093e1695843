// Command sentrycore wires the trust, execution, and resilience core's
// services into a running process. It is CLI-adjacent wiring, not a
// CLI parser: the flags it understands pick a home directory for
// on-disk state and a config file path.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ocx/sentrycore/internal/config"
	"github.com/ocx/sentrycore/internal/services"
)

const shutdownGrace = 5 * time.Second

func main() {
	home := flag.String("home", envOr("CODEX_HOME", "."), "directory for on-disk state (ledger, cache, queue, packs)")
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	os.Setenv("CONFIG_PATH", *configPath)
	cfg := config.Get()
	rootPaths(cfg, *home)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signingKey, err := pipelineSigningKey()
	if err != nil {
		log.Fatalf("load pipeline signing key: %v", err)
	}

	svc, err := services.Open(ctx, cfg, signingKey)
	if err != nil {
		log.Fatalf("open services: %v", err)
	}
	slog.Info("sentrycore core started",
		"home", *home,
		"sandbox_type", cfg.Exec.DefaultSandboxType,
		"ledger_fallback", svc.Ledger.UsingFallback(),
	)

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.Telemetry.Handler())
		metricsSrv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Shutdown(context.Background())
		slog.Info("prometheus scrape endpoint listening", "addr", addr)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, closing services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("error closing services", "error", err)
	}
}

// rootPaths rewrites every relative on-disk path in cfg to live under
// home, so `-home /var/lib/sentrycore` relocates the whole state
// directory without editing the YAML file.
// Empty and absolute paths are left as they are.
func rootPaths(cfg *config.Config, home string) {
	for _, p := range []*string{
		&cfg.Ledger.DBPath,
		&cfg.Cache.DBPath,
		&cfg.Queue.DBPath,
		&cfg.Pipeline.PacksRootDir,
		&cfg.Telemetry.DBPath,
		&cfg.Exec.PatchHistoryPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(home, *p)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// pipelineSigningKey reads CODEX_PIPELINE_SIGNING_KEY, a hex-encoded
// Ed25519 private key, when set. Returns nil (letting services.Open
// generate an ephemeral key) when the env var is absent.
func pipelineSigningKey() (ed25519.PrivateKey, error) {
	hexKey := os.Getenv("CODEX_PIPELINE_SIGNING_KEY")
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode CODEX_PIPELINE_SIGNING_KEY: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("CODEX_PIPELINE_SIGNING_KEY must be %d bytes hex-encoded, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
