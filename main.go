// Command hivemind runs the collaborative-perception fusion engine:
// it admits signed observation packets from sensing agents, fuses them
// into a consistent world model of tracked entities, and serves the
// fused tracks, telemetry, and an ops dashboard over HTTP.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Galanafai/Hivemind/internal/api"
	"github.com/Galanafai/Hivemind/internal/config"
	"github.com/Galanafai/Hivemind/internal/engine"
	"github.com/Galanafai/Hivemind/internal/monitor"
	"github.com/Galanafai/Hivemind/internal/storage/sqlite"
	"github.com/Galanafai/Hivemind/internal/tracking"
	"github.com/Galanafai/Hivemind/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "Listen address")
	configPath    = flag.String("config", "", "Path to tuning config JSON (defaults applied when empty)")
	auditDBPath   = flag.String("db", "hivemind_audit.db", "Path to the retirement audit database (empty disables)")
	rootPubPath   = flag.String("root-pub", "", "Path to base64-encoded root authority public key (overrides config)")
	samplePeriod  = flag.Duration("monitor-sample", 5*time.Second, "Monitor sampling interval")
)

// loadRootKey resolves the root authority public key from the flag or
// the config, in that order.
func loadRootKey(cfg *config.TuningConfig) (ed25519.PublicKey, error) {
	if *rootPubPath != "" {
		data, err := os.ReadFile(*rootPubPath)
		if err != nil {
			return nil, fmt.Errorf("read root key file: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode root key file: %w", err)
		}
		return key, nil
	}
	if key := cfg.GetRootPublicKey(); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("no root public key: pass -root-pub or set root_public_key in config")
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("hivemind %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *configPath)
	}

	rootPub, err := loadRootKey(cfg)
	if err != nil {
		log.Fatalf("failed to load root key: %v", err)
	}

	var audit tracking.AuditSink
	if *auditDBPath != "" {
		store, err := sqlite.Open(*auditDBPath)
		if err != nil {
			log.Fatalf("failed to open audit database: %v", err)
		}
		defer store.Close()
		audit = store
		log.Printf("audit database at %s", *auditDBPath)
	}

	eng, err := engine.New(cfg, rootPub, audit)
	if err != nil {
		log.Fatalf("failed to construct engine: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the engine consumer: the single writer over the track table.
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	// Monitor sampling loop.
	mon := monitor.New()
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Sampler(ctx.Done(), *samplePeriod,
			eng.Tracks().TrackCount,
			eng.Telemetry().Read)
	}()

	// HTTP server: engine API plus the ops dashboard.
	srv := api.NewServer(eng, cfg)
	mux := srv.Routes()
	mon.Routes(mux)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("engine stopped")
}
