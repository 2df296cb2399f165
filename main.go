package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/edurange/termbridge/internal/cli"
	"github.com/edurange/termbridge/internal/config"
	"github.com/edurange/termbridge/internal/database"
	"github.com/edurange/termbridge/internal/execstream"
	"github.com/edurange/termbridge/internal/handlers"
	"github.com/edurange/termbridge/internal/logging"
	"github.com/edurange/termbridge/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "attach" {
		runAttach(os.Args[2:])
		return
	}

	config.Load()
	if err := config.Cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	if err := logging.Init(config.Cfg.LogPath); err != nil {
		log.Fatalf("Logging init: %v", err)
	}
	defer logging.Close()

	ctx := context.Background()

	profiles, err := config.LoadProfiles(config.Cfg.ProfilesFile)
	if err != nil {
		log.Fatalf("Exec profiles: %v", err)
	}

	dialer, err := execstream.New(ctx, execstream.Options{
		Backend:       config.Cfg.Backend,
		Namespace:     config.Cfg.K8sNamespace,
		Kubeconfig:    config.Cfg.Kubeconfig,
		DockerHost:    config.Cfg.DockerHost,
		SSHKeyPath:    config.Cfg.SSHKeyPath,
		SSHKnownHosts: config.Cfg.SSHKnownHosts,
	})
	if err != nil {
		log.Fatalf("Exec backend: %v", err)
	}

	opts := session.Options{
		IdleTimeout:      config.Duration("IDLE_TIMEOUT", config.Cfg.IdleTimeout, session.DefaultIdleTimeout),
		CloseGrace:       config.Duration("CLOSE_GRACE", config.Cfg.CloseGrace, session.DefaultCloseGrace),
		StampInterval:    config.Duration("RTT_STAMP_INTERVAL", config.Cfg.RTTStampInterval, session.DefaultStampInterval),
		ScrollbackBytes:  config.Cfg.ScrollbackBytes,
		MaxCols:          config.Cfg.MaxCols,
		MaxRows:          config.Cfg.MaxRows,
		RecordingEnabled: config.Cfg.RecordingEnabled,
		Profiles:         profiles,
	}

	var history handlers.HistoryLister
	if config.Cfg.DatabasePath != "" {
		store, err := database.Open(config.Cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer store.Close()
		opts.Recorder = store
		history = store
		log.Printf("Session history: %s", config.Cfg.DatabasePath)
	}

	registry := session.New(dialer, opts)
	stopJanitor, err := registry.StartJanitor(config.Cfg.SweepSchedule)
	if err != nil {
		log.Fatalf("Idle sweep: %v", err)
	}
	log.Printf("Session registry initialized (idle_timeout=%s, scrollback=%d bytes, max=%dx%d, recording=%v)",
		opts.IdleTimeout, opts.ScrollbackBytes, opts.MaxCols, opts.MaxRows, opts.RecordingEnabled)

	h := handlers.New(registry, handlers.Options{
		History:        history,
		Backend:        dialer.Name(),
		AllowedOrigins: config.Cfg.AllowedOrigins,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: h.Router(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Sessions close first: Shutdown waits on open event streams and websockets.
	stopJanitor()
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runAttach(args []string) {
	// The terminal is in raw mode; stray log lines would corrupt the screen.
	log.SetOutput(io.Discard)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	err := cli.RunAttach(ctx, args)
	stop()

	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return
	default:
		fmt.Fprintf(os.Stderr, "termbridge attach: %v\n", err)
		os.Exit(1)
	}
}
