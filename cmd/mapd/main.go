// Command mapd is the map-installation control daemon: it watches a Left
// 4 Dead 2 add-ons directory, applies install/uninstall instructions from
// a backend catalog, and exposes a small HTTP control surface. Dependencies
// are constructed sequentially, background goroutines run under one
// context.Context, and shutdown is signal-triggered.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kether/mapd/internal/api"
	"github.com/kether/mapd/internal/config"
	"github.com/kether/mapd/internal/fetch"
	"github.com/kether/mapd/internal/installer"
	"github.com/kether/mapd/internal/obslog"
	"github.com/kether/mapd/internal/reconcile"
	"github.com/kether/mapd/internal/registry"
	"github.com/kether/mapd/internal/steam"
	"github.com/kether/mapd/internal/watcher"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mapd",
		Short: "Map-installation control daemon for a Left 4 Dead 2 server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/mapd/config.yaml", "path to a YAML configuration file")

	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mapd %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: watcher, backend sync loop, and HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	cmd.Flags().String("bind_addr", "", "address to bind the HTTP control surface to")
	cmd.Flags().String("addons_dir", "", "path to the game server's add-ons directory")
	cmd.Flags().String("backend_url", "", "base URL of the backend registry catalog")
	return cmd
}

func serve(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	obslog.Configure(obslog.Config{
		ServiceName: "mapd",
		Level:       obslog.ParseLevel(cfg.LogLevel),
		JSONFormat:  cfg.LogFormat == "json",
	})
	log := obslog.Get("main")

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	fetcher := fetch.New()
	session := steam.NewSession(steam.NewHTTPTransport())
	inst := installer.New(reg, fetcher, session, cfg.AddonsDir, cfg.ScratchDir, log)

	fsWatcher, err := watcher.New(cfg.AddonsDir, log)
	if err != nil {
		return fmt.Errorf("start filesystem watcher: %w", err)
	}
	defer fsWatcher.Close()

	reconciler := watcher.NewReconciler(reg, cfg.AddonsDir, log)
	syncLoop := reconcile.New(cfg.BackendBaseURL, cfg.BackendToken, cfg.SyncInterval, inst, reg, log)
	server := api.New(inst, reg, log)

	go fsWatcher.Run(ctx)
	go reconciler.Run(ctx, fsWatcher.Events)
	go syncLoop.Run(ctx)

	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: server}
	go func() {
		log.Info("control surface listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control surface stopped unexpectedly", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("mapd is running", "addons_dir", cfg.AddonsDir, "bind_addr", cfg.BindAddr)

	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("control surface did not shut down cleanly", "error", err)
	}

	cancel()
	time.Sleep(2 * time.Second)

	return nil
}
