// Command hearth runs the plugin host: it discovers plugins under the
// plugins directory, drives their lifecycle, and serves the admin API
// and plugin-registered routes over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthbot/hearth/internal/config"
	"github.com/hearthbot/hearth/internal/logging"
	"github.com/hearthbot/hearth/internal/plugin"
	"github.com/hearthbot/hearth/internal/plugin/statestore"
	"github.com/hearthbot/hearth/internal/registry"
	"github.com/hearthbot/hearth/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hearth:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "hearth.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	commands := registry.New(registry.KindCommand)
	events := registry.New(registry.KindEvent)
	routes := registry.New(registry.KindRoute)
	pages := registry.New(registry.KindPage)

	manager := plugin.NewManager(plugin.Options{
		PluginsDir:    cfg.PluginsDir,
		States:        statestore.New(cfg.StateFile),
		Commands:      commands,
		Events:        events,
		Routes:        routes,
		Pages:         pages,
		InvokeTimeout: cfg.InvokeTimeout,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Sync(ctx); err != nil {
		return fmt.Errorf("discovering plugins: %w", err)
	}

	if cfg.WatchPlugins {
		watcher, err := plugin.NewWatcher(manager, logger)
		if err != nil {
			return fmt.Errorf("watching plugins directory: %w", err)
		}
		go watcher.Run(ctx)
		defer watcher.Close()
	}

	dispatcher := registry.NewDispatcher(routes, pages)
	srv := server.New(cfg.AdminAddr, manager, dispatcher, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("plugin shutdown", slog.Any("error", err))
	}
	return nil
}
