// Command pagewatch runs the page change watcher with its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/amartya2002/pagewatch/api"
	"github.com/amartya2002/pagewatch/config"
	"github.com/amartya2002/pagewatch/notify"
	"github.com/amartya2002/pagewatch/watch"
	"github.com/amartya2002/pagewatch/watch/sqlitestore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, targetsFile string
	flagSet := pflag.NewFlagSet("pagewatch", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("PAGEWATCH_CONFIG"), "path to the YAML config file (env PAGEWATCH_CONFIG)")
	flagSet.StringVar(&targetsFile, "targets", "", "JSON file of targets to sync at boot (check_interval in seconds)")
	listen := flagSet.String("listen", "", "HTTP listen address, overrides the config file")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, cleanup, err := buildWatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger := w.Logger()

	for _, tc := range cfg.Targets {
		if _, err := w.SyncTarget(tc.Target()); err != nil {
			return fmt.Errorf("config target %s: %w", tc.URL, err)
		}
	}
	if targetsFile != "" {
		if err := w.LoadFromFile(targetsFile); err != nil {
			return err
		}
	}

	w.Start()
	defer w.Stop()

	apiServer := api.NewServer(w, logger)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: apiServer.Router()}
	httpServer.RegisterOnShutdown(apiServer.Close)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.Listen), zap.Int("targets", len(w.ListTargets())))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// buildWatcher wires the configured stores and channels into a Watcher.
// cleanup releases the stores after the Watcher has stopped.
func buildWatcher(ctx context.Context, cfg *config.Config) (*watch.Watcher, func(), error) {
	level, err := config.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := []watch.Option{
		watch.WithLogLevel(level),
		watch.WithInternalLogs(cfg.Log.Internal),
		watch.WithTimeout(cfg.Fetch.Timeout),
		watch.WithUserAgent(cfg.Fetch.UserAgent),
		watch.WithMaxBodyBytes(cfg.Fetch.MaxBodyBytes),
		watch.WithStrictStatus(cfg.Fetch.StrictStatus),
		watch.WithNotifyTimeout(cfg.Notify.Timeout),
		watch.WithReportsDir(cfg.ReportsDir),
	}
	if cfg.Log.Console != nil {
		opts = append(opts, watch.LogConsole(*cfg.Log.Console))
	}
	for _, f := range cfg.Log.Files {
		opts = append(opts, watch.LogFile(f))
	}
	if level == watch.LogNone && !cfg.Log.Internal {
		opts = append(opts, watch.DisableLogs())
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	cleanup := func() {}
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := sqlitestore.New(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = store.Close() }
		opts = append(opts, watch.WithHistory(store), watch.WithTargetStore(store))
	default:
		history, err := watch.OpenFileHistory(cfg.HistoryPath())
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, watch.WithHistory(history), watch.WithTargetStore(watch.NewFileTargets(cfg.TargetsPath())))
	}

	channels, err := buildChannels(cfg.Notify)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	opts = append(opts, watch.WithChannels(channels...))

	w, err := watch.New(opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	// Without any configured delivery, alerts go to the Watcher's own log.
	if len(channels) == 0 {
		w.AddChannel(notify.NewLog(w.Logger()))
	}
	return w, cleanup, nil
}

func buildChannels(cfg config.NotifyConfig) ([]watch.Channel, error) {
	var channels []watch.Channel
	if cfg.Email != nil {
		email, err := notify.NewEmail(*cfg.Email)
		if err != nil {
			return nil, err
		}
		channels = append(channels, email)
	}
	if cfg.Slack != nil {
		slack, err := notify.NewSlack(cfg.Slack.WebhookURL)
		if err != nil {
			return nil, err
		}
		channels = append(channels, slack)
	}
	if cfg.Telegram != nil {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	return channels, nil
}
