package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/himanshub16/upnext-broadcast/audio"
	"github.com/himanshub16/upnext-broadcast/config"
	"github.com/himanshub16/upnext-broadcast/radio"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(cfg.LogLevel)})))

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openRepository picks the database driver from the URL scheme.
func openRepository(dbUrl string) (*sqlxRepository, error) {
	u, err := url.Parse(dbUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	switch u.Scheme {
	case "sqlite":
		r, err := NewSQLiteRepository(sqlitePath(u))
		if err != nil {
			return nil, err
		}
		return &r.sqlxRepository, nil
	case "postgres", "postgresql":
		r, err := NewPostgresRepository(dbUrl)
		if err != nil {
			return nil, err
		}
		return &r.sqlxRepository, nil
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func newAudio(ctx context.Context, cfg config.AudioConfig) (*audio.Opener, *audio.FFProbe, error) {
	openerCfg := audio.OpenerConfig{
		HTTPTimeout:     cfg.HTTPTimeout,
		AllowLocalFiles: cfg.AllowLocalFiles,
	}
	if cfg.EnableGCS || cfg.GCSCredentialsFile != "" {
		client, err := audio.NewStorageClient(ctx, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		openerCfg.Storage = client
	}
	opener := audio.NewOpener(openerCfg)
	return opener, audio.NewFFProbe(cfg.FFprobePath, opener), nil
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("database url", "url", cfg.Database.URL)
	repo, err := openRepository(cfg.Database.URL)
	if err != nil {
		return err
	}

	opener, prober, err := newAudio(ctx, cfg.Audio)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	broadcasts := radio.NewBroadcastRegistry(ctx, radio.Options{
		Opener:         opener,
		Prober:         prober,
		Interval:       cfg.Radio.TickInterval,
		Tolerance:      cfg.Radio.Tolerance,
		DefaultBitrate: cfg.Radio.DefaultBitrate,
	})
	listeners := radio.NewSinkRegistry()

	service := NewService(repo, repo, broadcasts)
	defer service.close()

	if dir := cfg.Playlists.WatchDir; dir != "" {
		watcher, err := NewPlaylistWatcher(dir, service)
		if err != nil {
			return err
		}
		if err := watcher.LoadAll(ctx); err != nil {
			slog.Error("Failed to load playlists", "dir", dir, "error", err)
		}
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	echoRouter := NewHTTPRouter(service, listeners, cfg)
	addr := ":" + cfg.Server.Port

	g.Go(func() error {
		slog.Info("HTTP API server listening", "addr", addr)
		if err := echoRouter.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		// engines stop first so listener streams end and the server can drain
		closeErr := broadcasts.Close()
		listeners.Close()
		return errors.Join(closeErr, echoRouter.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
