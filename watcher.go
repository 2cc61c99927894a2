package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PlaylistWatcher stores <serverID>.json documents from a directory
// whenever they are created or written.
type PlaylistWatcher struct {
	dir     string
	service Service
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

func NewPlaylistWatcher(dir string, service Service) (*PlaylistWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed adding directory to watcher: %w", err)
	}
	return &PlaylistWatcher{
		dir:     dir,
		service: service,
		watcher: watcher,
		log:     slog.With("component", "watcher", "dir", dir),
	}, nil
}

// LoadAll stores every playlist document already present in the directory.
func (w *PlaylistWatcher) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.load(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Run handles file events until ctx is done.
func (w *PlaylistWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// editors often emit several writes for one save
	recentEvents := make(map[string]time.Time)
	const eventTimeout = 100 * time.Millisecond

	w.log.InfoContext(ctx, "started watching for playlists")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			key := event.Name + event.Op.String()
			if last, exists := recentEvents[key]; exists && time.Since(last) < eventTimeout {
				continue
			}
			recentEvents[key] = time.Now()
			w.load(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.ErrorContext(ctx, "watcher error", "error", err)
		}
	}
}

func (w *PlaylistWatcher) load(ctx context.Context, path string) {
	serverID, ok := serverIDFromPath(path)
	if !ok {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to read playlist", "file", path, "error", err)
		return
	}
	if _, err := w.service.SetPlaylist(ctx, serverID, raw); err != nil {
		w.log.ErrorContext(ctx, "Failed to store playlist", "file", path, "server", serverID, "error", err)
		return
	}
	w.log.InfoContext(ctx, "Playlist loaded from file", "file", path, "server", serverID)
}

func serverIDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	serverID := strings.TrimSuffix(name, ".json")
	return serverID, serverID != ""
}
