package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/himanshub16/upnext-broadcast/radio"
)

// maxPlaylistSize bounds playlist documents fetched over HTTP.
const maxPlaylistSize = 1 << 20

type Service interface {
	SetPlaylist(ctx context.Context, serverID string, raw []byte) (radio.Playlist, error)
	SetPlaylistFromURL(ctx context.Context, serverID, url string) (radio.Playlist, error)
	LoadPlaylist(ctx context.Context, serverID string) (radio.Playlist, error)
	Broadcast(ctx context.Context, serverID string) (*radio.Engine, error)
	close()
}

type ServiceImpl struct {
	serverRepo   ServerRepository
	playlistRepo PlaylistRepository
	broadcasts   *radio.BroadcastRegistry
	client       *http.Client
	log          *slog.Logger
}

func NewService(serverRepo ServerRepository, playlistRepo PlaylistRepository, broadcasts *radio.BroadcastRegistry) *ServiceImpl {
	return &ServiceImpl{
		serverRepo:   serverRepo,
		playlistRepo: playlistRepo,
		broadcasts:   broadcasts,
		client:       &http.Client{Timeout: 30 * time.Second},
		log:          slog.With("component", "service"),
	}
}

// SetPlaylist validates raw, stores it for serverID and pushes it into the
// server's engine if one is running.
func (s *ServiceImpl) SetPlaylist(ctx context.Context, serverID string, raw []byte) (radio.Playlist, error) {
	p, err := radio.LoadPlaylist(raw)
	if err != nil {
		return radio.Playlist{}, err
	}

	if _, err := s.serverRepo.CreateServerIfNotExists(ctx, serverID); err != nil {
		return radio.Playlist{}, fmt.Errorf("failed to create server %s: %w", serverID, err)
	}
	if _, err := s.playlistRepo.UpsertPlaylist(ctx, serverID, raw); err != nil {
		return radio.Playlist{}, fmt.Errorf("failed to store playlist for %s: %w", serverID, err)
	}

	live, err := s.broadcasts.Reload(ctx, serverID, p)
	if err != nil {
		return radio.Playlist{}, err
	}
	s.log.Info("Playlist stored", "server", serverID, "songs", len(p.Schedule), "live", live)
	return p, nil
}

// SetPlaylistFromURL fetches a playlist document and stores it like
// SetPlaylist.
func (s *ServiceImpl) SetPlaylistFromURL(ctx context.Context, serverID, url string) (radio.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return radio.Playlist{}, &radio.ValidationError{Field: "url", Index: -1, Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return radio.Playlist{}, &radio.SourceError{Ref: url, Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return radio.Playlist{}, &radio.SourceError{
			Ref: url,
			Op:  "fetch",
			Err: fmt.Errorf("fetch failed with status: %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return radio.Playlist{}, &radio.SourceError{Ref: url, Op: "fetch", Err: err}
	}
	return s.SetPlaylist(ctx, serverID, raw)
}

// LoadPlaylist reads the stored playlist of serverID. It is the loader the
// broadcast registry uses when a server's engine is first needed.
func (s *ServiceImpl) LoadPlaylist(ctx context.Context, serverID string) (radio.Playlist, error) {
	stored, err := s.playlistRepo.GetPlaylistByServerID(ctx, serverID)
	if err != nil {
		return radio.Playlist{}, err
	}
	return radio.LoadPlaylist([]byte(stored.Document))
}

// Broadcast returns the running engine of serverID, starting it on first
// use.
func (s *ServiceImpl) Broadcast(ctx context.Context, serverID string) (*radio.Engine, error) {
	return s.broadcasts.GetOrCreate(ctx, serverID, s.LoadPlaylist)
}

func (s *ServiceImpl) close() {
	s.playlistRepo.close()
	// both interfaces are usually served by the same repository
	if any(s.serverRepo) != any(s.playlistRepo) {
		s.serverRepo.close()
	}
}
