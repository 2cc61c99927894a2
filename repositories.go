package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/himanshub16/upnext-broadcast/radio"
)

type ServerRepository interface {
	CreateServerIfNotExists(ctx context.Context, serverID string) (*Server, error)
	GetServerByID(ctx context.Context, serverID string) (*Server, error)
	close()
}

type PlaylistRepository interface {
	UpsertPlaylist(ctx context.Context, serverID string, document []byte) (*ServerPlaylist, error)
	GetPlaylistByServerID(ctx context.Context, serverID string) (*ServerPlaylist, error)
	close()
}

// sqlxRepository holds the queries shared by the sqlite and postgres
// repositories. Queries are written with ? and rebound per driver.
type sqlxRepository struct {
	db *sqlx.DB
}

func (r *sqlxRepository) createTables(tables []string) error {
	for _, t := range tables {
		if _, err := r.db.Exec(t); err != nil {
			return fmt.Errorf("failed to exec stmt: %w", err)
		}
	}
	return nil
}

func (r *sqlxRepository) CreateServerIfNotExists(ctx context.Context, serverID string) (*Server, error) {
	query := r.db.Rebind(`
	  insert into servers (server_id, created_at)
	  values (?, ?)
	  on conflict(server_id) do nothing;`)

	if _, err := r.db.ExecContext(ctx, query, serverID, time.Now().Unix()); err != nil {
		return nil, err
	}
	return r.GetServerByID(ctx, serverID)
}

func (r *sqlxRepository) GetServerByID(ctx context.Context, serverID string) (*Server, error) {
	query := r.db.Rebind(`select server_id, created_at from servers where server_id=?;`)

	server := &Server{}
	if err := r.db.GetContext(ctx, server, query, serverID); err != nil {
		return nil, notFound(err, "server", serverID)
	}
	return server, nil
}

func (r *sqlxRepository) UpsertPlaylist(ctx context.Context, serverID string, document []byte) (*ServerPlaylist, error) {
	query := r.db.Rebind(`
	  insert into server_playlists (playlist_id, server_id, document, updated_at)
	  values (?, ?, ?, ?)
	  on conflict(server_id) do update
	     set document = excluded.document,
	         updated_at = excluded.updated_at;`)

	_, err := r.db.ExecContext(ctx, query, uuid.New().String(), serverID, string(document), time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return r.GetPlaylistByServerID(ctx, serverID)
}

func (r *sqlxRepository) GetPlaylistByServerID(ctx context.Context, serverID string) (*ServerPlaylist, error) {
	query := r.db.Rebind(`
	  select playlist_id, server_id, document, updated_at
	  from server_playlists where server_id=?;`)

	p := &ServerPlaylist{}
	if err := r.db.GetContext(ctx, p, query, serverID); err != nil {
		return nil, notFound(err, "playlist for server", serverID)
	}
	return p, nil
}

func (r *sqlxRepository) close() {
	r.db.Close()
}

func notFound(err error, kind, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", radio.ErrNotFound, kind, key)
	}
	return err
}
