package main

import (
	"log/slog"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	sqlxRepository
}

// sqlitePath turns sqlite://db.sqlite3 and sqlite:///var/lib/radio.db into
// file paths.
func sqlitePath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + u.Path
}

func NewSQLiteRepository(filePath string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", filePath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	// make sure the required tables exist
	serversTable := `
	  create table if not exists servers (
		server_id text primary key,
		created_at integer not null
	  );`
	playlistsTable := `
	  create table if not exists server_playlists (
		playlist_id text primary key,
		server_id text not null unique references servers(server_id),
		document text not null,
		updated_at integer not null
	  );`

	r := &SQLiteRepository{sqlxRepository{db: db}}
	if err := r.createTables([]string{serversTable, playlistsTable}); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("Connected to database", "driver", "sqlite3", "path", filePath)
	return r, nil
}
