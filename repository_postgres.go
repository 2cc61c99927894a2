package main

import (
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type PostgresRepository struct {
	sqlxRepository
}

func NewPostgresRepository(dbUrl string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", dbUrl)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to db. creating new tables")

	// make sure the required tables exist
	// if not then create them
	serversTable := `
	  create table if not exists servers (
		server_id text primary key,
		created_at bigint not null
	  );`
	playlistsTable := `
	  create table if not exists server_playlists (
		playlist_id uuid primary key,
		server_id text not null unique references servers(server_id),
		document text not null,
		updated_at bigint not null
	  );`

	r := &PostgresRepository{sqlxRepository{db: db}}
	if err := r.createTables([]string{serversTable, playlistsTable}); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
