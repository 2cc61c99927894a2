// this file defines the data structures to be used throughout
package main

// Server is a community that broadcasts its own radio.
type Server struct {
	ServerID  string `db:"server_id" json:"server_id"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// ServerPlaylist is the raw playlist document stored for a server. It is
// validated before it is stored and parsed again on every load.
type ServerPlaylist struct {
	PlaylistID string `db:"playlist_id" json:"playlist_id"`
	ServerID   string `db:"server_id" json:"server_id"`
	Document   string `db:"document" json:"-"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}
