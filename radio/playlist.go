package radio

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is how far ahead a schedule slot may be and still count
// as due.
const DefaultTolerance = 500 * time.Millisecond

// Song is a playable reference. ID is derived from the reference and the
// slot it was scheduled in, so reloading the same document yields the same IDs.
type Song struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Bitrate  int     `json:"bitrate,omitempty"`  // bits per second, 0 if unknown
	Duration float64 `json:"duration,omitempty"` // seconds, 0 if unknown
}

// ScheduleEntry pairs a UTC time of day with a song.
type ScheduleEntry struct {
	StartTime string `json:"start_time"`
	Hour      int    `json:"-"`
	Minute    int    `json:"-"`
	Song      Song   `json:"song"`
}

// Playlist is a time-coded schedule plus what is currently playing.
// Progress is carried along for clients and not used by the engine.
type Playlist struct {
	CurrentSong *Song           `json:"current_song"`
	Progress    float64         `json:"progress"`
	Schedule    []ScheduleEntry `json:"schedule"`
}

// Slot is a schedule entry resolved to an absolute time.
type Slot struct {
	At   time.Time
	Song Song
}

// Document is the raw playlist document stored by collaborators:
//
//	{ "schedule": [ { "startTime": "HH:MM", "song": "<url>" }, ... ] }
type Document struct {
	Schedule *[]DocumentEntry `json:"schedule"`
}

type DocumentEntry struct {
	StartTime string  `json:"startTime"`
	Song      string  `json:"song"`
	Bitrate   int     `json:"bitrate,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// NewPlaylist returns an empty playlist with nothing playing.
func NewPlaylist() Playlist {
	return Playlist{Schedule: []ScheduleEntry{}}
}

// ParseDocument decodes a raw JSON playlist document.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, &ValidationError{Field: "document", Index: -1, Reason: err.Error()}
	}
	return doc, nil
}

// LoadPlaylist parses raw and builds a Playlist from it.
func LoadPlaylist(raw []byte) (Playlist, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return Playlist{}, err
	}
	return LoadFromSource(doc)
}

// LoadFromSource validates doc and converts every entry into a ScheduleEntry.
func LoadFromSource(doc Document) (Playlist, error) {
	if doc.Schedule == nil {
		return Playlist{}, &ValidationError{Field: "schedule", Index: -1, Reason: "missing"}
	}

	p := NewPlaylist()
	for i, e := range *doc.Schedule {
		if e.StartTime == "" {
			return Playlist{}, &ValidationError{Field: "startTime", Index: i, Reason: "missing"}
		}
		if e.Song == "" {
			return Playlist{}, &ValidationError{Field: "song", Index: i, Reason: "missing"}
		}
		hour, minute, err := parseTimeOfDay(e.StartTime)
		if err != nil {
			return Playlist{}, &ValidationError{Field: "startTime", Index: i, Reason: err.Error()}
		}
		if e.Bitrate < 0 {
			return Playlist{}, &ValidationError{Field: "bitrate", Index: i, Reason: "must not be negative"}
		}
		if e.Duration < 0 {
			return Playlist{}, &ValidationError{Field: "duration", Index: i, Reason: "must not be negative"}
		}

		p.Schedule = append(p.Schedule, ScheduleEntry{
			StartTime: e.StartTime,
			Hour:      hour,
			Minute:    minute,
			Song: Song{
				ID:       SongID(e.Song, e.StartTime),
				Name:     e.Song,
				Bitrate:  e.Bitrate,
				Duration: e.Duration,
			},
		})
	}
	return p, nil
}

// SongID hashes a song reference together with its start time.
func SongID(ref, startTime string) string {
	sum := sha256.Sum256([]byte(ref + "-" + startTime))
	return hex.EncodeToString(sum[:])
}

func parseTimeOfDay(s string) (int, int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// ResolveSchedule places every entry on the UTC calendar day of now.
// Slots do not wrap past midnight.
func ResolveSchedule(p Playlist, now time.Time) []Slot {
	y, mo, d := now.UTC().Date()
	slots := make([]Slot, 0, len(p.Schedule))
	for _, e := range p.Schedule {
		slots = append(slots, Slot{
			At:   time.Date(y, mo, d, e.Hour, e.Minute, 0, 0, time.UTC),
			Song: e.Song,
		})
	}
	return slots
}

// NextSong picks the slot closest to now. While something is playing only
// slots at or after now are eligible; when idle only slots at or before now
// are. The returned delta is the slot time minus now.
func NextSong(p Playlist, now time.Time) (Song, time.Duration, bool) {
	type candidate struct {
		delta time.Duration
		song  Song
	}

	slots := ResolveSchedule(p, now)
	candidates := make([]candidate, 0, len(slots))
	for _, s := range slots {
		candidates = append(candidates, candidate{delta: s.At.Sub(now), song: s.Song})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return absDuration(candidates[i].delta) < absDuration(candidates[j].delta)
	})

	for _, c := range candidates {
		if p.CurrentSong != nil && c.delta >= 0 {
			return c.song, c.delta, true
		}
		if p.CurrentSong == nil && c.delta <= 0 {
			return c.song, c.delta, true
		}
	}
	return Song{}, 0, false
}

// PollNextSong returns the song that should start now, if any, and the
// playlist with it marked current. Nothing is returned when no slot is
// eligible, when the nearest slot is more than tolerance away, or when
// it is already the current song.
func PollNextSong(p Playlist, now time.Time, tolerance time.Duration) (Song, bool, Playlist) {
	song, delta, ok := NextSong(p, now)
	if !ok || delta > tolerance {
		return Song{}, false, p
	}
	if p.CurrentSong != nil && p.CurrentSong.ID == song.ID {
		return Song{}, false, p
	}

	next := p
	next.CurrentSong = &song
	return song, true, next
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
