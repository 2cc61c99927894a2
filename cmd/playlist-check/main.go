// Command playlist-check validates a playlist document, prints the schedule
// it resolves to today and optionally probes the bitrate of every song.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/himanshub16/upnext-broadcast/audio"
	"github.com/himanshub16/upnext-broadcast/config"
	"github.com/himanshub16/upnext-broadcast/radio"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	probe := flag.Bool("probe", false, "probe the bitrate of every song with ffprobe")
	concurrency := flag.Int("concurrency", 4, "songs probed in parallel")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <playlist.json | url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			slog.Error("Failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	opener := audio.NewOpener(audio.OpenerConfig{
		HTTPTimeout:     cfg.Audio.HTTPTimeout,
		AllowLocalFiles: true,
	})

	p, err := readPlaylist(ctx, opener, flag.Arg(0))
	if err != nil {
		slog.Error("Invalid playlist", "source", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	printSchedule(os.Stdout, p, time.Now())

	if !*probe {
		return
	}
	prober := audio.NewFFProbe(cfg.Audio.FFprobePath, opener)
	results := probeSongs(ctx, prober, p, *concurrency, ansi.NewAnsiStdout())
	printProbeResults(os.Stdout, results)
	for _, r := range results {
		if r.Err != nil {
			os.Exit(1)
		}
	}
}

func readPlaylist(ctx context.Context, opener radio.Opener, ref string) (radio.Playlist, error) {
	rc, err := opener.Open(ctx, ref)
	if err != nil {
		return radio.Playlist{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return radio.Playlist{}, err
	}
	return radio.LoadPlaylist(raw)
}

func printSchedule(w io.Writer, p radio.Playlist, now time.Time) {
	slots := radio.ResolveSchedule(p, now)
	slices.SortStableFunc(slots, func(a, b radio.Slot) int {
		return a.At.Compare(b.At)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "START (UTC)\tSONG\tID\n")
	for _, s := range slots {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.At.Format(time.DateTime), s.Song.Name, s.Song.ID[:12])
	}
	tw.Flush()

	if song, delta, ok := radio.NextSong(p, now); ok {
		fmt.Fprintf(w, "\nwould start with %s (%s)\n", song.Name, delta.Round(time.Second))
	} else {
		fmt.Fprintln(w, "\nnothing scheduled before now")
	}
}

type probeResult struct {
	Song    string
	Bitrate int
	Err     error
}

// probeSongs probes every distinct song in p. Declared bitrates are
// reported as they are.
func probeSongs(ctx context.Context, prober radio.Prober, p radio.Playlist, concurrency int, out io.Writer) []probeResult {
	var songs []radio.Song
	seen := make(map[string]bool)
	for _, e := range p.Schedule {
		if !seen[e.Song.Name] {
			seen[e.Song.Name] = true
			songs = append(songs, e.Song)
		}
	}

	bar := progressbar.NewOptions(
		len(songs),
		progressbar.OptionSetWriter(out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionFullWidth(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Probing songs...[reset]"),
	)

	var mu sync.Mutex
	results := make([]probeResult, len(songs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, song := range songs {
		g.Go(func() error {
			defer func() {
				mu.Lock()
				bar.Add(1)
				mu.Unlock()
			}()
			if song.Bitrate > 0 {
				results[i] = probeResult{Song: song.Name, Bitrate: song.Bitrate}
				return nil
			}
			bitrate, err := prober.Probe(ctx, song.Name)
			results[i] = probeResult{Song: song.Name, Bitrate: bitrate, Err: err}
			return nil
		})
	}
	g.Wait()
	bar.Finish()
	fmt.Fprintln(out)
	return results
}

func printProbeResults(w io.Writer, results []probeResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SONG\tBITRATE\tCHUNK\n")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\t-\n", r.Song, r.Err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", r.Song, r.Bitrate, radio.ChunkSize(r.Bitrate, radio.DefaultInterval))
	}
	tw.Flush()
}
