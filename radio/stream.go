package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 250 * time.Millisecond
	DefaultBitrate  = 48000
)

var errNoSource = errors.New("no source configured")

// Opener opens a byte stream for a song reference. The engine closes a
// stream from the goroutine that reads it, except on Engine.Close, where
// Close may run while a Read is blocked and must make that Read return.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Prober reports the bitrate of a song reference in bits per second.
type Prober interface {
	Probe(ctx context.Context, ref string) (int, error)
}

type OpenerFunc func(ctx context.Context, ref string) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return f(ctx, ref)
}

type ProberFunc func(ctx context.Context, ref string) (int, error)

func (f ProberFunc) Probe(ctx context.Context, ref string) (int, error) {
	return f(ctx, ref)
}

// EngineState is Idle until a source is attached and Playing afterwards.
type EngineState int

const (
	Idle EngineState = iota
	Playing
)

func (s EngineState) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

func (s EngineState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EngineState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "playing":
		*s = Playing
	default:
		return fmt.Errorf("unknown engine state %q", text)
	}
	return nil
}

// Source is an open song stream cut into fixed-size chunks.
type Source struct {
	rc    io.ReadCloser
	r     *bufio.Reader
	chunk int

	closeOnce sync.Once
	closeErr  error
}

func newSource(rc io.ReadCloser, chunk int) *Source {
	return &Source{rc: rc, r: bufio.NewReaderSize(rc, chunk), chunk: chunk}
}

// next reads one chunk. exhausted is set once less than a full chunk is
// left after this read; a short final read is returned as-is.
func (s *Source) next() (chunk []byte, exhausted bool, err error) {
	buf := make([]byte, s.chunk)
	n, err := io.ReadFull(s.r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = nil
		}
		return buf[:n], true, err
	}
	if _, err := s.r.Peek(s.chunk); err != nil {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return buf, true, err
	}
	return buf, false, nil
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.rc.Close() })
	return s.closeErr
}

// BroadcastState is the mutable state of one broadcast.
type BroadcastState struct {
	Song     string
	Source   *Source
	Bitrate  int
	Sinks    []Sink
	Playlist Playlist
	Quit     bool
}

// Status is a point-in-time view of an engine.
type Status struct {
	State       EngineState `json:"state"`
	Song        string      `json:"song"`
	CurrentSong *Song       `json:"current_song"`
	Progress    float64     `json:"progress"`
	Bitrate     int         `json:"bitrate"`
	Listeners   int         `json:"listeners"`
}

// Options configures an Engine. Zero values fall back to the defaults.
type Options struct {
	Opener         Opener
	Prober         Prober
	Interval       time.Duration
	Tolerance      time.Duration
	DefaultBitrate int
	Now            func() time.Time
	// OnError receives every failed tick. The loop keeps running.
	OnError func(error)
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.DefaultBitrate <= 0 {
		o.DefaultBitrate = DefaultBitrate
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine drives one community's broadcast: every interval it asks the
// playlist what should be playing, reads one chunk from the current source
// and hands it to every writable sink.
type Engine struct {
	id    string
	opts  Options
	log   *slog.Logger
	state *State[BroadcastState]

	// life bounds every opened source; Close cancels it.
	life     context.Context
	stopLife context.CancelFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	current *Source
	// retired sources were replaced and wait for the loop to close them.
	retired   []*Source
	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine returns an idle engine for the community id with playlist p.
func NewEngine(id string, p Playlist, opts Options) *Engine {
	opts = opts.withDefaults()
	life, stopLife := context.WithCancel(context.Background())
	return &Engine{
		id:   id,
		opts: opts,
		log:  opts.Logger.With("component", "broadcast", "community", id),
		state: NewState(BroadcastState{
			Bitrate:  opts.DefaultBitrate,
			Sinks:    []Sink{},
			Playlist: p,
		}),
		life:     life,
		stopLife: stopLife,
		done:     make(chan struct{}),
	}
}

func (e *Engine) ID() string {
	return e.id
}

// ChunkSize is the number of bytes played per interval at bitrate.
func ChunkSize(bitrate int, interval time.Duration) int {
	n := bitrate / 8 * int(interval/time.Millisecond) / 1000
	if n < 1 {
		return 1
	}
	return n
}

// SetSong opens ref, probes its bitrate and makes it the current source.
// On failure the previous source keeps playing.
func (e *Engine) SetSong(ctx context.Context, ref string) error {
	_, err := e.state.Transform(ctx, func(ctx context.Context, s BroadcastState) (BroadcastState, error) {
		return e.install(ctx, s, ref, 0)
	})
	return err
}

func (e *Engine) install(ctx context.Context, s BroadcastState, ref string, bitrate int) (BroadcastState, error) {
	if e.opts.Opener == nil {
		return s, &SourceError{Ref: ref, Op: "open", Err: errNoSource}
	}
	// The stream outlives the call that installed it and ends with the engine.
	rc, err := e.opts.Opener.Open(e.life, ref)
	if err != nil {
		return s, &SourceError{Ref: ref, Op: "open", Err: err}
	}

	if bitrate <= 0 {
		if e.opts.Prober == nil {
			rc.Close()
			return s, &SourceError{Ref: ref, Op: "probe", Err: errNoSource}
		}
		bitrate, err = e.opts.Prober.Probe(ctx, ref)
		if err != nil {
			rc.Close()
			return s, &SourceError{Ref: ref, Op: "probe", Err: err}
		}
		if bitrate <= 0 {
			rc.Close()
			return s, &SourceError{Ref: ref, Op: "probe", Err: fmt.Errorf("invalid bitrate %d", bitrate)}
		}
	}

	src := newSource(rc, ChunkSize(bitrate, e.opts.Interval))
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		src.Close()
		return s, ErrClosed
	}
	e.current = src
	if s.Source != nil {
		// the loop may be reading it right now
		e.retired = append(e.retired, s.Source)
	}
	e.mu.Unlock()

	s.Song = ref
	s.Bitrate = bitrate
	s.Source = src
	return s, nil
}

// Subscribe adds sink to the listeners. The same sink may be added twice
// and will then receive every chunk twice.
func (e *Engine) Subscribe(ctx context.Context, sink Sink) error {
	_, err := e.state.Transform(ctx, func(_ context.Context, s BroadcastState) (BroadcastState, error) {
		sinks := make([]Sink, len(s.Sinks), len(s.Sinks)+1)
		copy(sinks, s.Sinks)
		s.Sinks = append(sinks, sink)
		return s, nil
	})
	return err
}

// Unsubscribe removes every occurrence of sink.
func (e *Engine) Unsubscribe(ctx context.Context, sink Sink) error {
	_, err := e.state.Transform(ctx, func(_ context.Context, s BroadcastState) (BroadcastState, error) {
		sinks := make([]Sink, 0, len(s.Sinks))
		for _, existing := range s.Sinks {
			if existing != sink {
				sinks = append(sinks, existing)
			}
		}
		s.Sinks = sinks
		return s, nil
	})
	return err
}

// LoadPlaylist swaps in a new schedule. What is playing keeps playing
// until the new schedule says otherwise.
func (e *Engine) LoadPlaylist(ctx context.Context, p Playlist) error {
	_, err := e.state.Transform(ctx, func(_ context.Context, s BroadcastState) (BroadcastState, error) {
		p.CurrentSong = s.Playlist.CurrentSong
		p.Progress = s.Playlist.Progress
		s.Playlist = p
		return s, nil
	})
	return err
}

func (e *Engine) NowPlaying(ctx context.Context) (Status, error) {
	s, err := e.state.Read(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Song:        s.Song,
		CurrentSong: s.Playlist.CurrentSong,
		Progress:    s.Playlist.Progress,
		Bitrate:     s.Bitrate,
	}
	if s.Source != nil {
		st.State = Playing
	}
	for _, sink := range s.Sinks {
		if sink.Writable() {
			st.Listeners++
		}
	}
	return st, nil
}

// Start runs the cadence loop in its own goroutine until ctx is cancelled
// or Close is called. Calling Start more than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.log.Info("broadcast started", "interval", e.opts.Interval)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		if err := e.safeTick(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				e.log.Info("broadcast stopped")
				return
			}
			e.report(err)
		}

		select {
		case <-ctx.Done():
			e.log.Info("broadcast stopped")
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) report(err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(err)
		return
	}
	e.log.Error("tick failed", "error", err)
}

func (e *Engine) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return e.tick(ctx)
}

// closeRetired closes sources that were replaced since the last call.
func (e *Engine) closeRetired() {
	e.mu.Lock()
	retired := e.retired
	e.retired = nil
	e.mu.Unlock()
	for _, src := range retired {
		src.Close()
	}
}

// tick advances the schedule, then plays one chunk.
func (e *Engine) tick(ctx context.Context) error {
	e.closeRetired()

	var errs []error
	if err := e.advance(ctx, e.opts.Now()); err != nil {
		errs = append(errs, err)
	}

	s, err := e.state.Read(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if s.Quit {
		return ErrClosed
	}
	if s.Source == nil {
		return errors.Join(errs...)
	}

	chunk, exhausted, err := s.Source.next()
	if err != nil {
		errs = append(errs, fmt.Errorf("read %s: %w", s.Song, err))
	}
	if len(chunk) > 0 {
		e.fanOut(s.Sinks, chunk)
	}
	if exhausted {
		if err := e.restart(ctx, s.Source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advance starts the scheduled song if one is due. The playlist is only
// updated when the new source was installed, so a failed open is retried
// on the next tick.
func (e *Engine) advance(ctx context.Context, now time.Time) error {
	_, err := e.state.Transform(ctx, func(ctx context.Context, s BroadcastState) (BroadcastState, error) {
		song, ok, next := PollNextSong(s.Playlist, now, e.opts.Tolerance)
		if !ok {
			return s, nil
		}
		s, err := e.install(ctx, s, song.Name, song.Bitrate)
		if err != nil {
			return s, err
		}
		s.Playlist = next
		e.log.Info("now playing", "song", song.Name, "id", song.ID, "bitrate", s.Bitrate)
		return s, nil
	})
	return err
}

// restart reopens the current song when src ran dry, unless another
// source was installed in the meantime.
func (e *Engine) restart(ctx context.Context, src *Source) error {
	_, err := e.state.Transform(ctx, func(ctx context.Context, s BroadcastState) (BroadcastState, error) {
		if s.Source != src {
			return s, nil
		}
		e.log.Debug("source exhausted, looping", "song", s.Song)
		return e.install(ctx, s, s.Song, s.Bitrate)
	})
	return err
}

func (e *Engine) fanOut(sinks []Sink, chunk []byte) {
	for _, sink := range sinks {
		if !sink.Writable() {
			continue
		}
		if _, err := sink.Write(chunk); err != nil {
			e.log.Debug("sink write failed", "error", err)
		}
	}
}

// Close stops the cadence loop, closes the current source and releases
// the engine's state. Sinks are left open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		cancel := e.cancel
		current := e.current
		e.current = nil
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		// A read blocked on a stalled upstream only returns once its
		// stream is gone.
		e.stopLife()
		if current != nil {
			current.Close()
		}
		if cancel != nil {
			<-e.done
		}
		e.closeRetired()

		_, _ = e.state.Transform(context.Background(), func(_ context.Context, s BroadcastState) (BroadcastState, error) {
			if s.Source != nil {
				s.Source.Close()
				s.Source = nil
			}
			s.Quit = true
			return s, nil
		})
		e.state.Close()
	})
	return nil
}
