package radio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed atomic.Bool
}

func (s *recordingSink) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, errors.New("write on closed sink")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, p)
	return len(p), nil
}

func (s *recordingSink) Writable() bool {
	return !s.closed.Load()
}

func (s *recordingSink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type fakeSource struct {
	mu      sync.Mutex
	size    map[string]int
	fail    map[string]error
	opened  []string
	probed  []string
	bitrate int
}

func newFakeSource(bitrate int) *fakeSource {
	return &fakeSource{size: map[string]int{}, fail: map[string]error{}, bitrate: bitrate}
}

func (f *fakeSource) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, ref)
	if err := f.fail[ref]; err != nil {
		return nil, err
	}
	n, ok := f.size[ref]
	if !ok {
		n = 1 << 20
	}
	return io.NopCloser(bytes.NewReader(bytes.Repeat([]byte{0xAB}, n))), nil
}

func (f *fakeSource) Probe(_ context.Context, ref string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, ref)
	return f.bitrate, nil
}

func (f *fakeSource) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func newTestEngine(t *testing.T, doc string, src *fakeSource) *Engine {
	t.Helper()
	p := NewPlaylist()
	if doc != "" {
		p = mustLoad(t, doc)
	}
	e := NewEngine("guild-1", p, Options{
		Opener: src,
		Prober: src,
		Now:    func() time.Time { return noon },
	})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, 128000/8/4, ChunkSize(128000, 250*time.Millisecond))
	assert.Equal(t, 48000/8/4, ChunkSize(48000, 250*time.Millisecond))
	assert.Equal(t, 128000/8, ChunkSize(128000, time.Second))
	assert.Equal(t, 1, ChunkSize(0, 250*time.Millisecond))
}

func TestEngineIdleTick(t *testing.T) {
	src := newFakeSource(32000)
	e := newTestEngine(t, "", src)
	sink := &recordingSink{}
	require.NoError(t, e.Subscribe(context.Background(), sink))

	require.NoError(t, e.tick(context.Background()))
	assert.Empty(t, sink.Writes())

	st, err := e.NowPlaying(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, DefaultBitrate, st.Bitrate)
}

func TestEngineTickWritesOneChunk(t *testing.T) {
	src := newFakeSource(32000)
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`, src)
	sink := &recordingSink{}
	require.NoError(t, e.Subscribe(context.Background(), sink))

	require.NoError(t, e.tick(context.Background()))

	writes := sink.Writes()
	require.Len(t, writes, 1)
	assert.Len(t, writes[0], 32000/8/4)

	st, err := e.NowPlaying(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Playing, st.State)
	assert.Equal(t, "a.mp3", st.Song)
	assert.Equal(t, 32000, st.Bitrate)
	assert.Equal(t, 1, st.Listeners)
	require.NotNil(t, st.CurrentSong)
	assert.Equal(t, SongID("a.mp3", "11:59"), st.CurrentSong.ID)

	require.NoError(t, e.tick(context.Background()))
	assert.Len(t, sink.Writes(), 2)
	assert.Equal(t, []string{"a.mp3"}, src.Opened(), "the same slot must not reopen the song")
}

func TestEngineSkipsClosedSinks(t *testing.T) {
	src := newFakeSource(32000)
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`, src)
	ctx := context.Background()

	closed := &recordingSink{}
	closed.closed.Store(true)
	open := &recordingSink{}
	require.NoError(t, e.Subscribe(ctx, closed))
	require.NoError(t, e.Subscribe(ctx, open))

	require.NoError(t, e.tick(ctx))
	assert.Empty(t, closed.Writes())
	assert.Len(t, open.Writes(), 1)

	st, err := e.NowPlaying(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Listeners)
}

func TestEngineDuplicateSubscribe(t *testing.T) {
	src := newFakeSource(32000)
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`, src)
	ctx := context.Background()
	sink := &recordingSink{}
	require.NoError(t, e.Subscribe(ctx, sink))
	require.NoError(t, e.Subscribe(ctx, sink))

	require.NoError(t, e.tick(ctx))
	assert.Len(t, sink.Writes(), 2)

	require.NoError(t, e.Unsubscribe(ctx, sink))
	require.NoError(t, e.tick(ctx))
	assert.Len(t, sink.Writes(), 2)
}

func TestEngineLoopsExhaustedSource(t *testing.T) {
	src := newFakeSource(32000)
	src.size["short.mp3"] = 1500 // one full chunk and a half
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "short.mp3"}]}`, src)
	ctx := context.Background()
	sink := &recordingSink{}
	require.NoError(t, e.Subscribe(ctx, sink))

	require.NoError(t, e.tick(ctx))
	assert.Equal(t, []string{"short.mp3", "short.mp3"}, src.Opened())
	assert.Len(t, src.probed, 1, "a looped song keeps its known bitrate")

	require.NoError(t, e.tick(ctx))
	writes := sink.Writes()
	require.Len(t, writes, 2)
	assert.Len(t, writes[1], 1000)
}

func TestEngineSetSongFailureKeepsState(t *testing.T) {
	src := newFakeSource(32000)
	src.fail["bad.mp3"] = errors.New("connection refused")
	e := newTestEngine(t, "", src)
	ctx := context.Background()

	require.NoError(t, e.SetSong(ctx, "good.mp3"))

	err := e.SetSong(ctx, "bad.mp3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSource)
	var rb *RollbackError
	assert.ErrorAs(t, err, &rb)
	var serr *SourceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "open", serr.Op)
	assert.Equal(t, "bad.mp3", serr.Ref)

	st, err := e.NowPlaying(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good.mp3", st.Song)
	assert.Equal(t, Playing, st.State)
}

func TestEngineProbeFailure(t *testing.T) {
	e := NewEngine("guild-1", NewPlaylist(), Options{
		Opener: newFakeSource(0),
		Prober: ProberFunc(func(context.Context, string) (int, error) {
			return 0, errors.New("ffprobe missing")
		}),
	})
	defer e.Close()

	err := e.SetSong(context.Background(), "a.mp3")
	var serr *SourceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "probe", serr.Op)
}

func TestEngineFailedAdvanceRetries(t *testing.T) {
	src := newFakeSource(32000)
	src.fail["a.mp3"] = errors.New("timeout")
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`, src)
	ctx := context.Background()

	assert.ErrorIs(t, e.tick(ctx), ErrSource)

	src.mu.Lock()
	delete(src.fail, "a.mp3")
	src.mu.Unlock()

	require.NoError(t, e.tick(ctx))
	st, err := e.NowPlaying(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", st.Song)
}

func TestEngineLoadPlaylistKeepsCurrentSong(t *testing.T) {
	src := newFakeSource(32000)
	e := newTestEngine(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`, src)
	ctx := context.Background()
	require.NoError(t, e.tick(ctx))

	next := mustLoad(t, `{"schedule": [
		{"startTime": "11:59", "song": "a.mp3"},
		{"startTime": "13:00", "song": "b.mp3"}
	]}`)
	require.NoError(t, e.LoadPlaylist(ctx, next))

	require.NoError(t, e.tick(ctx))
	st, err := e.NowPlaying(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.mp3", st.Song)
	assert.Equal(t, []string{"a.mp3"}, src.Opened())
}

func TestEngineLoopReportsErrorsAndContinues(t *testing.T) {
	src := newFakeSource(32000)
	src.fail["a.mp3"] = errors.New("unreachable")

	var failures atomic.Int32
	e := NewEngine("guild-1", mustLoad(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`), Options{
		Opener:   src,
		Prober:   src,
		Interval: 5 * time.Millisecond,
		Now:      func() time.Time { return noon },
		OnError: func(err error) {
			if errors.Is(err, ErrSource) {
				failures.Add(1)
			}
		},
	})
	defer e.Close()

	e.Start(context.Background())
	assert.Eventually(t, func() bool { return failures.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestEngineStreamsToBufferedSink(t *testing.T) {
	src := newFakeSource(32000)
	e := NewEngine("guild-1", mustLoad(t, `{"schedule": [{"startTime": "11:59", "song": "a.mp3"}]}`), Options{
		Opener:   src,
		Prober:   src,
		Interval: 5 * time.Millisecond,
		Now:      func() time.Time { return noon },
	})
	defer e.Close()

	sink := NewBufferedSink(4)
	require.NoError(t, e.Subscribe(context.Background(), sink))
	e.Start(context.Background())

	select {
	case chunk := <-sink.Chunks():
		assert.Len(t, chunk, ChunkSize(32000, 5*time.Millisecond))
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered")
	}
}

func TestEngineCloseStopsLoop(t *testing.T) {
	src := newFakeSource(32000)
	e := NewEngine("guild-1", NewPlaylist(), Options{Opener: src, Prober: src, Interval: time.Millisecond})
	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.SetSong(ctx, "a.mp3"))

	require.NoError(t, e.Close())
	_, err := e.NowPlaying(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Subscribe(ctx, &recordingSink{}), ErrClosed)

	e.Start(ctx)
	require.NoError(t, e.Close())
}

func TestEngineStopsWithContext(t *testing.T) {
	e := NewEngine("guild-1", NewPlaylist(), Options{Interval: time.Millisecond})
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	cancel()

	select {
	case <-e.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

// stalledReader blocks every Read until it is closed, like an upstream
// that stopped sending.
type stalledReader struct {
	once   sync.Once
	closed chan struct{}
}

func newStalledReader() *stalledReader {
	return &stalledReader{closed: make(chan struct{})}
}

func (r *stalledReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *stalledReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestEngineCloseUnblocksStalledSource(t *testing.T) {
	stalled := newStalledReader()
	var openCtx atomic.Value
	e := NewEngine("guild-1", mustLoad(t, `{"schedule": [{"startTime": "12:00", "song": "a.mp3"}]}`), Options{
		Opener: OpenerFunc(func(ctx context.Context, _ string) (io.ReadCloser, error) {
			openCtx.Store(ctx)
			return stalled, nil
		}),
		Prober:   ProberFunc(func(context.Context, string) (int, error) { return 32000, nil }),
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return noon },
	})
	e.Start(context.Background())

	require.Eventually(t, func() bool {
		st, err := e.NowPlaying(context.Background())
		return err == nil && st.State == Playing
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a stalled source")
	}

	select {
	case <-stalled.closed:
	default:
		t.Fatal("stalled source was not closed")
	}
	assert.Error(t, openCtx.Load().(context.Context).Err(), "source context ends with the engine")
}

func TestEngineClosesReplacedSourceFromLoop(t *testing.T) {
	var (
		mu      sync.Mutex
		readers []*stalledReader
	)
	e := NewEngine("guild-1", NewPlaylist(), Options{
		Opener: OpenerFunc(func(context.Context, string) (io.ReadCloser, error) {
			mu.Lock()
			defer mu.Unlock()
			r := newStalledReader()
			readers = append(readers, r)
			return r, nil
		}),
		Prober: ProberFunc(func(context.Context, string) (int, error) { return 32000, nil }),
	})
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.SetSong(ctx, "a.mp3"))
	require.NoError(t, e.SetSong(ctx, "b.mp3"))

	mu.Lock()
	first, second := readers[0], readers[1]
	mu.Unlock()

	select {
	case <-first.closed:
		t.Fatal("replaced source closed outside the loop")
	default:
	}

	e.closeRetired()
	select {
	case <-first.closed:
	default:
		t.Fatal("replaced source was not closed")
	}
	select {
	case <-second.closed:
		t.Fatal("current source closed")
	default:
	}
}
