package radio

import (
	"context"
)

// PlaylistLoader returns the stored playlist of a community.
type PlaylistLoader func(ctx context.Context, communityID string) (Playlist, error)

// BroadcastRegistry holds one running Engine per community. Engines are
// started under the context the registry was built with, not the context
// of the call that happened to create them.
type BroadcastRegistry struct {
	ctx     context.Context
	opts    Options
	engines *Pool[string, *Engine]
}

func NewBroadcastRegistry(ctx context.Context, opts Options) *BroadcastRegistry {
	return &BroadcastRegistry{
		ctx:     ctx,
		opts:    opts,
		engines: NewPool[string, *Engine]("broadcast"),
	}
}

// Get returns the engine of communityID or an error wrapping ErrNotFound.
func (r *BroadcastRegistry) Get(ctx context.Context, communityID string) (*Engine, error) {
	return r.engines.Get(ctx, communityID)
}

// GetOrCreate returns the engine of communityID, loading its playlist and
// starting a new engine on first access. Concurrent first accesses start
// exactly one engine.
func (r *BroadcastRegistry) GetOrCreate(ctx context.Context, communityID string, load PlaylistLoader) (*Engine, error) {
	e, _, err := r.engines.GetOrCreate(ctx, communityID, func(ctx context.Context) (*Engine, error) {
		p, err := load(ctx, communityID)
		if err != nil {
			return nil, err
		}
		e := NewEngine(communityID, p, r.opts)
		e.Start(r.ctx)
		return e, nil
	})
	return e, err
}

// Reload pushes p into the engine of communityID if one is running.
// It reports false when no engine exists yet. An engine that is being
// created while Reload runs receives p once it is stored, so a playlist
// loaded before p was saved never outlives the call.
func (r *BroadcastRegistry) Reload(ctx context.Context, communityID string, p Playlist) (bool, error) {
	return r.engines.Update(ctx, communityID, func(ctx context.Context, e *Engine) error {
		return e.LoadPlaylist(ctx, p)
	})
}

// Close stops every engine.
func (r *BroadcastRegistry) Close() error {
	engines, err := r.engines.Values(context.Background())
	if err != nil {
		return err
	}
	for _, e := range engines {
		e.Close()
	}
	r.engines.Close()
	return nil
}

// SinkRegistry stores listener sinks by listener id.
type SinkRegistry struct {
	sinks *Pool[string, Sink]
}

func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: NewPool[string, Sink]("sink")}
}

func (r *SinkRegistry) Get(ctx context.Context, id string) (Sink, error) {
	return r.sinks.Get(ctx, id)
}

func (r *SinkRegistry) Put(ctx context.Context, id string, sink Sink) error {
	return r.sinks.Put(ctx, id, sink)
}

func (r *SinkRegistry) Delete(ctx context.Context, id string) error {
	_, _, err := r.sinks.Delete(ctx, id)
	return err
}

// Close disconnects every registered sink that can be closed.
func (r *SinkRegistry) Close() {
	if sinks, err := r.sinks.Values(context.Background()); err == nil {
		for _, sink := range sinks {
			release(sink)
		}
	}
	r.sinks.Close()
}
