package radio

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool is a keyed collection of resources kept in a State. The map is
// copied on every write, so a snapshot taken by Get or Values is never
// mutated afterwards.
type Pool[K ~string, V any] struct {
	kind   string
	state  *State[map[K]V]
	flight singleflight.Group
	// locks holds one chan struct{} per key; creation and Update of a key
	// never overlap.
	locks sync.Map
}

// NewPool returns an empty pool. kind names the resource in not-found errors.
func NewPool[K ~string, V any](kind string) *Pool[K, V] {
	return &Pool[K, V]{
		kind:  kind,
		state: NewState(map[K]V{}),
	}
}

// Get returns the value stored under key, or an error wrapping ErrNotFound.
func (p *Pool[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	m, err := p.state.Read(ctx)
	if err != nil {
		return zero, err
	}
	v, ok := m[key]
	if !ok {
		return zero, notFound(p.kind, string(key))
	}
	return v, nil
}

// Put stores value under key, replacing whatever was there.
func (p *Pool[K, V]) Put(ctx context.Context, key K, value V) error {
	_, err := p.state.Transform(ctx, func(_ context.Context, m map[K]V) (map[K]V, error) {
		next := maps.Clone(m)
		next[key] = value
		return next, nil
	})
	return err
}

// Delete removes key and returns the value that was stored under it.
func (p *Pool[K, V]) Delete(ctx context.Context, key K) (V, bool, error) {
	var (
		removed V
		found   bool
	)
	_, err := p.state.Transform(ctx, func(_ context.Context, m map[K]V) (map[K]V, error) {
		removed, found = m[key]
		if !found {
			return m, nil
		}
		next := maps.Clone(m)
		delete(next, key)
		return next, nil
	})
	return removed, found, err
}

// Values returns every stored value in no particular order.
func (p *Pool[K, V]) Values(ctx context.Context) ([]V, error) {
	m, err := p.state.Read(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]V, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return values, nil
}

func (p *Pool[K, V]) putIfAbsent(ctx context.Context, key K, value V) (V, bool, error) {
	var (
		stored   V
		inserted bool
	)
	_, err := p.state.Transform(ctx, func(_ context.Context, m map[K]V) (map[K]V, error) {
		if existing, ok := m[key]; ok {
			stored = existing
			return m, nil
		}
		next := maps.Clone(m)
		next[key] = value
		stored, inserted = value, true
		return next, nil
	})
	return stored, inserted, err
}

func (p *Pool[K, V]) lock(ctx context.Context, key K) (func(), error) {
	l, _ := p.locks.LoadOrStore(key, make(chan struct{}, 1))
	sem := l.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Update runs fn on the value under key. It waits for a creation of the
// same key that is in progress, so fn sees the value that creation stores.
// It reports false, without calling fn, when key is absent.
func (p *Pool[K, V]) Update(ctx context.Context, key K, fn func(context.Context, V) error) (bool, error) {
	unlock, err := p.lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	v, err := p.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, fn(ctx, v)
}

type poolCreated[V any] struct {
	value   V
	created bool
}

// GetOrCreate returns the value under key, running create when it is absent.
// Concurrent misses on the same key share one call to create, and the result
// is inserted only if the key is still free. A created value that loses the
// insert to a concurrent Put is closed when it implements io.Closer. The
// boolean is true when this call (or the flight it joined) stored a new value.
// create runs detached from the caller's cancellation, so a caller that gives
// up does not fail the others waiting on the same key.
func (p *Pool[K, V]) GetOrCreate(ctx context.Context, key K, create func(context.Context) (V, error)) (V, bool, error) {
	var zero V
	v, err := p.Get(ctx, key)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return zero, false, err
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(string(key), func() (any, error) {
		unlock, err := p.lock(flightCtx, key)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if v, err := p.Get(flightCtx, key); err == nil {
			return poolCreated[V]{value: v}, nil
		}
		v, err := create(flightCtx)
		if err != nil {
			return nil, err
		}
		stored, inserted, err := p.putIfAbsent(flightCtx, key, v)
		if err != nil || !inserted {
			release(v)
		}
		if err != nil {
			return nil, err
		}
		return poolCreated[V]{value: stored, created: inserted}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		c := res.Val.(poolCreated[V])
		return c.value, c.created, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Close stops the pool's state. Stored values are not closed.
func (p *Pool[K, V]) Close() {
	p.state.Close()
}

func release(v any) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}
