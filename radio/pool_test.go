package radio

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct {
	name   string
	closed atomic.Bool
}

func (c *closer) Close() error {
	c.closed.Store(true)
	return nil
}

func TestPoolGetMissing(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()

	_, err := p.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "thing nope")
}

func TestPoolPutOverwrites(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, "a", 1))
	require.NoError(t, p.Put(ctx, "a", 2))

	v, err := p.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	values, err := p.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, values)
}

func TestPoolDelete(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Put(ctx, "a", 1))
	v, found, err := p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, v)

	_, found, err = p.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPoolGetOrCreateConcurrent(t *testing.T) {
	p := NewPool[string, *closer]("thing")
	defer p.Close()
	ctx := context.Background()

	var calls atomic.Int32
	create := func(context.Context) (*closer, error) {
		calls.Add(1)
		return &closer{name: "made"}, nil
	}

	const n = 50
	results := make([]*closer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := p.GetOrCreate(ctx, "k", create)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	stored, err := p.Get(ctx, "k")
	require.NoError(t, err)
	for _, r := range results {
		assert.Same(t, stored, r)
	}
	assert.False(t, stored.closed.Load())
}

func TestPoolGetOrCreateExisting(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()
	ctx := context.Background()
	require.NoError(t, p.Put(ctx, "k", 5))

	v, created, err := p.GetOrCreate(ctx, "k", func(context.Context) (int, error) {
		t.Fatal("create called for an existing key")
		return 0, nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 5, v)
}

func TestPoolGetOrCreateLosesToPut(t *testing.T) {
	p := NewPool[string, *closer]("thing")
	defer p.Close()
	ctx := context.Background()

	winner := &closer{name: "winner"}
	loser := &closer{name: "loser"}
	v, created, err := p.GetOrCreate(ctx, "k", func(ctx context.Context) (*closer, error) {
		require.NoError(t, p.Put(ctx, "k", winner))
		return loser, nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, winner, v)
	assert.True(t, loser.closed.Load())
	assert.False(t, winner.closed.Load())
}

func TestPoolGetOrCreateError(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()
	ctx := context.Background()

	_, _, err := p.GetOrCreate(ctx, "k", func(context.Context) (int, error) {
		return 0, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = p.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoolGetOrCreateSurvivesCancelledCaller(t *testing.T) {
	p := NewPool[string, int]("thing")
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	create := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 7, ctx.Err()
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := p.GetOrCreate(firstCtx, "k", create)
		firstErr <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, _, err := p.GetOrCreate(context.Background(), "k", create)
		second <- result{v, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, 7, res.v)
	case <-time.After(time.Second):
		t.Fatal("second caller never got the value")
	}
	v, err := p.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPoolUpdate(t *testing.T) {
	p := NewPool[string, *closer]("thing")
	defer p.Close()
	ctx := context.Background()

	found, err := p.Update(ctx, "k", func(context.Context, *closer) error {
		t.Fatal("called for a missing key")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, found)

	c := &closer{name: "c"}
	require.NoError(t, p.Put(ctx, "k", c))
	found, err = p.Update(ctx, "k", func(_ context.Context, v *closer) error {
		assert.Same(t, c, v)
		return assert.AnError
	})
	assert.True(t, found)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPoolUpdateWaitsForCreation(t *testing.T) {
	p := NewPool[string, *closer]("thing")
	defer p.Close()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	created := &closer{name: "created"}
	go p.GetOrCreate(ctx, "k", func(context.Context) (*closer, error) {
		close(started)
		<-release
		return created, nil
	})
	<-started

	updated := make(chan *closer, 1)
	go func() {
		found, err := p.Update(ctx, "k", func(_ context.Context, v *closer) error {
			updated <- v
			return nil
		})
		assert.True(t, found)
		assert.NoError(t, err)
	}()

	select {
	case <-updated:
		t.Fatal("Update ran before creation finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case v := <-updated:
		assert.Same(t, created, v)
	case <-time.After(time.Second):
		t.Fatal("Update never ran")
	}
}
