package radio

import (
	"sync"
	"sync/atomic"
)

// Sink is a listener-side destination for audio chunks. A sink may stop
// being writable at any time; the engine skips it instead of failing.
type Sink interface {
	Write(p []byte) (int, error)
	Writable() bool
}

// BufferedSink queues chunks for a listener goroutine to drain. When the
// queue is full the chunk is dropped, so a slow listener never holds up
// the broadcast.
type BufferedSink struct {
	chunks  chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewBufferedSink returns a sink that holds up to depth chunks.
func NewBufferedSink(depth int) *BufferedSink {
	if depth < 1 {
		depth = 1
	}
	return &BufferedSink{
		chunks: make(chan []byte, depth),
		done:   make(chan struct{}),
	}
}

// Write queues p without copying it. Chunks handed out by the engine are
// never reused.
func (s *BufferedSink) Write(p []byte) (int, error) {
	if !s.Writable() {
		return 0, ErrClosed
	}
	select {
	case s.chunks <- p:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *BufferedSink) Writable() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Chunks is drained by the listener.
func (s *BufferedSink) Chunks() <-chan []byte {
	return s.chunks
}

// Done is closed once the sink is closed.
func (s *BufferedSink) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many chunks were discarded because the queue was full.
func (s *BufferedSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *BufferedSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
