// Package playback implements the [audio.PlaybackEngine] used to render the
// model's synthesised speech.
//
// Chunks are queued in arrival order and played back-to-back with no implied
// gap. StopImmediately halts audible output within the current sink quantum —
// not merely stops accepting chunks — and discards everything still queued,
// which is the latency-critical half of barge-in handling.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/verbalis-ai/verbalis/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.PlaybackEngine = (*Engine)(nil)

const (
	// DefaultQuantumBytes is the slice size written to the sink per call:
	// 480 samples of 24 kHz mono s16le, 20 ms of audio. The stop latency of
	// the engine is bounded by one quantum.
	DefaultQuantumBytes = 960

	// defaultQueueCap is the chunk queue depth. At typical chunk sizes this
	// holds several seconds of speech.
	defaultQueueCap = 64
)

// Option configures an [Engine].
type Option func(*Engine)

// WithQuantumBytes sets the per-write slice size in bytes.
func WithQuantumBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.quantumBytes = n
		}
	}
}

// WithQueueCapacity sets the chunk queue depth.
func WithQueueCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queue = make(chan chunk, n)
		}
	}
}

// chunk pairs audio data with the stop generation it was enqueued under.
// A stop bumps the generation; the dispatch goroutine skips stale chunks so
// "discard queued-but-unplayed" holds even for a chunk already dequeued.
type chunk struct {
	data []byte
	gen  uint64
}

// Engine queues model audio chunks and streams them to a [audio.Sink] one
// quantum at a time from a background dispatch goroutine.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	sink         audio.Sink
	quantumBytes int
	queue        chan chunk
	gen          atomic.Uint64 // bumped by StopImmediately

	mu            sync.Mutex
	cancelPlaying chan struct{} // closed to interrupt the in-flight chunk
	closed        bool

	done     chan struct{}
	loopDone chan struct{}
	warnFull sync.Once
}

// New creates an Engine writing to sink and starts the dispatch goroutine.
// Call [Engine.Close] to stop it and release resources.
func New(sink audio.Sink, opts ...Option) *Engine {
	e := &Engine{
		sink:         sink,
		quantumBytes: DefaultQuantumBytes,
		queue:        make(chan chunk, defaultQueueCap),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	go e.dispatch()
	return e
}

// Enqueue schedules data for playback after everything already queued.
// The engine takes ownership of data. A full queue drops the chunk rather
// than blocking the caller; the orchestration loop must never stall on
// playback.
func (e *Engine) Enqueue(data []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("playback: engine closed")
	}
	e.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	select {
	case e.queue <- chunk{data: data, gen: e.gen.Load()}:
	default:
		e.warnFull.Do(func() {
			slog.Warn("playback: queue full, dropping audio chunk", "bytes", len(data))
		})
	}
	return nil
}

// StopImmediately halts the in-flight chunk within one sink quantum and
// discards all queued chunks. Safe to call at any time, including repeatedly
// and after Close.
func (e *Engine) StopImmediately() {
	// Invalidate everything enqueued so far, including a chunk the dispatch
	// goroutine may have dequeued but not started playing.
	e.gen.Add(1)

	e.mu.Lock()
	if e.cancelPlaying != nil {
		close(e.cancelPlaying)
		e.cancelPlaying = nil
	}
	e.mu.Unlock()

	// Drain whatever is still sitting in the queue.
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

// Close stops the dispatch goroutine and discards queued audio. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancelPlaying != nil {
		close(e.cancelPlaying)
		e.cancelPlaying = nil
	}
	e.mu.Unlock()

	close(e.done)
	<-e.loopDone
	return nil
}

// dispatch pulls chunks off the queue and plays them until Close.
func (e *Engine) dispatch() {
	defer close(e.loopDone)

	for {
		select {
		case <-e.done:
			return
		case c := <-e.queue:
			if c.gen != e.gen.Load() {
				continue // invalidated by a stop after it was enqueued
			}
			e.play(c)
		}
	}
}

// play streams one chunk to the sink quantum by quantum, checking for stop
// and close between writes so cancellation lands within a single quantum.
func (e *Engine) play(c chunk) {
	cancel := make(chan struct{})
	e.mu.Lock()
	e.cancelPlaying = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.cancelPlaying == cancel {
			e.cancelPlaying = nil
		}
		e.mu.Unlock()
	}()

	for off := 0; off < len(c.data); off += e.quantumBytes {
		select {
		case <-e.done:
			return
		case <-cancel:
			return
		default:
		}
		if c.gen != e.gen.Load() {
			return
		}

		end := off + e.quantumBytes
		if end > len(c.data) {
			end = len(c.data)
		}
		if err := e.sink.WriteQuantum(c.data[off:end]); err != nil {
			slog.Warn("playback: sink write error", "err", err)
			return
		}
	}
}
